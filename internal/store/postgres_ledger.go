package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
)

const pgUniqueViolation = "23505"

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// findHistoryRef looks up an existing history row by relay message id or
// client message id, in that order.
func (s *PostgresStore) findHistoryRef(ctx context.Context, source models.MessageSource, messageID, clientMsgID string) (*AppendResult, error) {
	if messageID != "" {
		var res AppendResult
		err := s.pool.QueryRow(ctx, `
			SELECT conv_id, seq FROM history WHERE source = $1 AND message_id = $2
		`, source, messageID).Scan(&res.ConvID, &res.Seq)
		if err == nil {
			res.Existing = true
			return &res, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	if clientMsgID != "" {
		var res AppendResult
		err := s.pool.QueryRow(ctx, `
			SELECT conv_id, seq FROM history WHERE client_msg_id = $1
		`, clientMsgID).Scan(&res.ConvID, &res.Seq)
		if err == nil {
			res.Existing = true
			return &res, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	return nil, nil
}

// AppendHistory appends one message to the conversation ledger. The whole
// step runs in a single transaction: the conflict-upsert on conversations
// both creates the record on first use and takes the row lock that
// serializes seq allocation across concurrent senders. A duplicate
// message_id or client_msg_id aborts the transaction, which also unwinds
// the counter bump, and the pre-existing row is returned instead.
func (s *PostgresStore) AppendHistory(ctx context.Context, in AppendInput) (AppendResult, error) {
	if existing, err := s.findHistoryRef(ctx, in.Source, in.MessageID, in.ClientMsgID); err != nil {
		return AppendResult{}, err
	} else if existing != nil {
		return *existing, nil
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.appendHistoryTx(ctx, in, createdAt)
	if err == nil {
		return res, nil
	}
	if !isPgUniqueViolation(err) {
		return AppendResult{}, err
	}

	// Lost a race against a duplicate append. The rollback has already
	// unwound the counter bump; surface the winner's row.
	existing, ferr := s.findHistoryRef(ctx, in.Source, in.MessageID, in.ClientMsgID)
	if ferr != nil {
		return AppendResult{}, ferr
	}
	if existing == nil {
		return AppendResult{}, err
	}
	return *existing, nil
}

func (s *PostgresStore) appendHistoryTx(ctx context.Context, in AppendInput, createdAt time.Time) (AppendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AppendResult{}, err
	}
	defer tx.Rollback(ctx)

	participants, err := json.Marshal(in.Participants)
	if err != nil {
		return AppendResult{}, err
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, participants, seq_max, message_count, created_at, updated_at)
		VALUES ($1, $2, 1, 1, $3, $3)
		ON CONFLICT (id) DO UPDATE
		SET seq_max = conversations.seq_max + 1,
		    message_count = conversations.message_count + 1,
		    updated_at = $3
		RETURNING seq_max
	`, in.ConvID, string(participants), createdAt).Scan(&seq)
	if err != nil {
		return AppendResult{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO history (conv_id, seq, sender, source, message_id, client_msg_id, box, box_size, iv, message_type, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, in.ConvID, seq, in.Sender, in.Source,
		nullIfEmpty(in.MessageID), nullIfEmpty(in.ClientMsgID),
		in.Box, in.BoxSize, nullIfEmpty(in.IV), in.Type, marshalMeta(in.Meta), createdAt)
	if err != nil {
		return AppendResult{}, err
	}

	// Self-heal membership: every participant has a member row.
	for _, p := range in.Participants {
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_members (conv_id, wallet, joined_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (conv_id, wallet) DO NOTHING
		`, in.ConvID, p, createdAt)
		if err != nil {
			return AppendResult{}, err
		}
	}

	preview, err := json.Marshal(models.MessagePreview{
		Sender: in.Sender,
		Type:   in.Type,
		Seq:    seq,
		SentAt: createdAt,
	})
	if err != nil {
		return AppendResult{}, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE conversations SET last_message = $2 WHERE id = $1
	`, in.ConvID, string(preview)); err != nil {
		return AppendResult{}, err
	}

	// A sender has implicitly read their own message.
	if _, err = tx.Exec(ctx, `
		UPDATE conversation_members
		SET last_read_seq = GREATEST(last_read_seq, $3),
		    last_read_at = GREATEST(COALESCE(last_read_at, $4), $4)
		WHERE conv_id = $1 AND wallet = $2
	`, in.ConvID, in.Sender, seq, createdAt); err != nil {
		return AppendResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{ConvID: in.ConvID, Seq: seq}, nil
}

// GetConversation returns the conversation with members, or nil.
func (s *PostgresStore) GetConversation(ctx context.Context, convID string) (*models.Conversation, error) {
	c := &models.Conversation{}
	var participantsRaw, previewRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, participants, seq_max, message_count, last_message, created_at, updated_at
		FROM conversations WHERE id = $1
	`, convID).Scan(&c.ID, &participantsRaw, &c.SeqMax, &c.MessageCount, &previewRaw, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(participantsRaw, &c.Participants); err != nil {
		return nil, err
	}
	if len(previewRaw) > 0 {
		c.LastMessage = &models.MessagePreview{}
		if err := json.Unmarshal(previewRaw, c.LastMessage); err != nil {
			return nil, err
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT wallet, last_read_seq, last_read_at, joined_at, pinned, muted_until
		FROM conversation_members WHERE conv_id = $1 ORDER BY wallet
	`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.Wallet, &m.LastReadSeq, &m.LastReadAt, &m.JoinedAt, &m.Pinned, &m.MutedUntil); err != nil {
			return nil, err
		}
		c.Members = append(c.Members, m)
	}
	return c, rows.Err()
}

// IsMember reports whether wallet belongs to the conversation.
func (s *PostgresStore) IsMember(ctx context.Context, convID, wallet string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM conversation_members WHERE conv_id = $1 AND wallet = $2)
	`, convID, wallet).Scan(&exists)
	return exists, err
}

// ListConversations returns wallet's conversations, most recently updated
// first, keyset-paginated on (updated_at, id).
func (s *PostgresStore) ListConversations(ctx context.Context, wallet string, limit int, beforeUpdated time.Time, beforeID string) ([]models.ConversationSummary, error) {
	const base = `
		SELECT c.id, c.participants, c.seq_max, c.message_count, c.last_message, c.updated_at,
		       m.last_read_seq, m.pinned, m.muted_until
		FROM conversations c
		JOIN conversation_members m ON m.conv_id = c.id
		WHERE m.wallet = $1`

	var query string
	var args []any
	if beforeUpdated.IsZero() {
		query = base + ` ORDER BY c.updated_at DESC, c.id DESC LIMIT $2`
		args = []any{wallet, limit}
	} else {
		query = base + ` AND (c.updated_at, c.id) < ($2, $3) ORDER BY c.updated_at DESC, c.id DESC LIMIT $4`
		args = []any{wallet, beforeUpdated, beforeID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.ConversationSummary
	for rows.Next() {
		var cs models.ConversationSummary
		var participantsRaw, previewRaw []byte
		if err := rows.Scan(&cs.ID, &participantsRaw, &cs.SeqMax, &cs.MessageCount, &previewRaw,
			&cs.UpdatedAt, &cs.LastReadSeq, &cs.Pinned, &cs.MutedUntil); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(participantsRaw, &cs.Participants); err != nil {
			return nil, err
		}
		if len(previewRaw) > 0 {
			cs.LastMessage = &models.MessagePreview{}
			if err := json.Unmarshal(previewRaw, cs.LastMessage); err != nil {
				return nil, err
			}
		}
		if cs.Unread = cs.SeqMax - cs.LastReadSeq; cs.Unread < 0 {
			cs.Unread = 0
		}
		items = append(items, cs)
	}
	return items, rows.Err()
}

const historyColumns = `conv_id, seq, sender, source, message_id, client_msg_id, box, box_size, iv, message_type, meta, delivered_at, acknowledged_at, attachments, deleted_at, created_at`

func scanHistoryMessage(row rowScanner) (*models.HistoryMessage, error) {
	h := &models.HistoryMessage{}
	var messageID, clientMsgID, iv *string
	var metaRaw, attachRaw []byte
	err := row.Scan(
		&h.ConvID, &h.Seq, &h.Sender, &h.Source,
		&messageID, &clientMsgID,
		&h.Box, &h.BoxSize, &iv, &h.Type, &metaRaw,
		&h.Timestamps.DeliveredAt, &h.Timestamps.AcknowledgedAt,
		&attachRaw, &h.DeletedAt, &h.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if messageID != nil {
		h.MessageID = *messageID
	}
	if clientMsgID != nil {
		h.ClientMsgID = *clientMsgID
	}
	if iv != nil {
		h.IV = *iv
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &h.Meta); err != nil {
			return nil, err
		}
	}
	if len(attachRaw) > 0 {
		if err := json.Unmarshal(attachRaw, &h.Attachments); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// ListHistory returns non-deleted messages in descending seq order.
func (s *PostgresStore) ListHistory(ctx context.Context, convID string, limit int, beforeSeq int64) ([]models.HistoryMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+historyColumns+` FROM history
		WHERE conv_id = $1 AND deleted_at IS NULL AND ($2 = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3
	`, convID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.HistoryMessage
	for rows.Next() {
		h, err := scanHistoryMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *h)
	}
	return items, rows.Err()
}

// MarkRead raises the member's read cursor, never lowering it.
func (s *PostgresStore) MarkRead(ctx context.Context, convID, wallet string, seq int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_members
		SET last_read_seq = GREATEST(last_read_seq, $3),
		    last_read_at = GREATEST(COALESCE(last_read_at, $4), $4)
		WHERE conv_id = $1 AND wallet = $2
	`, convID, wallet, seq, at.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// TouchTimestamps records delivery/acknowledgment times on history rows
// referencing the given relay message ids. First write wins.
func (s *PostgresStore) TouchTimestamps(ctx context.Context, messageIDs []string, deliveredAt, acknowledgedAt *time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE history
		SET delivered_at = COALESCE(delivered_at, $2),
		    acknowledged_at = COALESCE(acknowledged_at, $3)
		WHERE source = 'relay' AND message_id = ANY($1)
	`, messageIDs, deliveredAt, acknowledgedAt)
	return err
}
