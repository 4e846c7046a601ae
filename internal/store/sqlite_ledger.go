package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
)

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func (s *SQLiteStore) findHistoryRef(ctx context.Context, source models.MessageSource, messageID, clientMsgID string) (*AppendResult, error) {
	if messageID != "" {
		var res AppendResult
		err := s.db.QueryRowContext(ctx, `
			SELECT conv_id, seq FROM history WHERE source = ? AND message_id = ?
		`, source, messageID).Scan(&res.ConvID, &res.Seq)
		if err == nil {
			res.Existing = true
			return &res, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	if clientMsgID != "" {
		var res AppendResult
		err := s.db.QueryRowContext(ctx, `
			SELECT conv_id, seq FROM history WHERE client_msg_id = ?
		`, clientMsgID).Scan(&res.ConvID, &res.Seq)
		if err == nil {
			res.Existing = true
			return &res, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	return nil, nil
}

// AppendHistory appends one message to the conversation ledger. Write
// transactions are serialized by the connection's immediate locking, so
// the seq bump and the row insert land atomically; a duplicate
// message_id/client_msg_id rolls the bump back and the pre-existing row
// is returned instead.
func (s *SQLiteStore) AppendHistory(ctx context.Context, in AppendInput) (AppendResult, error) {
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
	if !isSQLiteUniqueViolation(err) {
		return AppendResult{}, err
	}

	existing, ferr := s.findHistoryRef(ctx, in.Source, in.MessageID, in.ClientMsgID)
	if ferr != nil {
		return AppendResult{}, ferr
	}
	if existing == nil {
		return AppendResult{}, err
	}
	return *existing, nil
}

func (s *SQLiteStore) appendHistoryTx(ctx context.Context, in AppendInput, createdAt time.Time) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, err
	}
	defer tx.Rollback()

	participants, err := json.Marshal(in.Participants)
	if err != nil {
		return AppendResult{}, err
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, participants, seq_max, message_count, created_at, updated_at)
		VALUES (?, ?, 1, 1, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET seq_max = seq_max + 1,
		    message_count = message_count + 1,
		    updated_at = excluded.updated_at
		RETURNING seq_max
	`, in.ConvID, string(participants), createdAt, createdAt).Scan(&seq)
	if err != nil {
		return AppendResult{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history (conv_id, seq, sender, source, message_id, client_msg_id, box, box_size, iv, message_type, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.ConvID, seq, in.Sender, in.Source,
		nullIfEmpty(in.MessageID), nullIfEmpty(in.ClientMsgID),
		in.Box, in.BoxSize, nullIfEmpty(in.IV), in.Type, marshalMeta(in.Meta), createdAt)
	if err != nil {
		return AppendResult{}, err
	}

	for _, p := range in.Participants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conv_id, wallet, joined_at)
			VALUES (?, ?, ?)
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
	if _, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_message = ? WHERE id = ?
	`, string(preview), in.ConvID); err != nil {
		return AppendResult{}, err
	}

	// A sender has implicitly read their own message.
	if _, err = tx.ExecContext(ctx, `
		UPDATE conversation_members
		SET last_read_seq = MAX(last_read_seq, ?),
		    last_read_at = MAX(COALESCE(last_read_at, ?), ?)
		WHERE conv_id = ? AND wallet = ?
	`, seq, createdAt, createdAt, in.ConvID, in.Sender); err != nil {
		return AppendResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{ConvID: in.ConvID, Seq: seq}, nil
}

// GetConversation returns the conversation with members, or nil.
func (s *SQLiteStore) GetConversation(ctx context.Context, convID string) (*models.Conversation, error) {
	c := &models.Conversation{}
	var participantsRaw, previewRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, participants, seq_max, message_count, last_message, created_at, updated_at
		FROM conversations WHERE id = ?
	`, convID).Scan(&c.ID, &participantsRaw, &c.SeqMax, &c.MessageCount, &previewRaw, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet, last_read_seq, last_read_at, joined_at, pinned, muted_until
		FROM conversation_members WHERE conv_id = ? ORDER BY wallet
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
func (s *SQLiteStore) IsMember(ctx context.Context, convID, wallet string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM conversation_members WHERE conv_id = ? AND wallet = ?
	`, convID, wallet).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListConversations returns wallet's conversations, most recently updated
// first, keyset-paginated on (updated_at, id).
func (s *SQLiteStore) ListConversations(ctx context.Context, wallet string, limit int, beforeUpdated time.Time, beforeID string) ([]models.ConversationSummary, error) {
	const base = `
		SELECT c.id, c.participants, c.seq_max, c.message_count, c.last_message, c.updated_at,
		       m.last_read_seq, m.pinned, m.muted_until
		FROM conversations c
		JOIN conversation_members m ON m.conv_id = c.id
		WHERE m.wallet = ?`

	var query string
	var args []any
	if beforeUpdated.IsZero() {
		query = base + ` ORDER BY c.updated_at DESC, c.id DESC LIMIT ?`
		args = []any{wallet, limit}
	} else {
		query = base + ` AND (c.updated_at, c.id) < (?, ?) ORDER BY c.updated_at DESC, c.id DESC LIMIT ?`
		args = []any{wallet, beforeUpdated, beforeID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// ListHistory returns non-deleted messages in descending seq order.
func (s *SQLiteStore) ListHistory(ctx context.Context, convID string, limit int, beforeSeq int64) ([]models.HistoryMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+` FROM history
		WHERE conv_id = ? AND deleted_at IS NULL AND (? = 0 OR seq < ?)
		ORDER BY seq DESC
		LIMIT ?
	`, convID, beforeSeq, beforeSeq, limit)
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
func (s *SQLiteStore) MarkRead(ctx context.Context, convID, wallet string, seq int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_members
		SET last_read_seq = MAX(last_read_seq, ?),
		    last_read_at = MAX(COALESCE(last_read_at, ?), ?)
		WHERE conv_id = ? AND wallet = ?
	`, seq, at.UTC(), at.UTC(), convID, wallet)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchTimestamps records delivery/acknowledgment times on history rows
// referencing the given relay message ids. First write wins.
func (s *SQLiteStore) TouchTimestamps(ctx context.Context, messageIDs []string, deliveredAt, acknowledgedAt *time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	placeholders, args := inArgs(messageIDs)
	args = append([]any{deliveredAt, acknowledgedAt}, args...)
	_, err := s.db.ExecContext(ctx, `
		UPDATE history
		SET delivered_at = COALESCE(delivered_at, ?),
		    acknowledged_at = COALESCE(acknowledged_at, ?)
		WHERE source = 'relay' AND message_id IN (`+placeholders+`)
	`, args...)
	return err
}
