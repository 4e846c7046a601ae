package store

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and initializes the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		address TEXT PRIMARY KEY,
		quota_bytes BIGINT,
		used_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS mailbox (
		id TEXT PRIMARY KEY,
		receipt TEXT NOT NULL,
		recipient TEXT NOT NULL,
		sender TEXT NOT NULL,
		box TEXT NOT NULL,
		box_size BIGINT NOT NULL,
		iv TEXT,
		message_type TEXT NOT NULL,
		meta JSONB,
		agreement_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		enqueued_at TIMESTAMPTZ NOT NULL,
		delivered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_mailbox_recipient_order ON mailbox(recipient, enqueued_at, receipt);
	CREATE INDEX IF NOT EXISTS idx_mailbox_agreement ON mailbox(recipient, agreement_id) WHERE agreement_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_mailbox_enqueued ON mailbox(enqueued_at);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participants JSONB NOT NULL,
		seq_max BIGINT NOT NULL DEFAULT 0,
		message_count BIGINT NOT NULL DEFAULT 0,
		last_message JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS conversation_members (
		conv_id TEXT NOT NULL REFERENCES conversations(id),
		wallet TEXT NOT NULL,
		last_read_seq BIGINT NOT NULL DEFAULT 0,
		last_read_at TIMESTAMPTZ,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		pinned BOOLEAN NOT NULL DEFAULT FALSE,
		muted_until TIMESTAMPTZ,
		PRIMARY KEY (conv_id, wallet)
	);

	CREATE INDEX IF NOT EXISTS idx_members_wallet ON conversation_members(wallet);

	CREATE TABLE IF NOT EXISTS history (
		conv_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		sender TEXT NOT NULL,
		source TEXT NOT NULL,
		message_id TEXT,
		client_msg_id TEXT,
		box TEXT NOT NULL,
		box_size BIGINT NOT NULL,
		iv TEXT,
		message_type TEXT NOT NULL,
		meta JSONB,
		delivered_at TIMESTAMPTZ,
		acknowledged_at TIMESTAMPTZ,
		attachments JSONB,
		deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (conv_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_message_id ON history(source, message_id) WHERE message_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_client_msg ON history(client_msg_id) WHERE client_msg_id IS NOT NULL;
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const mailboxColumns = `id, receipt, recipient, sender, box, box_size, iv, message_type, meta, status, enqueued_at, delivered_at, created_at`

// rowScanner is satisfied by pgx and database/sql rows alike.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelayMessage(row rowScanner) (*models.RelayMessage, error) {
	m := &models.RelayMessage{}
	var iv *string
	var metaRaw []byte
	err := row.Scan(
		&m.ID,
		&m.Receipt,
		&m.To,
		&m.From,
		&m.Box,
		&m.BoxSize,
		&iv,
		&m.Type,
		&metaRaw,
		&m.Status,
		&m.EnqueuedAt,
		&m.DeliveredAt,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if iv != nil {
		m.IV = *iv
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &m.Meta); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalMeta(meta map[string]string) *string {
	if len(meta) == 0 {
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	str := string(b)
	return &str
}

// FindMessage returns the mailbox message with the given id, or nil.
func (s *PostgresStore) FindMessage(ctx context.Context, id string) (*models.RelayMessage, error) {
	m, err := scanRelayMessage(s.pool.QueryRow(ctx, `
		SELECT `+mailboxColumns+` FROM mailbox WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// FindByAgreement returns the newest mailbox message for wallet carrying
// the given agreement id, or nil.
func (s *PostgresStore) FindByAgreement(ctx context.Context, wallet, agreementID string) (*models.RelayMessage, error) {
	m, err := scanRelayMessage(s.pool.QueryRow(ctx, `
		SELECT `+mailboxColumns+` FROM mailbox
		WHERE recipient = $1 AND agreement_id = $2
		ORDER BY enqueued_at DESC, receipt DESC
		LIMIT 1
	`, wallet, agreementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// ReserveAndUpsert inserts the message if unseen, or replaces the payload
// of an existing pending record with the same id. The row lock taken by
// the initial SELECT serializes concurrent calls for the same id once a
// row exists; two first-time enqueues can still race past the empty
// SELECT into the insert, in which case the loser retries and takes the
// replace path against the winner's committed row.
func (s *PostgresStore) ReserveAndUpsert(ctx context.Context, in UpsertInput) (*UpsertResult, error) {
	res, err := s.reserveAndUpsertTx(ctx, in)
	if err != nil && isPgUniqueViolation(err) {
		res, err = s.reserveAndUpsertTx(ctx, in)
	}
	return res, err
}

func (s *PostgresStore) reserveAndUpsertTx(ctx context.Context, in UpsertInput) (*UpsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	res := &UpsertResult{}

	var prevSize int64
	var status models.MessageStatus
	err = tx.QueryRow(ctx, `
		SELECT box_size, status FROM mailbox WHERE id = $1 FOR UPDATE
	`, in.MessageID).Scan(&prevSize, &status)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		receipt := ulid.Make().String()
		_, err = tx.Exec(ctx, `
			INSERT INTO mailbox (id, receipt, recipient, sender, box, box_size, iv, message_type, meta, agreement_id, status, enqueued_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $11)
		`, in.MessageID, receipt, in.To, in.From, in.Box, in.BoxSize,
			nullIfEmpty(in.IV), in.Type, marshalMeta(in.Meta),
			nullIfEmpty(in.Meta[models.MetaKeyAgreement]), now)
		if err != nil {
			return nil, err
		}
		res.Created = true

	case err != nil:
		return nil, err

	case status == models.StatusPending:
		// Edit before delivery: replace payload, keep enqueue position.
		_, err = tx.Exec(ctx, `
			UPDATE mailbox
			SET box = $2, box_size = $3, iv = $4, message_type = $5, meta = $6, agreement_id = $7
			WHERE id = $1
		`, in.MessageID, in.Box, in.BoxSize, nullIfEmpty(in.IV), in.Type,
			marshalMeta(in.Meta), nullIfEmpty(in.Meta[models.MetaKeyAgreement]))
		if err != nil {
			return nil, err
		}
		res.PreviousBoxSize = prevSize

	default:
		// Already delivered: a retry is a no-op, the record stands as-is.
		res.PreviousBoxSize = prevSize
	}

	msg, err := scanRelayMessage(tx.QueryRow(ctx, `
		SELECT `+mailboxColumns+` FROM mailbox WHERE id = $1
	`, in.MessageID))
	if err != nil {
		return nil, err
	}
	res.Message = msg

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// FetchMessages returns the wallet's mailbox in FIFO order.
func (s *PostgresStore) FetchMessages(ctx context.Context, wallet string) ([]models.RelayMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+mailboxColumns+` FROM mailbox
		WHERE recipient = $1
		ORDER BY enqueued_at ASC, receipt ASC
	`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.RelayMessage
	for rows.Next() {
		m, err := scanRelayMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// MarkDelivered transitions pending messages to delivered.
func (s *PostgresStore) MarkDelivered(ctx context.Context, wallet string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE mailbox
		SET status = 'delivered', delivered_at = $3
		WHERE recipient = $1 AND id = ANY($2) AND status = 'pending'
	`, wallet, ids, at.UTC())
	return err
}

// AckMessages deletes acknowledged messages and reports the freed bytes.
func (s *PostgresStore) AckMessages(ctx context.Context, wallet string, ids []string) (AckResult, error) {
	if len(ids) == 0 {
		return AckResult{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		DELETE FROM mailbox
		WHERE recipient = $1 AND id = ANY($2)
		RETURNING box_size
	`, wallet, ids)
	if err != nil {
		return AckResult{}, err
	}
	defer rows.Close()
	return sumDeleted(rows)
}

// PurgeMailbox deletes every message for wallet.
func (s *PostgresStore) PurgeMailbox(ctx context.Context, wallet string) (AckResult, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM mailbox WHERE recipient = $1 RETURNING box_size
	`, wallet)
	if err != nil {
		return AckResult{}, err
	}
	defer rows.Close()
	return sumDeleted(rows)
}

// PurgeMailboxFraction deletes the oldest fraction of the wallet's mailbox.
func (s *PostgresStore) PurgeMailboxFraction(ctx context.Context, wallet string, fraction float64) (AckResult, error) {
	if fraction <= 0 {
		return AckResult{}, nil
	}
	if fraction >= 1 {
		return s.PurgeMailbox(ctx, wallet)
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM mailbox WHERE recipient = $1
	`, wallet).Scan(&total); err != nil {
		return AckResult{}, err
	}
	n := int64(math.Ceil(float64(total) * fraction))
	if n == 0 {
		return AckResult{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		DELETE FROM mailbox
		WHERE id IN (
			SELECT id FROM mailbox WHERE recipient = $1
			ORDER BY enqueued_at ASC, receipt ASC
			LIMIT $2
		)
		RETURNING box_size
	`, wallet, n)
	if err != nil {
		return AckResult{}, err
	}
	defer rows.Close()
	return sumDeleted(rows)
}

func sumDeleted(rows pgx.Rows) (AckResult, error) {
	var res AckResult
	for rows.Next() {
		var size int64
		if err := rows.Scan(&size); err != nil {
			return res, err
		}
		res.Deleted++
		res.FreedBytes += size
	}
	return res, rows.Err()
}

// RecalcUsage recomputes the wallet's mailbox byte total from source of truth.
func (s *PostgresStore) RecalcUsage(ctx context.Context, wallet string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(box_size), 0) FROM mailbox WHERE recipient = $1
	`, wallet).Scan(&total)
	return total, err
}

// CountExpired counts messages enqueued before threshold.
func (s *PostgresStore) CountExpired(ctx context.Context, threshold time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM mailbox WHERE enqueued_at < $1
	`, threshold.UTC()).Scan(&count)
	return count, err
}

// DeleteExpired removes messages enqueued before threshold and returns
// freed bytes per affected wallet.
func (s *PostgresStore) DeleteExpired(ctx context.Context, threshold time.Time) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM mailbox WHERE enqueued_at < $1 RETURNING recipient, box_size
	`, threshold.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	freed := make(map[string]int64)
	for rows.Next() {
		var wallet string
		var size int64
		if err := rows.Scan(&wallet, &size); err != nil {
			return nil, err
		}
		freed[wallet] += size
	}
	return freed, rows.Err()
}

// RegisterWallet creates the relay profile if absent and returns it.
func (s *PostgresStore) RegisterWallet(ctx context.Context, wallet string) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO wallets (address)
		VALUES ($1)
		ON CONFLICT (address) DO UPDATE SET updated_at = NOW()
		RETURNING address, quota_bytes, used_bytes, created_at, updated_at
	`, wallet).Scan(&w.Address, &w.QuotaBytes, &w.UsedBytes, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetWallet returns the relay profile, or nil if the wallet is unknown.
func (s *PostgresStore) GetWallet(ctx context.Context, wallet string) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := s.pool.QueryRow(ctx, `
		SELECT address, quota_bytes, used_bytes, created_at, updated_at
		FROM wallets WHERE address = $1
	`, wallet).Scan(&w.Address, &w.QuotaBytes, &w.UsedBytes, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

// SetUsedBytes persists the reconciled usage counter.
func (s *PostgresStore) SetUsedBytes(ctx context.Context, wallet string, usedBytes int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE wallets SET used_bytes = $2, updated_at = NOW() WHERE address = $1
	`, wallet, usedBytes)
	return err
}
