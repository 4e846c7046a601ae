package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
)

// SQLiteStore handles SQLite database operations. It implements the same
// DataStore interface as PostgresStore and is used for development and
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/relay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/relay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// _txlock=immediate serializes write transactions, which is what keeps
	// seq allocation and idempotent upserts atomic on this backend.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		address TEXT PRIMARY KEY,
		quota_bytes INTEGER,
		used_bytes INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS mailbox (
		id TEXT PRIMARY KEY,
		receipt TEXT NOT NULL,
		recipient TEXT NOT NULL,
		sender TEXT NOT NULL,
		box TEXT NOT NULL,
		box_size INTEGER NOT NULL,
		iv TEXT,
		message_type TEXT NOT NULL,
		meta TEXT,
		agreement_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		enqueued_at DATETIME NOT NULL,
		delivered_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mailbox_recipient_order ON mailbox(recipient, enqueued_at, receipt);
	CREATE INDEX IF NOT EXISTS idx_mailbox_agreement ON mailbox(recipient, agreement_id) WHERE agreement_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_mailbox_enqueued ON mailbox(enqueued_at);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participants TEXT NOT NULL,
		seq_max INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		last_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC, id DESC);

	CREATE TABLE IF NOT EXISTS conversation_members (
		conv_id TEXT NOT NULL REFERENCES conversations(id),
		wallet TEXT NOT NULL,
		last_read_seq INTEGER NOT NULL DEFAULT 0,
		last_read_at DATETIME,
		joined_at DATETIME NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		muted_until DATETIME,
		PRIMARY KEY (conv_id, wallet)
	);

	CREATE INDEX IF NOT EXISTS idx_members_wallet ON conversation_members(wallet);

	CREATE TABLE IF NOT EXISTS history (
		conv_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		sender TEXT NOT NULL,
		source TEXT NOT NULL,
		message_id TEXT,
		client_msg_id TEXT,
		box TEXT NOT NULL,
		box_size INTEGER NOT NULL,
		iv TEXT,
		message_type TEXT NOT NULL,
		meta TEXT,
		delivered_at DATETIME,
		acknowledged_at DATETIME,
		attachments TEXT,
		deleted_at DATETIME,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (conv_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_message_id ON history(source, message_id) WHERE message_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_client_msg ON history(client_msg_id) WHERE client_msg_id IS NOT NULL;
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inArgs expands ids for an IN (...) clause.
func inArgs(ids []string) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return placeholders, args
}

// FindMessage returns the mailbox message with the given id, or nil.
func (s *SQLiteStore) FindMessage(ctx context.Context, id string) (*models.RelayMessage, error) {
	m, err := scanRelayMessage(s.db.QueryRowContext(ctx, `
		SELECT `+mailboxColumns+` FROM mailbox WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// FindByAgreement returns the newest mailbox message for wallet carrying
// the given agreement id, or nil.
func (s *SQLiteStore) FindByAgreement(ctx context.Context, wallet, agreementID string) (*models.RelayMessage, error) {
	m, err := scanRelayMessage(s.db.QueryRowContext(ctx, `
		SELECT `+mailboxColumns+` FROM mailbox
		WHERE recipient = ? AND agreement_id = ?
		ORDER BY enqueued_at DESC, receipt DESC
		LIMIT 1
	`, wallet, agreementID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// ReserveAndUpsert inserts the message if unseen, or replaces the payload
// of an existing pending record with the same id.
func (s *SQLiteStore) ReserveAndUpsert(ctx context.Context, in UpsertInput) (*UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res := &UpsertResult{}

	var prevSize int64
	var status models.MessageStatus
	err = tx.QueryRowContext(ctx, `
		SELECT box_size, status FROM mailbox WHERE id = ?
	`, in.MessageID).Scan(&prevSize, &status)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		receipt := ulid.Make().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO mailbox (id, receipt, recipient, sender, box, box_size, iv, message_type, meta, agreement_id, status, enqueued_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		`, in.MessageID, receipt, in.To, in.From, in.Box, in.BoxSize,
			nullIfEmpty(in.IV), in.Type, marshalMeta(in.Meta),
			nullIfEmpty(in.Meta[models.MetaKeyAgreement]), now, now)
		if err != nil {
			return nil, err
		}
		res.Created = true

	case err != nil:
		return nil, err

	case status == models.StatusPending:
		// Edit before delivery: replace payload, keep enqueue position.
		_, err = tx.ExecContext(ctx, `
			UPDATE mailbox
			SET box = ?, box_size = ?, iv = ?, message_type = ?, meta = ?, agreement_id = ?
			WHERE id = ?
		`, in.Box, in.BoxSize, nullIfEmpty(in.IV), in.Type,
			marshalMeta(in.Meta), nullIfEmpty(in.Meta[models.MetaKeyAgreement]), in.MessageID)
		if err != nil {
			return nil, err
		}
		res.PreviousBoxSize = prevSize

	default:
		// Already delivered: a retry is a no-op, the record stands as-is.
		res.PreviousBoxSize = prevSize
	}

	msg, err := scanRelayMessage(tx.QueryRowContext(ctx, `
		SELECT `+mailboxColumns+` FROM mailbox WHERE id = ?
	`, in.MessageID))
	if err != nil {
		return nil, err
	}
	res.Message = msg

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// FetchMessages returns the wallet's mailbox in FIFO order.
func (s *SQLiteStore) FetchMessages(ctx context.Context, wallet string) ([]models.RelayMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mailboxColumns+` FROM mailbox
		WHERE recipient = ?
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
func (s *SQLiteStore) MarkDelivered(ctx context.Context, wallet string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inArgs(ids)
	args = append([]any{at.UTC(), wallet}, args...)
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailbox
		SET status = 'delivered', delivered_at = ?
		WHERE recipient = ? AND id IN (`+placeholders+`) AND status = 'pending'
	`, args...)
	return err
}

// deleteReturning deletes mailbox rows matched by condition and reports
// how many rows went away and how many bytes they freed.
func (s *SQLiteStore) deleteReturning(ctx context.Context, where string, args ...any) (AckResult, error) {
	var res AckResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(box_size), 0) FROM mailbox WHERE `+where, args...,
	).Scan(&res.Deleted, &res.FreedBytes)
	if err != nil {
		return AckResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mailbox WHERE `+where, args...); err != nil {
		return AckResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AckResult{}, err
	}
	return res, nil
}

// AckMessages deletes acknowledged messages and reports the freed bytes.
func (s *SQLiteStore) AckMessages(ctx context.Context, wallet string, ids []string) (AckResult, error) {
	if len(ids) == 0 {
		return AckResult{}, nil
	}
	placeholders, args := inArgs(ids)
	args = append([]any{wallet}, args...)
	return s.deleteReturning(ctx, `recipient = ? AND id IN (`+placeholders+`)`, args...)
}

// PurgeMailbox deletes every message for wallet.
func (s *SQLiteStore) PurgeMailbox(ctx context.Context, wallet string) (AckResult, error) {
	return s.deleteReturning(ctx, `recipient = ?`, wallet)
}

// PurgeMailboxFraction deletes the oldest fraction of the wallet's mailbox.
func (s *SQLiteStore) PurgeMailboxFraction(ctx context.Context, wallet string, fraction float64) (AckResult, error) {
	if fraction <= 0 {
		return AckResult{}, nil
	}
	if fraction >= 1 {
		return s.PurgeMailbox(ctx, wallet)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mailbox WHERE recipient = ?
	`, wallet).Scan(&total); err != nil {
		return AckResult{}, err
	}
	n := int64(math.Ceil(float64(total) * fraction))
	if n == 0 {
		return AckResult{}, nil
	}

	return s.deleteReturning(ctx, `id IN (
		SELECT id FROM mailbox WHERE recipient = ?
		ORDER BY enqueued_at ASC, receipt ASC
		LIMIT ?
	)`, wallet, n)
}

// RecalcUsage recomputes the wallet's mailbox byte total from source of truth.
func (s *SQLiteStore) RecalcUsage(ctx context.Context, wallet string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(box_size), 0) FROM mailbox WHERE recipient = ?
	`, wallet).Scan(&total)
	return total, err
}

// CountExpired counts messages enqueued before threshold.
func (s *SQLiteStore) CountExpired(ctx context.Context, threshold time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mailbox WHERE enqueued_at < ?
	`, threshold.UTC()).Scan(&count)
	return count, err
}

// DeleteExpired removes messages enqueued before threshold and returns
// freed bytes per affected wallet.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, threshold time.Time) (map[string]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT recipient, COALESCE(SUM(box_size), 0)
		FROM mailbox WHERE enqueued_at < ?
		GROUP BY recipient
	`, threshold.UTC())
	if err != nil {
		return nil, err
	}

	freed := make(map[string]int64)
	for rows.Next() {
		var wallet string
		var size int64
		if err := rows.Scan(&wallet, &size); err != nil {
			rows.Close()
			return nil, err
		}
		freed[wallet] = size
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mailbox WHERE enqueued_at < ?`, threshold.UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return freed, nil
}

// RegisterWallet creates the relay profile if absent and returns it.
func (s *SQLiteStore) RegisterWallet(ctx context.Context, wallet string) (*models.Wallet, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (address, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET updated_at = excluded.updated_at
	`, wallet, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetWallet(ctx, wallet)
}

// GetWallet returns the relay profile, or nil if the wallet is unknown.
func (s *SQLiteStore) GetWallet(ctx context.Context, wallet string) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := s.db.QueryRowContext(ctx, `
		SELECT address, quota_bytes, used_bytes, created_at, updated_at
		FROM wallets WHERE address = ?
	`, wallet).Scan(&w.Address, &w.QuotaBytes, &w.UsedBytes, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

// SetUsedBytes persists the reconciled usage counter.
func (s *SQLiteStore) SetUsedBytes(ctx context.Context, wallet string, usedBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wallets SET used_bytes = ?, updated_at = ? WHERE address = ?
	`, usedBytes, time.Now().UTC(), wallet)
	return err
}
