package store

import (
	"context"
	"time"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
)

// UpsertInput is the payload for an idempotent mailbox write. BoxSize is
// always derived server-side from the encoded payload, never trusted from
// the caller.
type UpsertInput struct {
	MessageID string // client-supplied idempotency key
	To        string
	From      string
	Box       string
	BoxSize   int64
	IV        string
	Type      models.MessageType
	Meta      map[string]string
}

// UpsertResult reports what ReserveAndUpsert did. Created is true exactly
// once per message id; PreviousBoxSize is 0 on first insert.
type UpsertResult struct {
	Created         bool
	PreviousBoxSize int64
	Message         *models.RelayMessage
}

// AckResult reports how many messages were deleted and how many bytes
// they freed.
type AckResult struct {
	Deleted    int64 `json:"deleted"`
	FreedBytes int64 `json:"freedBytes"`
}

// MailboxStore is the durable per-recipient FIFO queue of pending
// encrypted messages. All cross-record invariants (idempotent upsert,
// byte accounting) are enforced by the store's own atomic primitives so
// that multiple coordinator instances can run concurrently.
type MailboxStore interface {
	// FindMessage returns the message with the given id, or nil.
	FindMessage(ctx context.Context, id string) (*models.RelayMessage, error)

	// FindByAgreement returns the newest mailbox message for wallet whose
	// meta carries the given agreement id, or nil.
	FindByAgreement(ctx context.Context, wallet, agreementID string) (*models.RelayMessage, error)

	// ReserveAndUpsert inserts the message if its id is unseen, otherwise
	// replaces the existing pending record's payload (edit-before-delivery).
	// Atomic with respect to concurrent calls bearing the same id.
	ReserveAndUpsert(ctx context.Context, in UpsertInput) (*UpsertResult, error)

	// FetchMessages returns the wallet's mailbox in FIFO order (ascending
	// enqueue time, receipt as tiebreak). Does not mutate state.
	FetchMessages(ctx context.Context, wallet string) ([]models.RelayMessage, error)

	// MarkDelivered transitions pending messages to delivered. Messages
	// already delivered keep their original delivery timestamp.
	MarkDelivered(ctx context.Context, wallet string, ids []string, at time.Time) error

	// AckMessages deletes the given messages belonging to wallet and
	// reports the freed bytes. This is the only pre-TTL removal path.
	AckMessages(ctx context.Context, wallet string, ids []string) (AckResult, error)

	// PurgeMailbox deletes every message for wallet.
	PurgeMailbox(ctx context.Context, wallet string) (AckResult, error)

	// PurgeMailboxFraction deletes the oldest fraction (0..1] of the
	// wallet's mailbox, used for quota-pressure relief.
	PurgeMailboxFraction(ctx context.Context, wallet string, fraction float64) (AckResult, error)

	// RecalcUsage recomputes the wallet's pending byte total from the
	// authoritative message set.
	RecalcUsage(ctx context.Context, wallet string) (int64, error)

	// CountExpired counts messages enqueued before threshold.
	CountExpired(ctx context.Context, threshold time.Time) (int64, error)

	// DeleteExpired removes messages enqueued before threshold and returns
	// freed bytes per affected wallet so usage can be reconciled.
	DeleteExpired(ctx context.Context, threshold time.Time) (map[string]int64, error)
}

// AppendInput describes one message to append to the conversation ledger.
type AppendInput struct {
	ConvID       string // already canonical; derived by the ledger service
	Participants []string
	Sender       string
	Source       models.MessageSource
	MessageID    string // originating relay message id (unique when present)
	ClientMsgID  string // client-local dedupe key (unique when present)
	Box          string
	BoxSize      int64
	IV           string
	Type         models.MessageType
	Meta         map[string]string
	CreatedAt    time.Time
}

// AppendResult is the outcome of a ledger append. Existing is true when a
// prior row with the same idempotency key was returned instead of a new
// insert.
type AppendResult struct {
	ConvID   string `json:"convId"`
	Seq      int64  `json:"seq"`
	Existing bool   `json:"existing"`
}

// LedgerStore is the append-only, sequenced conversation history. Sequence
// allocation is strictly serialized per conversation by the backing store.
type LedgerStore interface {
	// AppendHistory allocates the next seq for the conversation (creating
	// it on first use), inserts the history row, heals membership, updates
	// the preview, and bumps the sender's read cursor. A duplicate
	// MessageID or ClientMsgID yields the pre-existing row with no counter
	// movement.
	AppendHistory(ctx context.Context, in AppendInput) (AppendResult, error)

	// GetConversation returns the conversation with members, or nil.
	GetConversation(ctx context.Context, convID string) (*models.Conversation, error)

	// IsMember reports whether wallet belongs to the conversation.
	IsMember(ctx context.Context, convID, wallet string) (bool, error)

	// ListConversations returns wallet's conversations most recently
	// updated first, using keyset pagination on (updatedAt, id). A zero
	// beforeUpdated means "from the top".
	ListConversations(ctx context.Context, wallet string, limit int, beforeUpdated time.Time, beforeID string) ([]models.ConversationSummary, error)

	// ListHistory returns non-deleted messages in descending seq order,
	// strictly below beforeSeq when beforeSeq > 0.
	ListHistory(ctx context.Context, convID string, limit int, beforeSeq int64) ([]models.HistoryMessage, error)

	// MarkRead raises the member's read cursor, never lowers it. Returns
	// false when the wallet is not a member.
	MarkRead(ctx context.Context, convID, wallet string, seq int64, at time.Time) (bool, error)

	// TouchTimestamps sets delivery/acknowledgment timestamps on the
	// history rows referencing the given relay message ids. Existing
	// timestamps are kept.
	TouchTimestamps(ctx context.Context, messageIDs []string, deliveredAt, acknowledgedAt *time.Time) error
}

// WalletStore manages relay profiles and the cached usage counter.
type WalletStore interface {
	// RegisterWallet creates the profile if absent and returns it.
	RegisterWallet(ctx context.Context, wallet string) (*models.Wallet, error)

	// GetWallet returns the profile, or nil if the wallet is unknown.
	GetWallet(ctx context.Context, wallet string) (*models.Wallet, error)

	// SetUsedBytes persists the reconciled usage counter.
	SetUsedBytes(ctx context.Context, wallet string, usedBytes int64) error
}

// DataStore is the full persistence surface of the relay.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	MailboxStore
	LedgerStore
	WalletStore

	// Connection management
	Close()
	Ping(ctx context.Context) error
}
