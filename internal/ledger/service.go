// Package ledger maintains the durable, sequenced conversation history.
// The ledger is independent of the mailbox TTL: messages stay queryable
// here long after they have been delivered, acknowledged, and purged from
// the relay.
package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service exposes the conversation ledger operations on top of a
// LedgerStore.
type Service struct {
	store  store.LedgerStore
	logger zerolog.Logger
}

// NewService creates a ledger service.
func NewService(st store.LedgerStore, logger zerolog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// AppendParams describe one message to record in history.
type AppendParams struct {
	ConvID       string // optional; derived from participants when empty
	Participants []string
	Sender       string
	Source       models.MessageSource
	MessageID    string
	ClientMsgID  string
	Box          string
	BoxSize      int64
	IV           string
	Type         models.MessageType
	Meta         map[string]string
	CreatedAt    time.Time
}

// Append records one message, allocating the conversation's next seq.
// Retries with the same MessageID or ClientMsgID return the original
// (convId, seq) without inserting a second row.
func (s *Service) Append(ctx context.Context, p AppendParams) (store.AppendResult, error) {
	convID := p.ConvID
	if convID == "" {
		id, err := ComputeConversationID(p.Participants)
		if err != nil {
			return store.AppendResult{}, err
		}
		convID = id
	}
	if p.Source == "" {
		p.Source = models.SourceOther
	}

	return s.store.AppendHistory(ctx, store.AppendInput{
		ConvID:       convID,
		Participants: CanonicalParticipants(p.Participants),
		Sender:       p.Sender,
		Source:       p.Source,
		MessageID:    p.MessageID,
		ClientMsgID:  p.ClientMsgID,
		Box:          p.Box,
		BoxSize:      p.BoxSize,
		IV:           p.IV,
		Type:         p.Type,
		Meta:         p.Meta,
		CreatedAt:    p.CreatedAt,
	})
}

// ConversationPage is one page of a member's conversation list.
type ConversationPage struct {
	Items      []models.ConversationSummary `json:"items"`
	NextCursor string                       `json:"nextCursor,omitempty"`
	HasMore    bool                         `json:"hasMore"`
}

// ListConversations returns the wallet's conversations, most recently
// updated first, with unread counts and an opaque continuation cursor.
func (s *Service) ListConversations(ctx context.Context, wallet string, limit int, rawCursor string) (*ConversationPage, error) {
	limit = clampLimit(limit)
	beforeUpdated, beforeID, err := decodeCursor(rawCursor)
	if err != nil {
		return nil, err
	}

	// Fetch one extra row to learn whether another page exists.
	items, err := s.store.ListConversations(ctx, wallet, limit+1, beforeUpdated, beforeID)
	if err != nil {
		return nil, err
	}

	page := &ConversationPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(last.UpdatedAt, last.ID)
	}
	if page.Items == nil {
		page.Items = []models.ConversationSummary{}
	}
	return page, nil
}

// MessagePage is one page of a conversation's history.
type MessagePage struct {
	Items      []models.HistoryMessage `json:"items"`
	NextBefore int64                   `json:"nextBefore,omitempty"`
	HasMore    bool                    `json:"hasMore"`
}

// ListMessages returns history for a conversation the wallet belongs to,
// newest first, paged by seq.
func (s *Service) ListMessages(ctx context.Context, wallet, convID string, limit int, beforeSeq int64) (*MessagePage, error) {
	limit = clampLimit(limit)

	member, err := s.store.IsMember(ctx, convID, wallet)
	if err != nil {
		return nil, err
	}
	if !member {
		// Non-members learn nothing, not even that the conversation exists.
		return nil, relayerr.New(relayerr.CodeNotFound, "conversation not found")
	}

	items, err := s.store.ListHistory(ctx, convID, limit+1, beforeSeq)
	if err != nil {
		return nil, err
	}

	page := &MessagePage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		page.NextBefore = page.Items[limit-1].Seq
	}
	if page.Items == nil {
		page.Items = []models.HistoryMessage{}
	}
	return page, nil
}

// MarkRead raises the wallet's read cursor in the conversation. Passing a
// seq lower than the current cursor is a no-op, which tolerates
// out-of-order read receipts.
func (s *Service) MarkRead(ctx context.Context, wallet, convID string, seq int64, readAt time.Time) error {
	if seq < 0 {
		return relayerr.New(relayerr.CodeInvalidRequest, "lastReadSeq must not be negative")
	}
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}
	ok, err := s.store.MarkRead(ctx, convID, wallet, seq, readAt)
	if err != nil {
		return err
	}
	if !ok {
		return relayerr.New(relayerr.CodeNotFound, "conversation not found")
	}
	return nil
}

// TouchDelivered stamps delivery times on the history rows for the given
// relay message ids. Best effort: failures are logged, not returned.
func (s *Service) TouchDelivered(ctx context.Context, messageIDs []string, at time.Time) {
	if err := s.store.TouchTimestamps(ctx, messageIDs, &at, nil); err != nil {
		s.logger.Warn().Err(err).Int("count", len(messageIDs)).Msg("failed to stamp delivery times in history")
	}
}

// TouchAcknowledged stamps acknowledgment times on the history rows for
// the given relay message ids. Best effort.
func (s *Service) TouchAcknowledged(ctx context.Context, messageIDs []string, at time.Time) {
	if err := s.store.TouchTimestamps(ctx, messageIDs, nil, &at); err != nil {
		s.logger.Warn().Err(err).Int("count", len(messageIDs)).Msg("failed to stamp ack times in history")
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
