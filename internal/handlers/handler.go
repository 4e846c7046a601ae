package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/ledger"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relay"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

// RelayService is the mailbox surface the handlers call.
type RelayService interface {
	Enqueue(ctx context.Context, p relay.EnqueueParams) (*relay.EnqueueResult, error)
	Fetch(ctx context.Context, wallet string) ([]models.RelayMessage, error)
	Ack(ctx context.Context, wallet string, ids []string) (store.AckResult, int64, error)
	Purge(ctx context.Context, wallet string) (store.AckResult, int64, error)
}

// ConversationService is the ledger surface the handlers call.
type ConversationService interface {
	ListConversations(ctx context.Context, wallet string, limit int, cursor string) (*ledger.ConversationPage, error)
	ListMessages(ctx context.Context, wallet, convID string, limit int, beforeSeq int64) (*ledger.MessagePage, error)
	MarkRead(ctx context.Context, wallet, convID string, seq int64, readAt time.Time) error
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	relay   RelayService
	convs   ConversationService
	wallets store.WalletStore
	db      store.DataStore
	redis   *store.RedisStore
}

// NewHandler creates a new Handler with the given services and stores.
func NewHandler(rs RelayService, cs ConversationService, db store.DataStore, redis *store.RedisStore) *Handler {
	return &Handler{relay: rs, convs: cs, wallets: db, db: db, redis: redis}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// RelayError maps a typed relay error onto its HTTP status and writes the
// structured error body.
func (h *Handler) RelayError(w http.ResponseWriter, err error) {
	var re *relayerr.Error
	if !errors.As(err, &re) {
		h.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.JSON(w, statusForCode(re.Code), re)
}

func statusForCode(code relayerr.Code) int {
	switch code {
	case relayerr.CodeInvalidRequest:
		return http.StatusBadRequest
	case relayerr.CodeNotMutualContact:
		return http.StatusForbidden
	case relayerr.CodeRecipientNotFound, relayerr.CodeNotFound:
		return http.StatusNotFound
	case relayerr.CodeRecipientOnline, relayerr.CodeQuotaExceeded:
		return http.StatusConflict
	case relayerr.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case relayerr.CodeRelayDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
