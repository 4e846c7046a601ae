package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/api/middleware"
)

// ListConversations handles the caller's conversation list, most recently
// updated first, with an opaque continuation cursor.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWalletFromContext(r.Context())
	if wallet == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := intQuery(r, "limit")
	cursor := r.URL.Query().Get("cursor")

	page, err := h.convs.ListConversations(r.Context(), wallet, limit, cursor)
	if err != nil {
		h.RelayError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, page)
}

// GetMessages handles one page of a conversation's history, newest first.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWalletFromContext(r.Context())
	if wallet == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convID := chi.URLParam(r, "id")
	limit := intQuery(r, "limit")

	var beforeSeq int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "before must be a non-negative integer")
			return
		}
		beforeSeq = n
	}

	page, err := h.convs.ListMessages(r.Context(), wallet, convID, limit, beforeSeq)
	if err != nil {
		h.RelayError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, page)
}

// MarkReadRequest represents the read receipt request body.
type MarkReadRequest struct {
	LastReadSeq int64      `json:"lastReadSeq"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

// MarkRead handles raising the caller's read cursor in a conversation.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWalletFromContext(r.Context())
	if wallet == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convID := chi.URLParam(r, "id")

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	readAt := time.Now().UTC()
	if req.ReadAt != nil {
		readAt = *req.ReadAt
	}

	if err := h.convs.MarkRead(r.Context(), wallet, convID, req.LastReadSeq, readAt); err != nil {
		h.RelayError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func intQuery(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
