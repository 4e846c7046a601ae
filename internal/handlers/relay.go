package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/api/middleware"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relay"
)

// SendRequest represents the enqueue request body. Box carries opaque
// ciphertext; this service never inspects it.
type SendRequest struct {
	To    string             `json:"to"`
	Box   string             `json:"box"`
	IV    string             `json:"iv,omitempty"`
	MsgID string             `json:"msgId"`
	Type  models.MessageType `json:"type,omitempty"`
	Meta  map[string]string  `json:"meta,omitempty"`
	Force bool               `json:"force,omitempty"`
}

// SendResponse represents the enqueue response.
type SendResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
	Forced    bool   `json:"forced,omitempty"`
	Warning   string `json:"warning,omitempty"`
	UsedBytes int64  `json:"usedBytes"`
}

// Send handles queuing one encrypted message for a recipient.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	sender := middleware.GetWalletFromContext(r.Context())
	if sender == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := h.relay.Enqueue(r.Context(), relay.EnqueueParams{
		Sender:    sender,
		To:        req.To,
		Box:       req.Box,
		IV:        req.IV,
		MessageID: req.MsgID,
		Type:      req.Type,
		Meta:      req.Meta,
		Force:     req.Force,
	})
	if err != nil {
		h.RelayError(w, err)
		return
	}

	h.JSON(w, http.StatusAccepted, SendResponse{
		Status:    "queued",
		MessageID: res.MessageID,
		Forced:    res.Forced,
		Warning:   res.Warning,
		UsedBytes: res.UsedBytes,
	})
}

// FetchResponse represents the mailbox fetch response.
type FetchResponse struct {
	Messages []models.RelayMessage `json:"messages"`
}

// Fetch handles draining the caller's mailbox in FIFO order. Messages
// stay queued until acknowledged.
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWalletFromContext(r.Context())
	if wallet == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	messages, err := h.relay.Fetch(r.Context(), wallet)
	if err != nil {
		h.RelayError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, FetchResponse{Messages: messages})
}

// AckRequest represents the acknowledgment request body.
type AckRequest struct {
	IDs []string `json:"ids"`
}

// AckResponse reports what an ack or purge freed.
type AckResponse struct {
	Deleted      int64 `json:"deleted"`
	FreedBytes   int64 `json:"freedBytes"`
	UsedBytesNow int64 `json:"usedBytesNow"`
}

// Ack handles deletion of processed messages from the caller's mailbox.
func (h *Handler) Ack(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWalletFromContext(r.Context())
	if wallet == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, used, err := h.relay.Ack(r.Context(), wallet, req.IDs)
	if err != nil {
		h.RelayError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, AckResponse{
		Deleted:      res.Deleted,
		FreedBytes:   res.FreedBytes,
		UsedBytesNow: used,
	})
}

// Purge handles wiping the caller's whole mailbox.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWalletFromContext(r.Context())
	if wallet == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	res, used, err := h.relay.Purge(r.Context(), wallet)
	if err != nil {
		h.RelayError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, AckResponse{
		Deleted:      res.Deleted,
		FreedBytes:   res.FreedBytes,
		UsedBytesNow: used,
	})
}
