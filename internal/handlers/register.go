package handlers

import (
	"net/http"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/api/middleware"
)

// RegisterResponse represents the wallet registration response.
type RegisterResponse struct {
	Wallet     string `json:"wallet"`
	QuotaBytes *int64 `json:"quotaBytes,omitempty"`
	UsedBytes  int64  `json:"usedBytes"`
}

// Register creates the caller's relay profile. Registering an existing
// wallet returns the current profile unchanged.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWalletFromContext(r.Context())
	if wallet == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	profile, err := h.wallets.RegisterWallet(r.Context(), wallet)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to register wallet")
		return
	}

	h.JSON(w, http.StatusOK, RegisterResponse{
		Wallet:     profile.Address,
		QuotaBytes: profile.QuotaBytes,
		UsedBytes:  profile.UsedBytes,
	})
}

// Heartbeat records that the caller currently holds a live channel, which
// feeds the offline-only delivery policy. With no Redis wired it is a
// harmless no-op.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	wallet := middleware.GetWalletFromContext(r.Context())
	if wallet == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if h.redis != nil {
		if err := h.redis.Heartbeat(r.Context(), wallet); err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to record heartbeat")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
