package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const WalletContextKey contextKey = "wallet"

// WalletHeader carries the caller's wallet address, set by the gateway
// after signature verification. This service trusts it; it never sees
// keys or signatures itself.
const WalletHeader = "X-Relay-Wallet"

// RequireWallet extracts the caller identity from the gateway header and
// rejects requests that arrive without one.
func RequireWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := strings.TrimSpace(r.Header.Get(WalletHeader))
		if wallet == "" {
			jsonError(w, http.StatusUnauthorized, "missing wallet identity")
			return
		}
		if len(wallet) < 3 || len(wallet) > 64 || strings.ContainsAny(wallet, " \t\r\n") {
			jsonError(w, http.StatusUnauthorized, "malformed wallet identity")
			return
		}

		ctx := context.WithValue(r.Context(), WalletContextKey, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetWalletFromContext retrieves the authenticated wallet from the
// request context. Empty when the request skipped RequireWallet.
func GetWalletFromContext(ctx context.Context) string {
	wallet, _ := ctx.Value(WalletContextKey).(string)
	return wallet
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
