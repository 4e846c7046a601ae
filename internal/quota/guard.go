// Package quota implements admission control for mailbox writes.
package quota

import (
	"context"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

// Limits are the server-wide quota defaults.
type Limits struct {
	PerMessageMaxBytes int64
	QuotaBytes         int64 // default ceiling, overridable per wallet
	GracePct           float64
}

// Context is the ephemeral quota state computed for one enqueue call.
// It is never persisted.
type Context struct {
	Wallet        string
	QuotaBytes    int64
	UsedBytes     int64
	GracePct      float64
	IncomingBytes int64
	DeltaBytes    int64 // net change; negative when shrinking an undelivered message
}

// Guard decides whether a mailbox write is admitted and performs the
// admitted write, so that the decision and the mutation happen as one
// logical step.
type Guard struct {
	limits  Limits
	mailbox store.MailboxStore
	wallets store.WalletStore
}

// NewGuard creates a quota guard over the given stores.
func NewGuard(limits Limits, mailbox store.MailboxStore, wallets store.WalletStore) *Guard {
	return &Guard{limits: limits, mailbox: mailbox, wallets: wallets}
}

// Resolve loads the wallet's ceiling and current usage into a Context.
// Usage comes from the authoritative mailbox sum, not the cached counter.
func (g *Guard) Resolve(ctx context.Context, wallet string, incomingBytes, deltaBytes int64) (Context, error) {
	quotaBytes := g.limits.QuotaBytes
	w, err := g.wallets.GetWallet(ctx, wallet)
	if err != nil {
		return Context{}, err
	}
	if w != nil && w.QuotaBytes != nil && *w.QuotaBytes > 0 {
		quotaBytes = *w.QuotaBytes
	}

	used, err := g.mailbox.RecalcUsage(ctx, wallet)
	if err != nil {
		return Context{}, err
	}

	return Context{
		Wallet:        wallet,
		QuotaBytes:    quotaBytes,
		UsedBytes:     used,
		GracePct:      g.limits.GracePct,
		IncomingBytes: incomingBytes,
		DeltaBytes:    deltaBytes,
	}, nil
}

// Check is the pure admission decision. It returns a warning string when
// the write lands in the grace band above the ceiling, or a typed error
// when the write must be rejected.
func (g *Guard) Check(qc Context) (warning string, err error) {
	if qc.IncomingBytes > g.limits.PerMessageMaxBytes {
		return "", relayerr.New(relayerr.CodePayloadTooLarge,
			"message of %d bytes exceeds the per-message cap", qc.IncomingBytes).
			WithDetails(map[string]any{
				"incomingBytes": qc.IncomingBytes,
				"maxBytes":      g.limits.PerMessageMaxBytes,
			})
	}

	projected := qc.UsedBytes + qc.DeltaBytes
	graceLimit := qc.QuotaBytes + int64(float64(qc.QuotaBytes)*qc.GracePct)

	if projected > graceLimit {
		return "", relayerr.New(relayerr.CodeQuotaExceeded,
			"mailbox for %s is full", qc.Wallet).
			WithDetails(map[string]any{
				"usedBytes":  qc.UsedBytes,
				"quotaBytes": qc.QuotaBytes,
				"gracePct":   qc.GracePct,
				"deltaBytes": qc.DeltaBytes,
			})
	}
	if projected > qc.QuotaBytes {
		// Soft overflow: admitted, but the caller must surface the warning.
		return relayerr.WarnOverflowGrace, nil
	}
	return "", nil
}

// Apply performs the admitted mailbox write and returns the upsert result
// together with the updated byte total.
func (g *Guard) Apply(ctx context.Context, qc Context, in store.UpsertInput) (*store.UpsertResult, int64, error) {
	res, err := g.mailbox.ReserveAndUpsert(ctx, in)
	if err != nil {
		return nil, 0, err
	}
	// Actual delta can differ from the projected one when a replaced
	// payload had a different size than the caller assumed. A no-op
	// retry keeps BoxSize == PreviousBoxSize and changes nothing.
	used := qc.UsedBytes + res.Message.BoxSize - res.PreviousBoxSize
	return res, used, nil
}
