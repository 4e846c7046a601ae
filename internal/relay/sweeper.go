package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/metrics"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

// Sweeper reclaims mailbox messages older than the TTL horizon and
// reconciles the usage counters of the wallets it touched.
type Sweeper struct {
	mailbox  store.MailboxStore
	wallets  store.WalletStore
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper over the given stores.
func NewSweeper(ds store.DataStore, ttl, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		mailbox:  ds,
		wallets:  ds,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on a ticker until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce deletes everything past the TTL horizon and reconciles the
// affected wallets.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	threshold := time.Now().UTC().Add(-s.ttl)

	freed, err := s.mailbox.DeleteExpired(ctx, threshold)
	if err != nil {
		s.logger.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	if len(freed) == 0 {
		return
	}

	var totalBytes int64
	for wallet, bytes := range freed {
		totalBytes += bytes
		used, err := s.mailbox.RecalcUsage(ctx, wallet)
		if err != nil {
			s.logger.Warn().Err(err).Str("wallet", wallet).Msg("usage recalc failed after sweep")
			continue
		}
		if err := s.wallets.SetUsedBytes(ctx, wallet, used); err != nil {
			s.logger.Warn().Err(err).Str("wallet", wallet).Msg("failed to persist usage counter after sweep")
		}
	}

	metrics.ExpiredMessages.Add(float64(len(freed)))
	metrics.BytesFreed.WithLabelValues("expiry").Add(float64(totalBytes))

	s.logger.Info().
		Int("wallets", len(freed)).
		Int64("freedBytes", totalBytes).
		Time("threshold", threshold).
		Msg("expired messages reclaimed")
}
