// Package relay orchestrates quota admission, mailbox writes, and
// history appends into the public enqueue/fetch/ack/purge operations.
package relay

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/ledger"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/metrics"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/quota"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

// Options configure coordinator policy.
type Options struct {
	// OfflineOnly rejects enqueue when the recipient is reachable through
	// a live channel, unless the sender forces relay delivery.
	OfflineOnly bool
	// Enabled gates the whole relay surface.
	Enabled bool
}

// Coordinator is the root component of the relay write and read paths.
type Coordinator struct {
	opts     Options
	mailbox  store.MailboxStore
	wallets  store.WalletStore
	guard    *quota.Guard
	ledger   *ledger.Service
	presence PresenceChecker
	contacts ContactChecker
	logger   zerolog.Logger
}

// NewCoordinator wires the relay components. presence and contacts may be
// nil, in which case recipients count as offline and everyone is a
// contact.
func NewCoordinator(opts Options, ds store.DataStore, guard *quota.Guard, lg *ledger.Service, presence PresenceChecker, contacts ContactChecker, logger zerolog.Logger) *Coordinator {
	if presence == nil {
		presence = unreachablePresence{}
	}
	if contacts == nil {
		contacts = allowAllContacts{}
	}
	return &Coordinator{
		opts:     opts,
		mailbox:  ds,
		wallets:  ds,
		guard:    guard,
		ledger:   lg,
		presence: presence,
		contacts: contacts,
		logger:   logger,
	}
}

// EnqueueParams is one send request after the transport layer has peeled
// off authentication.
type EnqueueParams struct {
	Sender    string
	To        string
	Box       string // opaque ciphertext, base64 text
	IV        string
	MessageID string // client-supplied idempotency key, UUID
	Type      models.MessageType
	Meta      map[string]string
	Force     bool
}

// EnqueueResult reports a queued message.
type EnqueueResult struct {
	MessageID string `json:"messageId"`
	Forced    bool   `json:"forced,omitempty"`
	Warning   string `json:"warning,omitempty"`
	UsedBytes int64  `json:"usedBytes"`
	Created   bool   `json:"-"`
}

// validWallet keeps address validation deliberately shallow: the auth
// layer owns real identity, this only rejects garbage before I/O.
func validWallet(w string) bool {
	if len(w) < 3 || len(w) > 64 {
		return false
	}
	return !strings.ContainsAny(w, " \t\r\n")
}

func (c *Coordinator) validateEnqueue(p EnqueueParams) error {
	if _, err := uuid.Parse(p.MessageID); err != nil {
		return relayerr.New(relayerr.CodeInvalidRequest, "msgId must be a UUID")
	}
	if !validWallet(p.Sender) || !validWallet(p.To) {
		return relayerr.New(relayerr.CodeInvalidRequest, "malformed wallet address")
	}
	if p.Sender == p.To {
		return relayerr.New(relayerr.CodeInvalidRequest, "cannot send to yourself")
	}
	if p.Box == "" {
		return relayerr.New(relayerr.CodeInvalidRequest, "box is required")
	}
	if p.Type != "" && !models.ValidMessageType(p.Type) {
		return relayerr.New(relayerr.CodeInvalidRequest, "unknown message type %q", p.Type)
	}
	return nil
}

// Enqueue validates, admits, and stores one message, then records it in
// the conversation ledger. The ledger append is best-effort: delivery is
// never blocked by a history-write fault.
func (c *Coordinator) Enqueue(ctx context.Context, p EnqueueParams) (*EnqueueResult, error) {
	if !c.opts.Enabled {
		return nil, relayerr.New(relayerr.CodeRelayDisabled, "relay is disabled")
	}
	if err := c.validateEnqueue(p); err != nil {
		metrics.EnqueuesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if p.Type == "" {
		p.Type = models.TypeText
	}

	recipient, err := c.wallets.GetWallet(ctx, p.To)
	if err != nil {
		return nil, c.infra("get wallet", err)
	}
	if recipient == nil {
		return nil, relayerr.New(relayerr.CodeRecipientNotFound, "recipient %s is not registered", p.To)
	}

	mutual, err := c.contacts.AreContacts(ctx, p.Sender, p.To)
	if err != nil {
		return nil, c.infra("contact check", err)
	}
	if !mutual {
		return nil, relayerr.New(relayerr.CodeNotMutualContact, "recipient does not accept relay messages from you")
	}

	// BoxSize is derived here from the encoded payload, never trusted
	// from the caller.
	boxSize := int64(len(p.Box))

	// Resolve the write target: the same id, or an earlier message for
	// the same agreement, makes this an idempotent re-submission.
	targetID := p.MessageID
	existing, err := c.mailbox.FindMessage(ctx, targetID)
	if err != nil {
		return nil, c.infra("find message", err)
	}
	if existing == nil {
		if agreementID := p.Meta[models.MetaKeyAgreement]; agreementID != "" {
			existing, err = c.mailbox.FindByAgreement(ctx, p.To, agreementID)
			if err != nil {
				return nil, c.infra("find by agreement", err)
			}
			if existing != nil {
				targetID = existing.ID
			}
		}
	}

	forced := false
	if c.opts.OfflineOnly {
		reachable, perr := c.presence.IsReachable(ctx, p.To)
		if perr != nil {
			// Presence is advisory; treat an unavailable tracker as offline.
			c.logger.Warn().Err(perr).Str("wallet", p.To).Msg("presence check failed")
		}
		if reachable && !p.Force {
			return nil, relayerr.New(relayerr.CodeRecipientOnline,
				"recipient is reachable directly; repeat with force to relay anyway").
				WithDetails(map[string]any{"force": true})
		}
		forced = reachable && p.Force
	}

	var deltaBytes = boxSize
	if existing != nil {
		if existing.Status == models.StatusPending {
			// Replacing an undelivered payload: quota sees the net change,
			// which can be negative for a shrinking re-send.
			deltaBytes = boxSize - existing.BoxSize
		} else {
			// Already delivered: the upsert is a no-op and admits nothing,
			// so a retry never trips the quota.
			deltaBytes = 0
		}
	}

	qc, err := c.guard.Resolve(ctx, p.To, boxSize, deltaBytes)
	if err != nil {
		return nil, c.infra("resolve quota", err)
	}
	warning, err := c.guard.Check(qc)
	if err != nil {
		metrics.EnqueuesTotal.WithLabelValues("rejected").Inc()
		metrics.QuotaRejections.WithLabelValues(string(relayerr.CodeOf(err))).Inc()
		return nil, err
	}

	res, usedBytes, err := c.guard.Apply(ctx, qc, store.UpsertInput{
		MessageID: targetID,
		To:        p.To,
		From:      p.Sender,
		Box:       p.Box,
		BoxSize:   boxSize,
		IV:        p.IV,
		Type:      p.Type,
		Meta:      p.Meta,
	})
	if err != nil {
		return nil, c.infra("mailbox write", err)
	}

	// The cached counter is advisory; the next recalc fixes a miss here.
	if err := c.wallets.SetUsedBytes(ctx, p.To, usedBytes); err != nil {
		c.logger.Warn().Err(err).Str("wallet", p.To).Msg("failed to persist usage counter")
	}

	c.appendToHistory(ctx, p, res.Message)

	outcome := "queued"
	if !res.Created {
		outcome = "replaced"
	}
	metrics.EnqueuesTotal.WithLabelValues(outcome).Inc()

	c.logger.Info().
		Str("messageId", res.Message.ID).
		Str("to", p.To).
		Int64("boxSize", boxSize).
		Bool("created", res.Created).
		Str("warning", warning).
		Msg("message queued")

	return &EnqueueResult{
		MessageID: res.Message.ID,
		Forced:    forced,
		Warning:   warning,
		UsedBytes: usedBytes,
		Created:   res.Created,
	}, nil
}

// appendToHistory records the queued message in the conversation ledger.
// Failures are logged and swallowed: the mailbox write is the primary
// guarantee, history is eventually reconcilable.
func (c *Coordinator) appendToHistory(ctx context.Context, p EnqueueParams, msg *models.RelayMessage) {
	res, err := c.ledger.Append(ctx, ledger.AppendParams{
		Participants: []string{p.Sender, p.To},
		Sender:       p.Sender,
		Source:       models.SourceRelay,
		MessageID:    msg.ID,
		ClientMsgID:  msg.ClientMsgID(),
		Box:          msg.Box,
		BoxSize:      msg.BoxSize,
		IV:           msg.IV,
		Type:         msg.Type,
		Meta:         msg.Meta,
		CreatedAt:    msg.CreatedAt,
	})
	if err != nil {
		metrics.HistoryAppends.WithLabelValues("failed").Inc()
		c.logger.Error().Err(err).
			Str("messageId", msg.ID).
			Str("sender", p.Sender).
			Msg("history append failed after mailbox write")
		return
	}
	if res.Existing {
		metrics.HistoryAppends.WithLabelValues("deduped").Inc()
	} else {
		metrics.HistoryAppends.WithLabelValues("inserted").Inc()
	}
}

// Fetch returns the wallet's mailbox in FIFO order and marks the returned
// messages delivered.
func (c *Coordinator) Fetch(ctx context.Context, wallet string) ([]models.RelayMessage, error) {
	if !c.opts.Enabled {
		return nil, relayerr.New(relayerr.CodeRelayDisabled, "relay is disabled")
	}

	messages, err := c.mailbox.FetchMessages(ctx, wallet)
	if err != nil {
		return nil, c.infra("fetch mailbox", err)
	}
	if len(messages) == 0 {
		return []models.RelayMessage{}, nil
	}

	now := time.Now().UTC()
	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = messages[i].ID
		if messages[i].DeliveredAt == nil {
			metrics.DeliveryLatency.Observe(now.Sub(messages[i].EnqueuedAt).Seconds())
			messages[i].Status = models.StatusDelivered
			t := now
			messages[i].DeliveredAt = &t
		}
	}

	if err := c.mailbox.MarkDelivered(ctx, wallet, ids, now); err != nil {
		return nil, c.infra("mark delivered", err)
	}
	c.ledger.TouchDelivered(ctx, ids, now)

	metrics.MessagesFetched.Add(float64(len(messages)))
	return messages, nil
}

// Ack deletes acknowledged messages and reconciles the usage counter from
// the authoritative mailbox total.
func (c *Coordinator) Ack(ctx context.Context, wallet string, ids []string) (store.AckResult, int64, error) {
	if len(ids) == 0 {
		return store.AckResult{}, 0, relayerr.New(relayerr.CodeInvalidRequest, "ids are required")
	}

	res, err := c.mailbox.AckMessages(ctx, wallet, ids)
	if err != nil {
		return store.AckResult{}, 0, c.infra("ack messages", err)
	}

	used, err := c.reconcileUsage(ctx, wallet)
	if err != nil {
		return store.AckResult{}, 0, err
	}

	c.ledger.TouchAcknowledged(ctx, ids, time.Now().UTC())

	metrics.MessagesAcked.Add(float64(res.Deleted))
	metrics.BytesFreed.WithLabelValues("ack").Add(float64(res.FreedBytes))
	return res, used, nil
}

// Purge wipes the wallet's mailbox and reconciles usage.
func (c *Coordinator) Purge(ctx context.Context, wallet string) (store.AckResult, int64, error) {
	res, err := c.mailbox.PurgeMailbox(ctx, wallet)
	if err != nil {
		return store.AckResult{}, 0, c.infra("purge mailbox", err)
	}

	used, err := c.reconcileUsage(ctx, wallet)
	if err != nil {
		return store.AckResult{}, 0, err
	}

	metrics.BytesFreed.WithLabelValues("purge").Add(float64(res.FreedBytes))
	return res, used, nil
}

// reconcileUsage recomputes the wallet's byte total from source of truth
// and persists it. Never trust the cached counter after a deletion.
func (c *Coordinator) reconcileUsage(ctx context.Context, wallet string) (int64, error) {
	used, err := c.mailbox.RecalcUsage(ctx, wallet)
	if err != nil {
		return 0, c.infra("recalc usage", err)
	}
	if err := c.wallets.SetUsedBytes(ctx, wallet, used); err != nil {
		c.logger.Warn().Err(err).Str("wallet", wallet).Msg("failed to persist usage counter")
	}
	return used, nil
}

// infra logs a store failure with full context and returns the generic
// infrastructure error; the original error never reaches the caller.
func (c *Coordinator) infra(op string, err error) error {
	c.logger.Error().Err(err).Str("op", op).Msg("store operation failed")
	return relayerr.New(relayerr.CodeInternal, "storage failure")
}
