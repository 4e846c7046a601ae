package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/ledger"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/quota"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

// memStore is an in-memory DataStore for coordinator tests.
type memStore struct {
	mu       sync.Mutex
	messages map[string]*models.RelayMessage
	wallets  map[string]*models.Wallet
	appends  []store.AppendInput
	seq      int64
	receipts int64

	failAppend bool
}

func newMemStore(walletAddrs ...string) *memStore {
	s := &memStore{
		messages: make(map[string]*models.RelayMessage),
		wallets:  make(map[string]*models.Wallet),
	}
	for _, w := range walletAddrs {
		s.wallets[w] = &models.Wallet{Address: w}
	}
	return s
}

func (s *memStore) FindMessage(_ context.Context, id string) (*models.RelayMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) FindByAgreement(_ context.Context, wallet, agreementID string) (*models.RelayMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.RelayMessage
	for _, m := range s.messages {
		if m.To == wallet && m.AgreementID() == agreementID {
			if newest == nil || m.Receipt > newest.Receipt {
				newest = m
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	copied := *newest
	return &copied, nil
}

func (s *memStore) ReserveAndUpsert(_ context.Context, in store.UpsertInput) (*store.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.messages[in.MessageID]; ok {
		prev := existing.BoxSize
		if existing.Status == models.StatusPending {
			existing.Box = in.Box
			existing.BoxSize = in.BoxSize
			existing.IV = in.IV
			existing.Type = in.Type
			existing.Meta = in.Meta
		}
		copied := *existing
		return &store.UpsertResult{Created: false, PreviousBoxSize: prev, Message: &copied}, nil
	}

	s.receipts++
	now := time.Now().UTC()
	m := &models.RelayMessage{
		ID:         in.MessageID,
		Receipt:    fmt.Sprintf("%06d", s.receipts),
		From:       in.From,
		To:         in.To,
		Box:        in.Box,
		BoxSize:    in.BoxSize,
		IV:         in.IV,
		Type:       in.Type,
		Meta:       in.Meta,
		Status:     models.StatusPending,
		EnqueuedAt: now,
		CreatedAt:  now,
	}
	s.messages[in.MessageID] = m
	copied := *m
	return &store.UpsertResult{Created: true, Message: &copied}, nil
}

func (s *memStore) FetchMessages(_ context.Context, wallet string) ([]models.RelayMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RelayMessage
	for _, m := range s.messages {
		if m.To == wallet {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].Receipt < out[j].Receipt
	})
	return out, nil
}

func (s *memStore) MarkDelivered(_ context.Context, wallet string, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && m.To == wallet && m.Status == models.StatusPending {
			m.Status = models.StatusDelivered
			t := at
			m.DeliveredAt = &t
		}
	}
	return nil
}

func (s *memStore) AckMessages(_ context.Context, wallet string, ids []string) (store.AckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.AckResult
	for _, id := range ids {
		if m, ok := s.messages[id]; ok && m.To == wallet {
			res.Deleted++
			res.FreedBytes += m.BoxSize
			delete(s.messages, id)
		}
	}
	return res, nil
}

func (s *memStore) PurgeMailbox(_ context.Context, wallet string) (store.AckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.AckResult
	for id, m := range s.messages {
		if m.To == wallet {
			res.Deleted++
			res.FreedBytes += m.BoxSize
			delete(s.messages, id)
		}
	}
	return res, nil
}

func (s *memStore) PurgeMailboxFraction(ctx context.Context, wallet string, fraction float64) (store.AckResult, error) {
	return s.PurgeMailbox(ctx, wallet)
}

func (s *memStore) RecalcUsage(_ context.Context, wallet string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var used int64
	for _, m := range s.messages {
		if m.To == wallet {
			used += m.BoxSize
		}
	}
	return used, nil
}

func (s *memStore) CountExpired(_ context.Context, threshold time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.EnqueuedAt.Before(threshold) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteExpired(_ context.Context, threshold time.Time) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := make(map[string]int64)
	for id, m := range s.messages {
		if m.EnqueuedAt.Before(threshold) {
			freed[m.To] += m.BoxSize
			delete(s.messages, id)
		}
	}
	return freed, nil
}

func (s *memStore) AppendHistory(_ context.Context, in store.AppendInput) (store.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return store.AppendResult{}, errors.New("ledger unavailable")
	}
	for i, prior := range s.appends {
		if prior.MessageID != "" && prior.MessageID == in.MessageID {
			return store.AppendResult{ConvID: prior.ConvID, Seq: int64(i) + 1, Existing: true}, nil
		}
	}
	s.appends = append(s.appends, in)
	s.seq++
	return store.AppendResult{ConvID: in.ConvID, Seq: s.seq}, nil
}

func (s *memStore) GetConversation(context.Context, string) (*models.Conversation, error) {
	return nil, nil
}

func (s *memStore) IsMember(context.Context, string, string) (bool, error) { return true, nil }

func (s *memStore) ListConversations(context.Context, string, int, time.Time, string) ([]models.ConversationSummary, error) {
	return nil, nil
}

func (s *memStore) ListHistory(context.Context, string, int, int64) ([]models.HistoryMessage, error) {
	return nil, nil
}

func (s *memStore) MarkRead(context.Context, string, string, int64, time.Time) (bool, error) {
	return true, nil
}

func (s *memStore) TouchTimestamps(context.Context, []string, *time.Time, *time.Time) error {
	return nil
}

func (s *memStore) RegisterWallet(_ context.Context, wallet string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[wallet]; ok {
		copied := *w
		return &copied, nil
	}
	w := &models.Wallet{Address: wallet}
	s.wallets[wallet] = w
	copied := *w
	return &copied, nil
}

func (s *memStore) GetWallet(_ context.Context, wallet string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[wallet]; ok {
		copied := *w
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) SetUsedBytes(_ context.Context, wallet string, usedBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[wallet]; ok {
		w.UsedBytes = usedBytes
	}
	return nil
}

func (s *memStore) Close()                     {}
func (s *memStore) Ping(context.Context) error { return nil }

// fixedPresence reports a fixed reachability answer.
type fixedPresence struct{ reachable bool }

func (p fixedPresence) IsReachable(context.Context, string) (bool, error) {
	return p.reachable, nil
}

func testCoordinator(t *testing.T, ds *memStore, opts Options, presence PresenceChecker) *Coordinator {
	t.Helper()
	guard := quota.NewGuard(quota.Limits{
		PerMessageMaxBytes: 1024,
		QuotaBytes:         100,
		GracePct:           0.1,
	}, ds, ds)
	svc := ledger.NewService(ds, zerolog.Nop())
	return NewCoordinator(opts, ds, guard, svc, presence, nil, zerolog.Nop())
}

const (
	msgID1 = "11111111-1111-4111-8111-111111111111"
	msgID2 = "22222222-2222-4222-8222-222222222222"
)

func enqueueParams(id, box string) EnqueueParams {
	return EnqueueParams{
		Sender:    "alice",
		To:        "bob",
		Box:       box,
		MessageID: id,
	}
}

func TestEnqueueQueuesMessage(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)

	res, err := c.Enqueue(context.Background(), enqueueParams(msgID1, "ciphertext"))
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID != msgID1 {
		t.Fatalf("expected id %s, got %s", msgID1, res.MessageID)
	}
	if !res.Created {
		t.Fatal("expected a fresh insert")
	}
	if res.UsedBytes != int64(len("ciphertext")) {
		t.Fatalf("expected used %d, got %d", len("ciphertext"), res.UsedBytes)
	}
	if len(ds.appends) != 1 {
		t.Fatalf("expected one history append, got %d", len(ds.appends))
	}
	if ds.appends[0].ConvID != "alice__bob" {
		t.Fatalf("unexpected conv id %q", ds.appends[0].ConvID)
	}
}

func TestEnqueueIdempotentReplace(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	if _, err := c.Enqueue(ctx, enqueueParams(msgID1, "short")); err != nil {
		t.Fatal(err)
	}
	res, err := c.Enqueue(ctx, enqueueParams(msgID1, "a longer replacement payload"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Fatal("expected a replace, not a second insert")
	}

	msgs, _ := ds.FetchMessages(ctx, "bob")
	if len(msgs) != 1 {
		t.Fatalf("expected one mailbox record, got %d", len(msgs))
	}
	if msgs[0].Box != "a longer replacement payload" {
		t.Fatalf("payload not replaced: %q", msgs[0].Box)
	}
	if res.UsedBytes != msgs[0].BoxSize {
		t.Fatalf("usage %d does not match mailbox %d", res.UsedBytes, msgs[0].BoxSize)
	}
}

func TestEnqueueRetryAfterDelivery(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	// 95 bytes against quota 100: a second full-size admission would
	// blow past the grace band.
	box := make([]byte, 95)
	for i := range box {
		box[i] = 'a'
	}
	if _, err := c.Enqueue(ctx, enqueueParams(msgID1, string(box))); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(ctx, "bob"); err != nil {
		t.Fatal(err)
	}

	// The record is delivered now; a client retry changes nothing and
	// must not be charged against the quota again.
	res, err := c.Enqueue(ctx, enqueueParams(msgID1, string(box)))
	if err != nil {
		t.Fatalf("retry after delivery rejected: %v", err)
	}
	if res.Created {
		t.Fatal("expected a no-op, not a second insert")
	}
	if res.UsedBytes != 95 {
		t.Fatalf("expected usage unchanged at 95, got %d", res.UsedBytes)
	}
	if res.Warning != "" {
		t.Fatalf("expected no warning on a no-op retry, got %q", res.Warning)
	}
}

func TestEnqueueAgreementResubmission(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	p1 := enqueueParams(msgID1, "offer v1")
	p1.Meta = map[string]string{models.MetaKeyAgreement: "ag-1"}
	if _, err := c.Enqueue(ctx, p1); err != nil {
		t.Fatal(err)
	}

	// A fresh msgId for the same pending agreement lands on the earlier
	// record instead of queueing a duplicate.
	p2 := enqueueParams(msgID2, "offer v2")
	p2.Meta = map[string]string{models.MetaKeyAgreement: "ag-1"}
	res, err := c.Enqueue(ctx, p2)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Fatal("expected a replace of the earlier agreement message")
	}
	if res.MessageID != msgID1 {
		t.Fatalf("expected write target %s, got %s", msgID1, res.MessageID)
	}

	msgs, _ := ds.FetchMessages(ctx, "bob")
	if len(msgs) != 1 {
		t.Fatalf("expected one mailbox record, got %d", len(msgs))
	}
	if msgs[0].ID != msgID1 || msgs[0].Box != "offer v2" {
		t.Fatalf("unexpected record %s with payload %q", msgs[0].ID, msgs[0].Box)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	cases := []EnqueueParams{
		{Sender: "alice", To: "bob", Box: "x", MessageID: "not-a-uuid"},
		{Sender: "alice", To: "alice", Box: "x", MessageID: msgID1},
		{Sender: "alice", To: "bob", MessageID: msgID1},
		{Sender: "alice", To: "bob", Box: "x", MessageID: msgID1, Type: "carrier-pigeon"},
	}
	for i, p := range cases {
		if _, err := c.Enqueue(ctx, p); !relayerr.Is(err, relayerr.CodeInvalidRequest) {
			t.Fatalf("case %d: expected invalid-request, got %v", i, err)
		}
	}
}

func TestEnqueueUnknownRecipient(t *testing.T) {
	ds := newMemStore("alice")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)

	_, err := c.Enqueue(context.Background(), enqueueParams(msgID1, "x"))
	if !relayerr.Is(err, relayerr.CodeRecipientNotFound) {
		t.Fatalf("expected recipient-not-found, got %v", err)
	}
}

func TestEnqueueQuotaRejection(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	// Quota 100, grace 10%: a 111-byte mailbox is inadmissible.
	big := make([]byte, 111)
	for i := range big {
		big[i] = 'a'
	}
	_, err := c.Enqueue(ctx, enqueueParams(msgID1, string(big)))
	if !relayerr.Is(err, relayerr.CodeQuotaExceeded) {
		t.Fatalf("expected quota-exceeded, got %v", err)
	}
}

func TestEnqueueGraceWarning(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	box := make([]byte, 105)
	for i := range box {
		box[i] = 'a'
	}
	res, err := c.Enqueue(ctx, enqueueParams(msgID1, string(box)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Warning != relayerr.WarnOverflowGrace {
		t.Fatalf("expected grace warning, got %q", res.Warning)
	}
}

func TestEnqueueOfflineOnlyPolicy(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true, OfflineOnly: true}, fixedPresence{reachable: true})
	ctx := context.Background()

	_, err := c.Enqueue(ctx, enqueueParams(msgID1, "x"))
	if !relayerr.Is(err, relayerr.CodeRecipientOnline) {
		t.Fatalf("expected recipient-online, got %v", err)
	}

	p := enqueueParams(msgID1, "x")
	p.Force = true
	res, err := c.Enqueue(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Forced {
		t.Fatal("expected forced delivery to be flagged")
	}
}

func TestEnqueueRelayDisabled(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: false}, nil)

	if _, err := c.Enqueue(context.Background(), enqueueParams(msgID1, "x")); !relayerr.Is(err, relayerr.CodeRelayDisabled) {
		t.Fatalf("expected relay-disabled, got %v", err)
	}
	if _, err := c.Fetch(context.Background(), "bob"); !relayerr.Is(err, relayerr.CodeRelayDisabled) {
		t.Fatalf("expected relay-disabled on fetch, got %v", err)
	}
}

func TestEnqueueSurvivesHistoryFailure(t *testing.T) {
	ds := newMemStore("alice", "bob")
	ds.failAppend = true
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)

	res, err := c.Enqueue(context.Background(), enqueueParams(msgID1, "x"))
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID != msgID1 {
		t.Fatal("mailbox write should stand despite the ledger fault")
	}
}

func TestFetchMarksDeliveredAndKeepsMessages(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	if _, err := c.Enqueue(ctx, enqueueParams(msgID1, "first")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Enqueue(ctx, enqueueParams(msgID2, "second")); err != nil {
		t.Fatal(err)
	}

	msgs, err := c.Fetch(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != msgID1 || msgs[1].ID != msgID2 {
		t.Fatalf("expected FIFO order, got %s then %s", msgs[0].ID, msgs[1].ID)
	}
	for _, m := range msgs {
		if m.Status != models.StatusDelivered || m.DeliveredAt == nil {
			t.Fatalf("message %s not marked delivered", m.ID)
		}
	}

	// Unacked messages stay fetchable for at-least-once delivery.
	again, err := c.Fetch(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 2 {
		t.Fatalf("expected redelivery of 2 messages, got %d", len(again))
	}
}

func TestAckFreesBytes(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	if _, err := c.Enqueue(ctx, enqueueParams(msgID1, "first")); err != nil {
		t.Fatal(err)
	}
	res2, err := c.Enqueue(ctx, enqueueParams(msgID2, "second"))
	if err != nil {
		t.Fatal(err)
	}
	before := res2.UsedBytes

	ack, used, err := c.Ack(ctx, "bob", []string{msgID1})
	if err != nil {
		t.Fatal(err)
	}
	if ack.Deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", ack.Deleted)
	}
	if ack.FreedBytes != int64(len("first")) {
		t.Fatalf("expected %d freed, got %d", len("first"), ack.FreedBytes)
	}
	if used != before-ack.FreedBytes {
		t.Fatalf("byte accounting broken: %d != %d - %d", used, before, ack.FreedBytes)
	}
}

func TestAckRequiresIDs(t *testing.T) {
	ds := newMemStore("bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)

	if _, _, err := c.Ack(context.Background(), "bob", nil); !relayerr.Is(err, relayerr.CodeInvalidRequest) {
		t.Fatalf("expected invalid-request, got %v", err)
	}
}

func TestPurgeEmptiesMailbox(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	if _, err := c.Enqueue(ctx, enqueueParams(msgID1, "first")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Enqueue(ctx, enqueueParams(msgID2, "second")); err != nil {
		t.Fatal(err)
	}

	res, used, err := c.Purge(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", res.Deleted)
	}
	if used != 0 {
		t.Fatalf("expected empty mailbox, got %d bytes", used)
	}
}

func TestSweeperReclaimsExpired(t *testing.T) {
	ds := newMemStore("alice", "bob")
	c := testCoordinator(t, ds, Options{Enabled: true}, nil)
	ctx := context.Background()

	if _, err := c.Enqueue(ctx, enqueueParams(msgID1, "stale")); err != nil {
		t.Fatal(err)
	}

	// Backdate the message beyond the TTL horizon.
	ds.mu.Lock()
	ds.messages[msgID1].EnqueuedAt = time.Now().UTC().Add(-48 * time.Hour)
	ds.mu.Unlock()

	sw := NewSweeper(ds, 24*time.Hour, time.Minute, zerolog.Nop())
	sw.SweepOnce(ctx)

	used, err := ds.RecalcUsage(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if used != 0 {
		t.Fatalf("expected sweep to empty the mailbox, got %d bytes", used)
	}
	w, _ := ds.GetWallet(ctx, "bob")
	if w.UsedBytes != 0 {
		t.Fatalf("expected reconciled counter 0, got %d", w.UsedBytes)
	}
}
