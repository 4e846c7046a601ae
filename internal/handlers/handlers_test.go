package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/api"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/handlers"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/ledger"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relay"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

type stubRelay struct {
	enqueueErr error
	lastParams relay.EnqueueParams
	messages   []models.RelayMessage
}

func (s *stubRelay) Enqueue(_ context.Context, p relay.EnqueueParams) (*relay.EnqueueResult, error) {
	s.lastParams = p
	if s.enqueueErr != nil {
		return nil, s.enqueueErr
	}
	return &relay.EnqueueResult{MessageID: p.MessageID, UsedBytes: int64(len(p.Box))}, nil
}

func (s *stubRelay) Fetch(context.Context, string) ([]models.RelayMessage, error) {
	return s.messages, nil
}

func (s *stubRelay) Ack(_ context.Context, _ string, ids []string) (store.AckResult, int64, error) {
	if len(ids) == 0 {
		return store.AckResult{}, 0, relayerr.New(relayerr.CodeInvalidRequest, "ids are required")
	}
	return store.AckResult{Deleted: int64(len(ids)), FreedBytes: 42}, 100, nil
}

func (s *stubRelay) Purge(context.Context, string) (store.AckResult, int64, error) {
	return store.AckResult{Deleted: 3, FreedBytes: 99}, 0, nil
}

type stubConvs struct {
	listErr     error
	messagesErr error
	readConvID  string
	readSeq     int64
}

func (s *stubConvs) ListConversations(context.Context, string, int, string) (*ledger.ConversationPage, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return &ledger.ConversationPage{Items: []models.ConversationSummary{{ID: "alice__bob"}}}, nil
}

func (s *stubConvs) ListMessages(context.Context, string, string, int, int64) (*ledger.MessagePage, error) {
	if s.messagesErr != nil {
		return nil, s.messagesErr
	}
	return &ledger.MessagePage{Items: []models.HistoryMessage{{ConvID: "alice__bob", Seq: 1}}}, nil
}

func (s *stubConvs) MarkRead(_ context.Context, _ string, convID string, seq int64, _ time.Time) error {
	s.readConvID = convID
	s.readSeq = seq
	return nil
}

// stubDB backs register and health; everything else is unused.
type stubDB struct {
	store.DataStore
}

func (stubDB) RegisterWallet(_ context.Context, wallet string) (*models.Wallet, error) {
	return &models.Wallet{Address: wallet, UsedBytes: 7}, nil
}

func (stubDB) Ping(context.Context) error { return nil }

func testServer(rs *stubRelay, cs *stubConvs) *httptest.Server {
	h := handlers.NewHandler(rs, cs, stubDB{}, nil)
	return httptest.NewServer(api.NewRouter(zerolog.Nop(), h, nil))
}

func doJSON(t *testing.T, method, url, wallet, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set("X-Relay-Wallet", wallet)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestSendAccepted(t *testing.T) {
	rs := &stubRelay{}
	srv := testServer(rs, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/relay/send", "alice",
		`{"to":"bob","box":"ciphertext","msgId":"11111111-1111-4111-8111-111111111111"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var body handlers.SendResponse
	decodeBody(t, resp, &body)
	if body.Status != "queued" {
		t.Fatalf("expected queued, got %q", body.Status)
	}
	if rs.lastParams.Sender != "alice" || rs.lastParams.To != "bob" {
		t.Fatalf("unexpected params: %+v", rs.lastParams)
	}
}

func TestSendRequiresWallet(t *testing.T) {
	srv := testServer(&stubRelay{}, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/relay/send", "", `{"to":"bob","box":"x"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSendQuotaExceeded(t *testing.T) {
	rs := &stubRelay{enqueueErr: relayerr.New(relayerr.CodeQuotaExceeded, "mailbox full")}
	srv := testServer(rs, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/relay/send", "alice", `{"to":"bob","box":"x","msgId":"id"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	if body.Error != string(relayerr.CodeQuotaExceeded) {
		t.Fatalf("expected quota code in body, got %q", body.Error)
	}
}

func TestSendPayloadTooLarge(t *testing.T) {
	rs := &stubRelay{enqueueErr: relayerr.New(relayerr.CodePayloadTooLarge, "too big")}
	srv := testServer(rs, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/relay/send", "alice", `{"to":"bob","box":"x","msgId":"id"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestFetchReturnsMessages(t *testing.T) {
	rs := &stubRelay{messages: []models.RelayMessage{{ID: "m1", From: "bob", Box: "x"}}}
	srv := testServer(rs, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "GET", srv.URL+"/relay/fetch", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body handlers.FetchResponse
	decodeBody(t, resp, &body)
	if len(body.Messages) != 1 || body.Messages[0].ID != "m1" {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}
}

func TestAckReportsFreedBytes(t *testing.T) {
	srv := testServer(&stubRelay{}, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/relay/ack", "alice", `{"ids":["m1","m2"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body handlers.AckResponse
	decodeBody(t, resp, &body)
	if body.Deleted != 2 || body.FreedBytes != 42 || body.UsedBytesNow != 100 {
		t.Fatalf("unexpected ack response: %+v", body)
	}
}

func TestAckRejectsMalformedBody(t *testing.T) {
	srv := testServer(&stubRelay{}, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/relay/ack", "alice", `{"ids": not json`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestListConversations(t *testing.T) {
	srv := testServer(&stubRelay{}, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "GET", srv.URL+"/conversations?limit=10", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body ledger.ConversationPage
	decodeBody(t, resp, &body)
	if len(body.Items) != 1 || body.Items[0].ID != "alice__bob" {
		t.Fatalf("unexpected page: %+v", body)
	}
}

func TestMessagesHiddenFromNonMembers(t *testing.T) {
	cs := &stubConvs{messagesErr: relayerr.New(relayerr.CodeNotFound, "conversation not found")}
	srv := testServer(&stubRelay{}, cs)
	defer srv.Close()

	resp := doJSON(t, "GET", srv.URL+"/conversations/alice__bob/messages", "mallory", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMarkRead(t *testing.T) {
	cs := &stubConvs{}
	srv := testServer(&stubRelay{}, cs)
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/conversations/alice__bob/read", "alice", `{"lastReadSeq":7}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if cs.readConvID != "alice__bob" || cs.readSeq != 7 {
		t.Fatalf("unexpected mark-read call: %q seq %d", cs.readConvID, cs.readSeq)
	}
}

func TestRegister(t *testing.T) {
	srv := testServer(&stubRelay{}, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/register", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body handlers.RegisterResponse
	decodeBody(t, resp, &body)
	if body.Wallet != "alice" || body.UsedBytes != 7 {
		t.Fatalf("unexpected register response: %+v", body)
	}
}

func TestHeartbeatWithoutRedis(t *testing.T) {
	srv := testServer(&stubRelay{}, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/presence/heartbeat", "alice", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(&stubRelay{}, &stubConvs{})
	defer srv.Close()

	resp := doJSON(t, "GET", srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body handlers.HealthResponse
	decodeBody(t, resp, &body)
	if body.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", body.Status)
	}
	if body.Checks["database"].Status != "pass" {
		t.Fatalf("expected database pass, got %+v", body.Checks)
	}
}
