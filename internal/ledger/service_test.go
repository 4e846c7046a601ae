package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/models"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/store"
)

// pageStore serves canned conversation and history pages.
type pageStore struct {
	store.LedgerStore
	summaries []models.ConversationSummary
	history   []models.HistoryMessage
	member    bool
	lastInput store.AppendInput
}

func (s *pageStore) AppendHistory(_ context.Context, in store.AppendInput) (store.AppendResult, error) {
	s.lastInput = in
	return store.AppendResult{ConvID: in.ConvID, Seq: 1}, nil
}

func (s *pageStore) ListConversations(_ context.Context, _ string, limit int, _ time.Time, _ string) ([]models.ConversationSummary, error) {
	if limit > len(s.summaries) {
		limit = len(s.summaries)
	}
	return s.summaries[:limit], nil
}

func (s *pageStore) IsMember(context.Context, string, string) (bool, error) {
	return s.member, nil
}

func (s *pageStore) ListHistory(_ context.Context, _ string, limit int, _ int64) ([]models.HistoryMessage, error) {
	if limit > len(s.history) {
		limit = len(s.history)
	}
	return s.history[:limit], nil
}

func (s *pageStore) MarkRead(context.Context, string, string, int64, time.Time) (bool, error) {
	return s.member, nil
}

func TestAppendDerivesConversationID(t *testing.T) {
	ps := &pageStore{}
	svc := NewService(ps, zerolog.Nop())

	res, err := svc.Append(context.Background(), AppendParams{
		Participants: []string{"bob", "alice"},
		Sender:       "alice",
		Box:          "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ConvID != "alice__bob" {
		t.Fatalf("expected alice__bob, got %q", res.ConvID)
	}
	if ps.lastInput.Source != models.SourceOther {
		t.Fatalf("expected default source, got %q", ps.lastInput.Source)
	}
}

func TestListConversationsPaging(t *testing.T) {
	summaries := make([]models.ConversationSummary, 3)
	for i := range summaries {
		summaries[i] = models.ConversationSummary{
			ID:        string(rune('a'+i)) + "__z",
			UpdatedAt: time.Now().UTC().Add(-time.Duration(i) * time.Minute),
		}
	}
	svc := NewService(&pageStore{summaries: summaries}, zerolog.Nop())

	page, err := svc.ListConversations(context.Background(), "z", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if !page.HasMore || page.NextCursor == "" {
		t.Fatalf("expected a continuation cursor, got %+v", page)
	}

	// The cursor points at the last returned item.
	at, id, err := decodeCursor(page.NextCursor)
	if err != nil {
		t.Fatal(err)
	}
	if id != page.Items[1].ID {
		t.Fatalf("cursor id %q != last item %q", id, page.Items[1].ID)
	}
	if !at.Equal(page.Items[1].UpdatedAt) {
		t.Fatal("cursor timestamp does not match last item")
	}
}

func TestListConversationsLastPage(t *testing.T) {
	svc := NewService(&pageStore{summaries: []models.ConversationSummary{{ID: "a__b"}}}, zerolog.Nop())

	page, err := svc.ListConversations(context.Background(), "a", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if page.HasMore || page.NextCursor != "" {
		t.Fatalf("expected terminal page, got %+v", page)
	}
}

func TestListConversationsMalformedCursor(t *testing.T) {
	svc := NewService(&pageStore{}, zerolog.Nop())

	if _, err := svc.ListConversations(context.Background(), "a", 5, "???"); !relayerr.Is(err, relayerr.CodeInvalidRequest) {
		t.Fatalf("expected invalid-request, got %v", err)
	}
}

func TestListMessagesRequiresMembership(t *testing.T) {
	history := []models.HistoryMessage{{Seq: 3}, {Seq: 2}, {Seq: 1}}

	svc := NewService(&pageStore{history: history, member: false}, zerolog.Nop())
	if _, err := svc.ListMessages(context.Background(), "mallory", "a__b", 10, 0); !relayerr.Is(err, relayerr.CodeNotFound) {
		t.Fatalf("expected not-found for non-member, got %v", err)
	}

	svc = NewService(&pageStore{history: history, member: true}, zerolog.Nop())
	page, err := svc.ListMessages(context.Background(), "a", "a__b", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || !page.HasMore || page.NextBefore != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestMarkReadValidation(t *testing.T) {
	svc := NewService(&pageStore{member: true}, zerolog.Nop())
	if err := svc.MarkRead(context.Background(), "a", "a__b", -1, time.Time{}); !relayerr.Is(err, relayerr.CodeInvalidRequest) {
		t.Fatalf("expected invalid-request for negative seq, got %v", err)
	}

	svc = NewService(&pageStore{member: false}, zerolog.Nop())
	if err := svc.MarkRead(context.Background(), "a", "a__b", 1, time.Time{}); !relayerr.Is(err, relayerr.CodeNotFound) {
		t.Fatalf("expected not-found for non-member, got %v", err)
	}
}
