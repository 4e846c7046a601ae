package ledger

import (
	"testing"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
)

func TestComputeConversationID(t *testing.T) {
	id, err := ComputeConversationID([]string{"walletB", "walletA"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "walletA__walletB" {
		t.Fatalf("expected walletA__walletB, got %q", id)
	}
}

func TestComputeConversationIDOrderInsensitive(t *testing.T) {
	a, err := ComputeConversationID([]string{"x", "y", "z"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := ComputeConversationID([]string{"z", "x", "y"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected identical ids, got %q and %q", a, b)
	}
}

func TestComputeConversationIDDedupes(t *testing.T) {
	id, err := ComputeConversationID([]string{"a", "b", " a ", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "a__b" {
		t.Fatalf("expected a__b, got %q", id)
	}
}

func TestComputeConversationIDRejectsSingleton(t *testing.T) {
	_, err := ComputeConversationID([]string{"alice", "alice", " "})
	if !relayerr.Is(err, relayerr.CodeInvalidRequest) {
		t.Fatalf("expected invalid-request, got %v", err)
	}
}

func TestCanonicalParticipantsDropsEmpties(t *testing.T) {
	got := CanonicalParticipants([]string{"", "  ", "b", "a"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected canonical list: %v", got)
	}
}
