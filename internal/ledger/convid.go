package ledger

import (
	"sort"
	"strings"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
)

// idSeparator joins canonical participant lists into a conversation id.
const idSeparator = "__"

// ComputeConversationID derives the canonical conversation id for a
// participant set: trimmed, deduplicated, sorted, joined. Identical input
// sets always yield the same id regardless of order or duplicates.
func ComputeConversationID(participants []string) (string, error) {
	canonical := CanonicalParticipants(participants)
	if len(canonical) < 2 {
		return "", relayerr.New(relayerr.CodeInvalidRequest,
			"a conversation needs at least two distinct participants")
	}
	return strings.Join(canonical, idSeparator), nil
}

// CanonicalParticipants returns the sorted, deduplicated, non-empty
// participant list.
func CanonicalParticipants(participants []string) []string {
	seen := make(map[string]bool, len(participants))
	canonical := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		canonical = append(canonical, p)
	}
	sort.Strings(canonical)
	return canonical
}
