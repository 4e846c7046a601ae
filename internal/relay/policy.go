package relay

import "context"

// PresenceChecker reports whether a recipient currently has a live
// channel. It is a policy input only; the relay never depends on it for
// correctness. The production implementation is Redis heartbeats.
type PresenceChecker interface {
	IsReachable(ctx context.Context, wallet string) (bool, error)
}

// ContactChecker answers the mutual-contact policy question. The real
// social graph lives outside this system.
type ContactChecker interface {
	AreContacts(ctx context.Context, a, b string) (bool, error)
}

// unreachablePresence is the fallback when no presence source is wired:
// every recipient counts as offline, so relay delivery is always allowed.
type unreachablePresence struct{}

func (unreachablePresence) IsReachable(context.Context, string) (bool, error) { return false, nil }

// allowAllContacts is the fallback when no contact graph is wired.
type allowAllContacts struct{}

func (allowAllContacts) AreContacts(context.Context, string, string) (bool, error) {
	return true, nil
}
