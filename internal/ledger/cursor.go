package ledger

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/DesideApp/cypherpunk-hackathon-sub001/internal/relayerr"
)

// cursor is the decoded form of an opaque conversation-list cursor.
// Keyset pagination on (updatedAt, id) stays stable while conversations
// keep moving to the top of the list.
type cursor struct {
	// Nanosecond precision: the stores keep sub-millisecond timestamps,
	// and a truncating cursor would skip rows inside the lost window.
	UpdatedAt int64  `json:"u"` // unix nanos
	ID        string `json:"id"`
}

// encodeCursor produces the opaque cursor for the last item of a page.
func encodeCursor(updatedAt time.Time, id string) string {
	b, _ := json.Marshal(cursor{UpdatedAt: updatedAt.UnixNano(), ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeCursor parses an opaque cursor. An empty cursor means "from the
// top" and returns zero values.
func decodeCursor(raw string) (time.Time, string, error) {
	if raw == "" {
		return time.Time{}, "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return time.Time{}, "", relayerr.New(relayerr.CodeInvalidRequest, "malformed cursor")
	}
	var c cursor
	if err := json.Unmarshal(b, &c); err != nil || c.ID == "" {
		return time.Time{}, "", relayerr.New(relayerr.CodeInvalidRequest, "malformed cursor")
	}
	return time.Unix(0, c.UpdatedAt).UTC(), c.ID, nil
}
