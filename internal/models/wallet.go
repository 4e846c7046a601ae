package models

import "time"

// Wallet is a relay profile for one wallet address. The used-bytes counter
// is a cache of the mailbox total and is reconciled from the mailbox after
// every ack, purge, and expiry sweep.
type Wallet struct {
	Address    string    `json:"wallet"`
	QuotaBytes *int64    `json:"quotaBytes,omitempty"` // per-wallet override, nil = server default
	UsedBytes  int64     `json:"usedBytes"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
