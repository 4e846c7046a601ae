package models

import "time"

// MessagePreview is the denormalized last-message summary stored on a
// conversation for inbox rendering.
type MessagePreview struct {
	Sender string      `json:"sender"`
	Type   MessageType `json:"messageType"`
	Seq    int64       `json:"seq"`
	SentAt time.Time   `json:"sentAt"`
}

// Member is the per-participant state of a conversation.
type Member struct {
	Wallet      string     `json:"wallet"`
	LastReadSeq int64      `json:"lastReadSeq"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
	JoinedAt    time.Time  `json:"joinedAt"`
	Pinned      bool       `json:"pinned"`
	MutedUntil  *time.Time `json:"mutedUntil,omitempty"`
}

// Conversation is the durable, TTL-free record of an exchange between two
// or more wallets. SeqMax only increases and is bumped exactly once per
// inserted history message.
type Conversation struct {
	ID           string          `json:"id"` // canonical participant join
	Participants []string        `json:"participants"`
	Members      []Member        `json:"members"`
	SeqMax       int64           `json:"seqMax"`
	MessageCount int64           `json:"messageCount"`
	LastMessage  *MessagePreview `json:"lastMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ConversationSummary is a conversation as seen by one member, with the
// member's unread count precomputed.
type ConversationSummary struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	SeqMax       int64           `json:"seqMax"`
	MessageCount int64           `json:"messageCount"`
	LastMessage  *MessagePreview `json:"lastMessage,omitempty"`
	Unread       int64           `json:"unread"`
	LastReadSeq  int64           `json:"lastReadSeq"`
	Pinned       bool            `json:"pinned"`
	MutedUntil   *time.Time      `json:"mutedUntil,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}
