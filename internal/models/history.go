package models

import "time"

// MessageSource records which path produced a history message.
type MessageSource string

const (
	SourceRelay MessageSource = "relay"
	SourceOther MessageSource = "other"
)

// HistoryTimestamps are the only mutable fields of a history message
// besides soft deletion.
type HistoryTimestamps struct {
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}

// Attachment describes one attachment referenced by a history message.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size"`
	Mime string `json:"mime,omitempty"`
}

// HistoryMessage is the durable ledger record of one message. It outlives
// the relay mailbox entry it was copied from: (ConvID, Seq) is unique, and
// MessageID / ClientMsgID each guard against duplicate rows from retried
// enqueues.
type HistoryMessage struct {
	ConvID      string        `json:"convId"`
	Seq         int64         `json:"seq"`
	Sender      string        `json:"sender"`
	Source      MessageSource `json:"source"`
	MessageID   string        `json:"messageId,omitempty"`   // originating relay message id
	ClientMsgID string        `json:"clientMsgId,omitempty"` // client-local dedupe key

	Box     string            `json:"box"`
	BoxSize int64             `json:"boxSize"`
	IV      string            `json:"iv,omitempty"`
	Type    MessageType       `json:"messageType"`
	Meta    map[string]string `json:"meta,omitempty"`

	Timestamps  HistoryTimestamps `json:"timestamps"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	DeletedAt   *time.Time        `json:"deletedAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}
