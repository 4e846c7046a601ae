package models

import "time"

// MessageType classifies the payload carried by a relay message.
// The relay never inspects the ciphertext; the type is a client hint.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeFile   MessageType = "file"
	TypeImage  MessageType = "image"
	TypeAudio  MessageType = "audio"
	TypeVideo  MessageType = "video"
	TypeSystem MessageType = "system"
	TypeOther  MessageType = "other"
)

// ValidMessageType reports whether t is a known message type.
func ValidMessageType(t MessageType) bool {
	switch t {
	case TypeText, TypeFile, TypeImage, TypeAudio, TypeVideo, TypeSystem, TypeOther:
		return true
	}
	return false
}

// MessageStatus is the mailbox lifecycle state of a relay message.
// Acknowledgment deletes the record, so "acknowledged" never persists.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// MetaKeyAgreement is the meta key carrying a domain correlation id used
// for idempotent re-submission of agreement-related messages.
const MetaKeyAgreement = "agreementId"

// MetaKeyClientMsg is the meta key carrying the client-local dedupe key
// propagated into the conversation ledger.
const MetaKeyClientMsg = "clientMsgId"

// RelayMessage is a single encrypted message held in a recipient's mailbox
// until it is fetched and acknowledged, or reclaimed by the TTL sweep.
type RelayMessage struct {
	ID      string `json:"id"`      // client-supplied idempotency key (UUID)
	Receipt string `json:"receipt"` // server-assigned ULID, FIFO tiebreak
	From    string `json:"from"`
	To      string `json:"to"`

	Box     string            `json:"box"` // opaque ciphertext (base64 text)
	BoxSize int64             `json:"boxSize"`
	IV      string            `json:"iv,omitempty"`
	Type    MessageType       `json:"messageType"`
	Meta    map[string]string `json:"meta,omitempty"`

	Status      MessageStatus `json:"status"`
	EnqueuedAt  time.Time     `json:"enqueuedAt"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// AgreementID returns the domain correlation key from meta, if any.
func (m *RelayMessage) AgreementID() string {
	if m.Meta == nil {
		return ""
	}
	return m.Meta[MetaKeyAgreement]
}

// ClientMsgID returns the client-local dedupe key from meta, if any.
func (m *RelayMessage) ClientMsgID() string {
	if m.Meta == nil {
		return ""
	}
	return m.Meta[MetaKeyClientMsg]
}
