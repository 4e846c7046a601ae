// Package relayerr defines the typed error surface shared by the relay
// components and mapped onto HTTP statuses at the handler layer.
package relayerr

import (
	"errors"
	"fmt"
)

// Code identifies a relay failure class.
type Code string

const (
	// Validation: malformed address, id, or payload. Rejected before any I/O.
	CodeInvalidRequest Code = "invalid-request"

	// Policy: the caller can remediate (become contacts, or retry with force).
	CodeNotMutualContact Code = "not-mutual-contact"
	CodeRecipientOnline  Code = "recipient-online"

	// Resource: quota pressure, with details for client-side remediation.
	CodeQuotaExceeded   Code = "relay-quota-exceeded"
	CodePayloadTooLarge Code = "payload-too-large"

	// Not found.
	CodeRecipientNotFound Code = "recipient-not-found"
	CodeNotFound          Code = "not-found"

	// Infrastructure: store unavailable or relay switched off.
	CodeRelayDisabled Code = "relay-disabled"
	CodeInternal      Code = "internal-error"
)

// WarnOverflowGrace is the warning surfaced when an enqueue lands in the
// soft-overflow band between the quota ceiling and the grace limit.
const WarnOverflowGrace = "relay-overflow-grace"

// Error carries a code plus structured details for the client.
type Error struct {
	Code    Code           `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail fields and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the Code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeInternal
}

// Is reports whether err is a relay error with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
