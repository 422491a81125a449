// Package v1 defines the propchat relay wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the smoke client and tests to keep the wire format authoritative.
package v1

import "time"

// Subprotocol is offered by clients that want a versioned handshake. It is optional.
const Subprotocol = "propchat.v1"

// Handshake query parameters.
const (
	QueryUserID = "userId"
	QueryRole   = "role"
)

// MaxContentChars bounds inbound content length (runes).
const MaxContentChars = 4000

// Error texts sent in ErrorFrame.Error (wire-stable).
const (
	ErrTextInvalidMessage  = "invalid message"
	ErrTextTooLong         = "message too long"
	ErrTextNoStaff         = "no staff available"
	ErrTextInvalidReceiver = "invalid receiverId"
	ErrTextInvalidContext  = "invalid contextId"
	ErrTextInvalidUser     = "invalid or missing userId"
	ErrTextInvalidRole     = "invalid role"
	ErrTextUnknownUser     = "unknown user"
	ErrTextNotSent         = "message not sent"
	ErrTextRateLimited     = "rate limited"
)

// InboundFrame is a chat message sent by a client.
// A nil ReceiverID routes the message to any available staff member.
type InboundFrame struct {
	Content    string  `json:"content"`
	ReceiverID *string `json:"receiverId,omitempty"`
	ContextID  *string `json:"contextId,omitempty"`
}

// DeliveryFrame carries a stored message to a recipient, or back to its sender as an echo.
type DeliveryFrame struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Content     string    `json:"content"`
	ContextID   *string   `json:"contextId"`
	Timestamp   time.Time `json:"timestamp"`
	SelfMessage bool      `json:"selfMessage,omitempty"`
}

// ErrorFrame is sent in place of a delivery frame.
type ErrorFrame struct {
	Error string `json:"error"`
}

// MessageRecord is a stored message as returned by the history endpoints.
type MessageRecord struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	ContextID  *string   `json:"contextId"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
}
