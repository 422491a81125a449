package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DecodeReason classifies why an inbound frame was rejected.
type DecodeReason string

const (
	ReasonNotJSON        DecodeReason = "not_json"
	ReasonNotObject      DecodeReason = "not_object"
	ReasonBadField       DecodeReason = "bad_field"
	ReasonMissingContent DecodeReason = "missing_content"
	ReasonTooLong        DecodeReason = "too_long"
)

// DecodeError is returned by DecodeInbound for any frame that is not a valid InboundFrame.
type DecodeError struct {
	Reason DecodeReason
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode inbound: %s", e.Reason)
	}
	return fmt.Sprintf("decode inbound: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// WireText maps the reason to the error text sent to the client.
func (e *DecodeError) WireText() string {
	if e.Reason == ReasonTooLong {
		return ErrTextTooLong
	}
	return ErrTextInvalidMessage
}

// DecodeInbound strictly decodes a client frame.
//
// Unknown fields are ignored. Blank receiverId/contextId are treated as absent.
// Content is kept as sent; it must contain a non-space character and be at most
// MaxContentChars runes.
func DecodeInbound(data []byte) (InboundFrame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return InboundFrame{}, &DecodeError{Reason: ReasonNotJSON}
	}
	if trimmed[0] != '{' {
		return InboundFrame{}, &DecodeError{Reason: ReasonNotObject}
	}

	var f InboundFrame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return InboundFrame{}, &DecodeError{Reason: ReasonBadField, Err: err}
	}

	if strings.TrimSpace(f.Content) == "" {
		return InboundFrame{}, &DecodeError{Reason: ReasonMissingContent}
	}
	if utf8.RuneCountInString(f.Content) > MaxContentChars {
		return InboundFrame{}, &DecodeError{Reason: ReasonTooLong}
	}

	f.ReceiverID = blankToNil(f.ReceiverID)
	f.ContextID = blankToNil(f.ContextID)
	return f, nil
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
