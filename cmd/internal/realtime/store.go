package realtime

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// StoredMessage is the canonical persisted chat message.
type StoredMessage struct {
	ID         string
	SenderID   string
	ReceiverID string
	ContextID  *string
	Content    string
	Timestamp  time.Time
	Read       bool
}

// NewMessage is an insert request. ReceiverID is always resolved before persistence.
type NewMessage struct {
	SenderID   string
	ReceiverID string
	ContextID  *string
	Content    string
}

func (m NewMessage) validate() error {
	if m.SenderID == "" || m.ReceiverID == "" || m.Content == "" {
		return ErrInvalidMessage
	}
	return nil
}

// MessageStore persists and queries chat messages.
//
// Requirements:
//   - Insert assigns ID and Timestamp; timestamps never decrease within one store instance
//   - FindByReceiver returns the full inbox ordered by timestamp ASC (ties by insertion)
//   - DeleteOlderThan removes messages with Timestamp < cutoff and reports how many
type MessageStore interface {
	Insert(ctx context.Context, in NewMessage) (StoredMessage, error)
	FindByReceiver(ctx context.Context, userID string) ([]StoredMessage, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// MarkRead flips Read for message id when readerID is its receiver.
	// It reports whether a message was updated.
	MarkRead(ctx context.Context, id, readerID string) (bool, error)
	// FindConversation returns the most recent messages exchanged between a and b, oldest first.
	FindConversation(ctx context.Context, a, b string, limit int) ([]StoredMessage, error)

	Ping(ctx context.Context) error
	Close() error
}

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 500
)

func clampConversationLimit(limit int) int {
	if limit <= 0 {
		return defaultConversationLimit
	}
	if limit > maxConversationLimit {
		return maxConversationLimit
	}
	return limit
}

// stamper assigns message ids and timestamps for one store instance.
// Timestamps are truncated to the backend's precision and clamped so they never go backwards;
// ids come from monotonic ULID entropy so equal timestamps still order by insertion.
type stamper struct {
	mu        sync.Mutex
	now       func() time.Time
	precision time.Duration
	last      time.Time
	entropy   io.Reader
}

func newStamper(precision time.Duration) *stamper {
	return &stamper{
		now:       time.Now,
		precision: precision,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

func (s *stamper) next() (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC().Truncate(s.precision)
	if ts.Before(s.last) {
		ts = s.last
	}
	s.last = ts

	id, err := ulid.New(ulid.Timestamp(ts), s.entropy)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("message id: %w", err)
	}
	return id.String(), ts, nil
}
