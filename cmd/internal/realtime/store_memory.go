package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const memMaxMessages = 100_000

// InMemoryStore is a dev-only fallback when no database is configured.
// Messages live in insertion order, which is also timestamp order.
type InMemoryStore struct {
	mu       sync.Mutex
	stamp    *stamper
	msgs     []StoredMessage
	capacity int
	log      *slog.Logger
}

// MemoryOption configures InMemoryStore behavior.
type MemoryOption func(*InMemoryStore)

// WithMemoryClock overrides the clock used to stamp messages.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.stamp.now = now
		}
	}
}

// WithMemoryCapacity bounds how many messages are kept; the oldest are evicted past it.
func WithMemoryCapacity(n int) MemoryOption {
	return func(s *InMemoryStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithMemoryLogger sets the logger used to report evictions.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(s *InMemoryStore) {
		if log != nil {
			s.log = log
		}
	}
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		stamp:    newStamper(time.Nanosecond),
		capacity: memMaxMessages,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Insert persists a message and assigns its id and timestamp.
func (s *InMemoryStore) Insert(ctx context.Context, in NewMessage) (StoredMessage, error) {
	if err := in.validate(); err != nil {
		return StoredMessage{}, err
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stamp under the store lock so slice order matches timestamp order.
	id, ts, err := s.stamp.next()
	if err != nil {
		return StoredMessage{}, err
	}

	msg := StoredMessage{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		ContextID:  cloneStr(in.ContextID),
		Content:    in.Content,
		Timestamp:  ts,
	}
	s.msgs = append(s.msgs, msg)

	// Bound memory to avoid unbounded growth in dev. Evicted messages are gone for replay too.
	if over := len(s.msgs) - s.capacity; over > 0 {
		s.log.Warn("store.memory.evict",
			"evicted", over,
			"capacity", s.capacity,
			"oldest_evicted_id", s.msgs[0].ID,
			"newest_evicted_at", s.msgs[over-1].Timestamp,
		)
		s.msgs = append([]StoredMessage(nil), s.msgs[over:]...)
	}
	return copyMsg(msg), nil
}

// FindByReceiver returns every message addressed to userID, oldest first.
func (s *InMemoryStore) FindByReceiver(ctx context.Context, userID string) ([]StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StoredMessage
	for _, m := range s.msgs {
		if m.ReceiverID == userID {
			out = append(out, copyMsg(m))
		}
	}
	return out, nil
}

// DeleteOlderThan drops messages with Timestamp strictly before cutoff.
func (s *InMemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Slice is timestamp ordered: everything before the first kept message goes.
	i := sort.Search(len(s.msgs), func(i int) bool { return !s.msgs[i].Timestamp.Before(cutoff) })
	if i == 0 {
		return 0, nil
	}
	s.msgs = append([]StoredMessage(nil), s.msgs[i:]...)
	return int64(i), nil
}

// MarkRead marks id as read when readerID is its receiver.
func (s *InMemoryStore) MarkRead(ctx context.Context, id, readerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.msgs {
		if s.msgs[i].ID == id && s.msgs[i].ReceiverID == readerID {
			s.msgs[i].Read = true
			return true, nil
		}
	}
	return false, nil
}

// FindConversation returns up to limit latest messages between a and b, oldest first.
func (s *InMemoryStore) FindConversation(ctx context.Context, a, b string, limit int) ([]StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampConversationLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StoredMessage
	for i := len(s.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.msgs[i]
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, copyMsg(m))
		}
	}
	reverseMsgs(out)
	return out, nil
}

func reverseMsgs(m []StoredMessage) {
	for i, j := 0, len(m)-1; i < j; i, j = i+1, j-1 {
		m[i], m[j] = m[j], m[i]
	}
}

func copyMsg(m StoredMessage) StoredMessage {
	m.ContextID = cloneStr(m.ContextID)
	return m
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
