package realtime

import (
	"context"
	"sync"
	"time"
)

// Session represents one connected websocket for one user.
//
// Design notes:
//   - outbound is intentionally NOT closed by the server to avoid panics from concurrent deliverers.
//   - done is used to signal goroutines to stop; Close is idempotent.
//   - While history replay runs, live deliveries are parked in pending and flushed after the
//     replayed frames, so a reconnecting client sees stored history before anything new.
//     Parked frames are flushed with the same blocking enqueue as the replay; only a session
//     that closes (or more than maxPendingDuringReplay parked frames) loses them.
type Session struct {
	ID        string
	UserID    string
	Role      Role
	Connected time.Time

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	replaying bool
	replayed  map[string]struct{}
	pending   []pendingFrame
}

type pendingFrame struct {
	msgID   string
	payload []byte
}

// NewSession constructs a Session with a bounded send queue.
func NewSession(userID string, role Role, sendQueueSize int) *Session {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	now := time.Now().UTC()
	id, err := NewSessionID(now)
	if err != nil {
		// Entropy failure: fall back to a time-derived id; it is only a map key.
		id = now.Format("20060102T150405.000000000")
	}
	return &Session{
		ID:        id,
		UserID:    userID,
		Role:      role,
		Connected: now,
		outbound:  make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Outbound is the queue drained by the connection writer.
func (s *Session) Outbound() <-chan []byte { return s.outbound }

// Done returns a channel that is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the session goroutines to stop (idempotent).
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliver queues a live message frame. Non-blocking: a full queue or closed session drops it.
// During replay the frame is parked and the call reports success.
func (s *Session) deliver(msgID string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.replaying {
		if len(s.pending) >= maxPendingDuringReplay {
			return false
		}
		s.pending = append(s.pending, pendingFrame{msgID: msgID, payload: payload})
		return true
	}
	return s.offer(payload)
}

// offer is a non-blocking enqueue.
func (s *Session) offer(payload []byte) bool {
	if s.closed() {
		return false
	}
	select {
	case s.outbound <- payload:
		return true
	default:
		return false
	}
}

// enqueueWait blocks until payload is queued, the session closes or ctx ends.
func (s *Session) enqueueWait(ctx context.Context, payload []byte) error {
	if s.closed() {
		return ErrSessionClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.outbound <- payload:
		return nil
	}
}

// beginReplay gates live deliveries until takePending finds nothing parked, or abortReplay.
func (s *Session) beginReplay() {
	s.mu.Lock()
	s.replaying = true
	s.replayed = make(map[string]struct{})
	s.pending = nil
	s.mu.Unlock()
}

// markReplayed records a message id already sent by the replay.
func (s *Session) markReplayed(msgID string) {
	s.mu.Lock()
	if s.replayed != nil {
		s.replayed[msgID] = struct{}{}
	}
	s.mu.Unlock()
}

// takePending hands out the parked live frames the replay did not already carry, clearing
// them under the lock. When nothing is parked it lifts the gate and reports done, so a
// frame is either parked and returned here or queued directly, never neither.
func (s *Session) takePending() (frames []pendingFrame, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		s.replayed = nil
		s.replaying = false
		return nil, true
	}
	frames = make([]pendingFrame, 0, len(s.pending))
	for _, p := range s.pending {
		if _, dup := s.replayed[p.msgID]; dup {
			continue
		}
		frames = append(frames, p)
	}
	s.pending = nil
	return frames, false
}

// abortReplay lifts the gate without flushing and returns how many parked frames were discarded.
func (s *Session) abortReplay() (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped = len(s.pending)
	s.pending = nil
	s.replayed = nil
	s.replaying = false
	return dropped
}
