package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeClock hands out a controllable time to a store's stamper.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start.UTC()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setStoreClock(t *testing.T, s MessageStore, now func() time.Time) {
	t.Helper()

	var st *stamper
	switch v := s.(type) {
	case *InMemoryStore:
		st = v.stamp
	case *PostgresStore:
		st = v.stamp
	case *MongoStore:
		st = v.stamp
	case *RedisStore:
		st = v.stamp
	default:
		t.Fatalf("setStoreClock: unsupported store %T", s)
	}
	st.mu.Lock()
	st.now = now
	st.mu.Unlock()
}

func newObjectID() string { return primitive.NewObjectID().Hex() }

// runStoreContract checks the MessageStore behavior every backend must share.
// Each backend test passes a fresh, empty store.
func runStoreContract(t *testing.T, s MessageStore) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Round to the coarsest backend precision so assertions hold everywhere.
	clock := newFakeClock(time.Now().Add(-10 * 24 * time.Hour).Truncate(time.Millisecond))
	setStoreClock(t, s, clock.Now)

	alice, bob, staff := newObjectID(), newObjectID(), newObjectID()
	listing := newObjectID()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if _, err := s.Insert(ctx, NewMessage{SenderID: alice, ReceiverID: bob}); err != ErrInvalidMessage {
		t.Fatalf("insert empty content: expected ErrInvalidMessage got=%v", err)
	}

	// Old batch: three days back.
	m1, err := s.Insert(ctx, NewMessage{SenderID: alice, ReceiverID: bob, Content: "first", ContextID: &listing})
	if err != nil {
		t.Fatalf("insert m1: %v", err)
	}
	clock.Advance(time.Second)
	m2, err := s.Insert(ctx, NewMessage{SenderID: staff, ReceiverID: bob, Content: "second"})
	if err != nil {
		t.Fatalf("insert m2: %v", err)
	}

	// Recent batch.
	clock.Advance(5 * 24 * time.Hour)
	m3, err := s.Insert(ctx, NewMessage{SenderID: bob, ReceiverID: alice, Content: "reply"})
	if err != nil {
		t.Fatalf("insert m3: %v", err)
	}
	// Same instant: order must still follow insertion.
	m4, err := s.Insert(ctx, NewMessage{SenderID: alice, ReceiverID: bob, Content: "third"})
	if err != nil {
		t.Fatalf("insert m4: %v", err)
	}

	if m1.ID == "" || m1.ID == m2.ID {
		t.Fatalf("expected distinct non-empty ids: %q %q", m1.ID, m2.ID)
	}
	if m1.ContextID == nil || *m1.ContextID != listing {
		t.Fatalf("m1 context: got=%v want=%s", m1.ContextID, listing)
	}
	if m2.ContextID != nil {
		t.Fatalf("m2 context: expected nil got=%v", *m2.ContextID)
	}
	if m4.Timestamp.Before(m3.Timestamp) || m2.Timestamp.Before(m1.Timestamp) {
		t.Fatalf("timestamps decreased")
	}

	// Clock going backwards must not reorder.
	clock.Advance(-time.Hour)
	m5, err := s.Insert(ctx, NewMessage{SenderID: staff, ReceiverID: bob, Content: "fourth"})
	if err != nil {
		t.Fatalf("insert m5: %v", err)
	}
	if m5.Timestamp.Before(m4.Timestamp) {
		t.Fatalf("timestamp went backwards: m4=%s m5=%s", m4.Timestamp, m5.Timestamp)
	}
	clock.Advance(time.Hour)

	inbox, err := s.FindByReceiver(ctx, bob)
	if err != nil {
		t.Fatalf("find bob: %v", err)
	}
	assertIDs(t, "bob inbox", inbox, m1.ID, m2.ID, m4.ID, m5.ID)
	if inbox[0].Content != "first" || inbox[0].SenderID != alice || inbox[0].ReceiverID != bob {
		t.Fatalf("bob inbox[0] mismatch: %+v", inbox[0])
	}
	if inbox[0].ContextID == nil || *inbox[0].ContextID != listing {
		t.Fatalf("bob inbox[0] context mismatch: %+v", inbox[0].ContextID)
	}
	if !inbox[0].Timestamp.Equal(m1.Timestamp) {
		t.Fatalf("bob inbox[0] timestamp: got=%s want=%s", inbox[0].Timestamp, m1.Timestamp)
	}

	empty, err := s.FindByReceiver(ctx, newObjectID())
	if err != nil {
		t.Fatalf("find empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty inbox, got %d", len(empty))
	}

	conv, err := s.FindConversation(ctx, bob, alice, 2)
	if err != nil {
		t.Fatalf("find conversation: %v", err)
	}
	assertIDs(t, "conversation", conv, m3.ID, m4.ID)

	ok, err := s.MarkRead(ctx, m1.ID, alice)
	if err != nil {
		t.Fatalf("mark read wrong reader: %v", err)
	}
	if ok {
		t.Fatalf("mark read by non-receiver must not update")
	}
	ok, err = s.MarkRead(ctx, m1.ID, bob)
	if err != nil || !ok {
		t.Fatalf("mark read: ok=%v err=%v", ok, err)
	}

	// Retention: the cutoff is strict, so m3 (at the cutoff) survives.
	n, err := s.DeleteOlderThan(ctx, m3.Timestamp)
	if err != nil {
		t.Fatalf("delete older: %v", err)
	}
	if n != 2 {
		t.Fatalf("delete older: expected 2 removed got=%d", n)
	}

	inbox, err = s.FindByReceiver(ctx, bob)
	if err != nil {
		t.Fatalf("find bob after sweep: %v", err)
	}
	assertIDs(t, "bob inbox after sweep", inbox, m4.ID, m5.ID)

	again, err := s.DeleteOlderThan(ctx, m3.Timestamp)
	if err != nil {
		t.Fatalf("delete older again: %v", err)
	}
	if again != 0 {
		t.Fatalf("second sweep should remove nothing, got=%d", again)
	}
}

func assertIDs(t *testing.T, label string, got []StoredMessage, want ...string) {
	t.Helper()

	if len(got) != len(want) {
		ids := make([]string, 0, len(got))
		for _, m := range got {
			ids = append(ids, m.ID)
		}
		t.Fatalf("%s: expected %d messages got=%d (%v)", label, len(want), len(got), ids)
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("%s[%d]: got=%s want=%s", label, i, got[i].ID, want[i])
		}
	}
}
