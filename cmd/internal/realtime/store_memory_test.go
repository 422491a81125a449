package realtime

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestInMemoryStore_Contract(t *testing.T) {
	t.Parallel()
	runStoreContract(t, NewInMemoryStore())
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	listing := newObjectID()
	rcv := newObjectID()
	m, err := s.Insert(ctx, NewMessage{SenderID: newObjectID(), ReceiverID: rcv, Content: "hi", ContextID: &listing})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	*m.ContextID = "mutated"

	got, err := s.FindByReceiver(ctx, rcv)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ContextID == nil || *got[0].ContextID != listing {
		t.Fatalf("stored message was mutated through returned copy: %+v", got)
	}
}

func TestInMemoryStore_ClockOption(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewInMemoryStore(WithMemoryClock(func() time.Time { return at }))

	m, err := s.Insert(context.Background(), NewMessage{SenderID: newObjectID(), ReceiverID: newObjectID(), Content: "x"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !m.Timestamp.Equal(at) {
		t.Fatalf("timestamp: got=%s want=%s", m.Timestamp, at)
	}
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewInMemoryStore()
	if _, err := s.Insert(ctx, NewMessage{SenderID: newObjectID(), ReceiverID: newObjectID(), Content: "x"}); err == nil {
		t.Fatalf("expected error on canceled context")
	}
}

func TestClampConversationLimit(t *testing.T) {
	t.Parallel()

	cases := map[int]int{0: defaultConversationLimit, -3: defaultConversationLimit, 10: 10, 10_000: maxConversationLimit}
	for in, want := range cases {
		if got := clampConversationLimit(in); got != want {
			t.Fatalf("clampConversationLimit(%d): got=%d want=%d", in, got, want)
		}
	}
}

func TestInMemoryStore_EvictionIsLogged(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	s := NewInMemoryStore(WithMemoryCapacity(2), WithMemoryLogger(log))
	ctx := context.Background()
	rcv := newObjectID()

	var first StoredMessage
	for i, c := range []string{"one", "two", "three"} {
		m, err := s.Insert(ctx, NewMessage{SenderID: newObjectID(), ReceiverID: rcv, Content: c})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if i == 0 {
			first = m
		}
	}

	got, err := s.FindByReceiver(ctx, rcv)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].Content != "two" || got[1].Content != "three" {
		t.Fatalf("expected the oldest message evicted, got %+v", got)
	}

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "store.memory.evict") || !strings.Contains(out, first.ID) {
		t.Fatalf("eviction not logged: %q", out)
	}
}

func TestInMemoryStore_KeepsContentAsSent(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	rcv := newObjectID()
	if _, err := s.Insert(context.Background(), NewMessage{SenderID: newObjectID(), ReceiverID: rcv, Content: "  two spaces  "}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, _ := s.FindByReceiver(context.Background(), rcv)
	if len(got) != 1 || got[0].Content != "  two spaces  " {
		t.Fatalf("content changed: %+v", got)
	}
}
