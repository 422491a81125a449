package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "propchat/contracts/chat/v1"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type failingStore struct {
	*InMemoryStore
	insertErr error
	findErr   error
}

func (f *failingStore) Insert(ctx context.Context, in NewMessage) (StoredMessage, error) {
	if f.insertErr != nil {
		return StoredMessage{}, f.insertErr
	}
	return f.InMemoryStore.Insert(ctx, in)
}

func (f *failingStore) FindByReceiver(ctx context.Context, userID string) ([]StoredMessage, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.InMemoryStore.FindByReceiver(ctx, userID)
}

type outFrame struct {
	ID          string  `json:"id"`
	SenderID    string  `json:"senderId"`
	ReceiverID  string  `json:"receiverId"`
	Content     string  `json:"content"`
	ContextID   *string `json:"contextId"`
	SelfMessage bool    `json:"selfMessage"`
	Error       string  `json:"error"`
}

func readOut(t *testing.T, s *Session) []outFrame {
	t.Helper()

	var out []outFrame
	for _, raw := range drain(s) {
		var f outFrame
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			t.Fatalf("decode outbound %q: %v", raw, err)
		}
		out = append(out, f)
	}
	return out
}

func newTestRouter(t *testing.T, store MessageStore) *Router {
	t.Helper()
	return NewRouter(nil, NewRegistry(nil), store, WithRouterMetrics(NewMetrics(nil)))
}

func connect(t *testing.T, r *Router, userID string, role Role) *Session {
	t.Helper()

	s := NewSession(userID, role, 64)
	if err := r.OnConnect(context.Background(), s); err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	t.Cleanup(func() { r.OnDisconnect(s) })
	return s
}

func send(t *testing.T, r *Router, s *Session, frame string) {
	t.Helper()
	r.HandleInbound(context.Background(), s, []byte(frame))
}

func TestRouter_NoStaffAvailable(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	r := newTestRouter(t, store)
	user := connect(t, r, newObjectID(), RoleUser)

	send(t, r, user, `{"content":"is this flat still available?"}`)

	got := readOut(t, user)
	if len(got) != 1 || got[0].Error != v1.ErrTextNoStaff {
		t.Fatalf("expected no-staff error, got %+v", got)
	}
	if len(store.msgs) != 0 {
		t.Fatalf("nothing must be stored, got %d", len(store.msgs))
	}
}

func TestRouter_UnaddressedGoesToStaffWithEcho(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	r := newTestRouter(t, store)
	lawyer := connect(t, r, newObjectID(), RoleLawyer)
	user := connect(t, r, newObjectID(), RoleUser)
	listing := newObjectID()

	send(t, r, user, `{"content":"  hello  ","contextId":"`+strings.ToUpper(listing)+`"}`)

	staffGot := readOut(t, lawyer)
	if len(staffGot) != 1 {
		t.Fatalf("staff frames: %+v", staffGot)
	}
	d := staffGot[0]
	if d.SenderID != user.UserID || d.ReceiverID != lawyer.UserID || d.Content != "  hello  " || d.SelfMessage {
		t.Fatalf("staff delivery mismatch: %+v", d)
	}
	if d.ContextID == nil || *d.ContextID != listing {
		t.Fatalf("context not normalized: %+v", d.ContextID)
	}

	echo := readOut(t, user)
	if len(echo) != 1 || !echo[0].SelfMessage || echo[0].ID != d.ID {
		t.Fatalf("echo mismatch: %+v", echo)
	}

	stored, _ := store.FindByReceiver(context.Background(), lawyer.UserID)
	if len(stored) != 1 || stored[0].ID != d.ID {
		t.Fatalf("expected exactly one stored message, got %+v", stored)
	}
}

func TestRouter_StaffNeverRoutedToThemselves(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, NewInMemoryStore())
	admin := connect(t, r, newObjectID(), RoleAdmin)

	send(t, r, admin, `{"content":"anyone?"}`)
	got := readOut(t, admin)
	if len(got) != 1 || got[0].Error != v1.ErrTextNoStaff {
		t.Fatalf("expected no-staff error for lone staff, got %+v", got)
	}

	other := connect(t, r, newObjectID(), RoleAdmin)
	send(t, r, admin, `{"content":"anyone?"}`)
	if got := readOut(t, other); len(got) != 1 || got[0].SenderID != admin.UserID {
		t.Fatalf("expected delivery to other staff, got %+v", got)
	}
}

func TestRouter_OfflineReceiverReplayBeforeNew(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	r := newTestRouter(t, store)
	sender := connect(t, r, newObjectID(), RoleUser)
	bob := newObjectID()

	send(t, r, sender, `{"content":"one","receiverId":"`+bob+`"}`)
	send(t, r, sender, `{"content":"two","receiverId":"`+bob+`"}`)
	if echoes := readOut(t, sender); len(echoes) != 2 {
		t.Fatalf("expected 2 echoes, got %+v", echoes)
	}

	bobSess := connect(t, r, bob, RoleUser)
	send(t, r, sender, `{"content":"three","receiverId":"`+bob+`"}`)

	got := readOut(t, bobSess)
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("bob frames: %+v", got)
	}
	for i := range want {
		if got[i].Content != want[i] || got[i].SelfMessage {
			t.Fatalf("bob frame[%d]: %+v", i, got[i])
		}
	}
}

func TestRouter_ReplayIsAtLeastOnce(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, NewInMemoryStore())
	sender := connect(t, r, newObjectID(), RoleUser)
	bob := newObjectID()
	send(t, r, sender, `{"content":"hi","receiverId":"`+bob+`"}`)

	first := connect(t, r, bob, RoleUser)
	if got := readOut(t, first); len(got) != 1 {
		t.Fatalf("first connect replay: %+v", got)
	}
	r.OnDisconnect(first)

	second := connect(t, r, bob, RoleUser)
	if got := readOut(t, second); len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("reconnect replay: %+v", got)
	}
}

func TestRouter_FanOutToEveryConnection(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, NewInMemoryStore())
	sender := connect(t, r, newObjectID(), RoleUser)
	bob := newObjectID()
	phone := connect(t, r, bob, RoleUser)
	laptop := connect(t, r, bob, RoleUser)

	send(t, r, sender, `{"content":"ping","receiverId":"`+bob+`"}`)

	for name, s := range map[string]*Session{"phone": phone, "laptop": laptop} {
		got := readOut(t, s)
		if len(got) != 1 || got[0].Content != "ping" {
			t.Fatalf("%s frames: %+v", name, got)
		}
	}
}

func TestRouter_InvalidFrames(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	r := newTestRouter(t, store)
	connect(t, r, newObjectID(), RoleAdmin)
	user := connect(t, r, newObjectID(), RoleUser)

	cases := []struct {
		name  string
		frame string
		want  string
	}{
		{"not json", `hello`, v1.ErrTextInvalidMessage},
		{"array", `[1,2]`, v1.ErrTextInvalidMessage},
		{"blank content", `{"content":"   "}`, v1.ErrTextInvalidMessage},
		{"too long", `{"content":"` + strings.Repeat("x", v1.MaxContentChars+1) + `"}`, v1.ErrTextTooLong},
		{"bad receiver", `{"content":"x","receiverId":"nope"}`, v1.ErrTextInvalidReceiver},
		{"bad context", `{"content":"x","contextId":"123"}`, v1.ErrTextInvalidContext},
	}
	for _, tc := range cases {
		send(t, r, user, tc.frame)
		got := readOut(t, user)
		if len(got) != 1 || got[0].Error != tc.want {
			t.Fatalf("%s: expected error %q, got %+v", tc.name, tc.want, got)
		}
	}
	if len(store.msgs) != 0 {
		t.Fatalf("invalid frames must not be stored, got %d", len(store.msgs))
	}

	// The connection stays usable.
	send(t, r, user, `{"content":"fine"}`)
	if got := readOut(t, user); len(got) != 1 || !got[0].SelfMessage {
		t.Fatalf("expected echo after errors, got %+v", got)
	}
}

func TestRouter_StoreFailureReportsNotSent(t *testing.T) {
	t.Parallel()

	store := &failingStore{InMemoryStore: NewInMemoryStore(), insertErr: errors.New("disk on fire")}
	r := newTestRouter(t, store)
	staff := connect(t, r, newObjectID(), RoleLawyer)
	user := connect(t, r, newObjectID(), RoleUser)

	send(t, r, user, `{"content":"hello"}`)

	if got := readOut(t, user); len(got) != 1 || got[0].Error != v1.ErrTextNotSent {
		t.Fatalf("expected not-sent error, got %+v", got)
	}
	if got := readOut(t, staff); len(got) != 0 {
		t.Fatalf("nothing must be delivered when persistence fails, got %+v", got)
	}
}

func TestRouter_ReplayQueryFailureKeepsConnection(t *testing.T) {
	t.Parallel()

	store := &failingStore{InMemoryStore: NewInMemoryStore(), findErr: errors.New("timeout")}
	r := newTestRouter(t, store)

	s := NewSession(newObjectID(), RoleUser, 8)
	if err := r.OnConnect(context.Background(), s); err != nil {
		t.Fatalf("connect must succeed without replay: %v", err)
	}
	if !r.Registry().IsOnline(s.UserID) {
		t.Fatalf("session must be registered")
	}
	r.OnDisconnect(s)
}

func TestRouter_ConnectRejectsInvalidUser(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, NewInMemoryStore())
	if err := r.OnConnect(context.Background(), NewSession("bob", RoleUser, 8)); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if r.Registry().OnlineUsers() != 0 {
		t.Fatalf("invalid session must not be registered")
	}
}

func TestRouter_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, NewInMemoryStore())
	s := connect(t, r, newObjectID(), RoleUser)

	r.OnDisconnect(s)
	r.OnDisconnect(s)
	r.OnDisconnect(nil)

	if r.Registry().IsOnline(s.UserID) {
		t.Fatalf("expected offline")
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("session must be closed")
	}
}

func TestRouter_LiveMessageDuringBackedUpReplayIsDelivered(t *testing.T) {
	t.Parallel()

	m := NewMetrics(nil)
	r := NewRouter(nil, NewRegistry(nil), NewInMemoryStore(), WithRouterMetrics(m))
	sender := connect(t, r, newObjectID(), RoleUser)
	bob := newObjectID()

	for _, c := range []string{"one", "two", "three"} {
		send(t, r, sender, `{"content":"`+c+`","receiverId":"`+bob+`"}`)
	}
	drain(sender)

	// Queue smaller than the inbox: replay must block on the third frame.
	bobSess := NewSession(bob, RoleUser, 2)
	t.Cleanup(func() { r.OnDisconnect(bobSess) })

	connErr := make(chan error, 1)
	go func() { connErr <- r.OnConnect(context.Background(), bobSess) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(bobSess.outbound) < cap(bobSess.outbound) {
		if time.Now().After(deadline) {
			t.Fatalf("replay never filled the queue")
		}
		time.Sleep(time.Millisecond)
	}

	send(t, r, sender, `{"content":"live","receiverId":"`+bob+`"}`)

	var got []string
	timeout := time.After(3 * time.Second)
	connected := false
	for len(got) < 4 || !connected {
		select {
		case raw := <-bobSess.Outbound():
			var f outFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got = append(got, f.Content)
		case err := <-connErr:
			if err != nil {
				t.Fatalf("connect: %v", err)
			}
			connected = true
		case <-timeout:
			t.Fatalf("frames received: %v (connected=%v)", got, connected)
		}
	}

	want := []string{"one", "two", "three", "live"}
	if len(got) != len(want) {
		t.Fatalf("frames: got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame[%d]: got=%q want=%q", i, got[i], want[i])
		}
	}
	if extra := drain(bobSess); len(extra) != 0 {
		t.Fatalf("duplicate frames: %v", extra)
	}
	if n := testutil.ToFloat64(m.Deliveries.WithLabelValues("live", "dropped")); n != 0 {
		t.Fatalf("live drops recorded: %v", n)
	}
	if n := testutil.ToFloat64(m.Deliveries.WithLabelValues("replay", "ok")); n != 3 {
		t.Fatalf("replay deliveries: got=%v want=3", n)
	}
}

func TestRouter_FailedSessionDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	m := NewMetrics(nil)
	r := NewRouter(nil, NewRegistry(nil), NewInMemoryStore(), WithRouterMetrics(m))
	sender := connect(t, r, newObjectID(), RoleUser)
	bob := newObjectID()

	closed := connect(t, r, bob, RoleUser)
	closed.Close()

	full := NewSession(bob, RoleUser, 1)
	if err := r.OnConnect(context.Background(), full); err != nil {
		t.Fatalf("connect full: %v", err)
	}
	t.Cleanup(func() { r.OnDisconnect(full) })
	if !full.offer([]byte(`{"id":"filler"}`)) {
		t.Fatalf("prefill failed")
	}

	healthy := connect(t, r, bob, RoleUser)

	send(t, r, sender, `{"content":"offer accepted","receiverId":"`+bob+`"}`)

	if got := readOut(t, healthy); len(got) != 1 || got[0].Content != "offer accepted" {
		t.Fatalf("healthy session frames: %+v", got)
	}
	if got := readOut(t, sender); len(got) != 1 || !got[0].SelfMessage {
		t.Fatalf("sender echo: %+v", got)
	}
	if got := drain(full); len(got) != 1 {
		t.Fatalf("full session should hold only the filler: %v", got)
	}
	if n := testutil.ToFloat64(m.Deliveries.WithLabelValues("live", "dropped")); n != 2 {
		t.Fatalf("live drops: got=%v want=2", n)
	}
}

func TestRouter_ConcurrentSendsDuringReplayKeepOrder(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, NewInMemoryStore())
	sender := connect(t, r, newObjectID(), RoleUser)
	bob := newObjectID()
	send(t, r, sender, `{"content":"stored","receiverId":"`+bob+`"}`)

	bobSess := NewSession(bob, RoleUser, 1)
	t.Cleanup(func() { r.OnDisconnect(bobSess) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.OnConnect(context.Background(), bobSess); err != nil {
			t.Errorf("connect: %v", err)
		}
	}()

	var got []string
	for _, c := range []string{"a", "b", "c"} {
		send(t, r, sender, `{"content":"`+c+`","receiverId":"`+bob+`"}`)
	}

	timeout := time.After(3 * time.Second)
	for len(got) < 4 {
		select {
		case raw := <-bobSess.Outbound():
			var f outFrame
			_ = json.Unmarshal(raw, &f)
			got = append(got, f.Content)
		case <-timeout:
			t.Fatalf("frames received: %v", got)
		}
	}
	wg.Wait()

	// Each live send races the connect; whether it is replayed or parked, order must hold.
	if got[0] != "stored" {
		t.Fatalf("history must come first: %v", got)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i+1] != want[i] {
			t.Fatalf("live order: got=%v", got)
		}
	}
}
