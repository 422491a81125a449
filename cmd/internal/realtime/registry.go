package realtime

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry is the process-wide presence registry: which users have open sessions and
// which of them are currently reachable as staff.
//
// Invariants (guarded by mu):
//   - a user has an entry iff it has at least one open session
//   - a user is in staffOrder iff at least one of its open sessions declared a staff role
//
// Staff selection policy: AnyStaffID returns the staff member that has been continuously
// online as staff the longest (insertion order). A staff user leaves the order only when
// its last staff session closes, and rejoins at the back.
//
// The router picks staff with AnyStaffIDExcept(sender), so an unaddressed message from a
// staff member never routes back to that same member. When the sender is the only staff
// online the result is "no staff available", where a plain first-in-order pick would have
// addressed the message to the sender.
type Registry struct {
	log *slog.Logger

	mu         sync.RWMutex
	users      map[string]*presence
	staffOrder []string
}

type presence struct {
	sessions   map[string]*Session
	staffConns int
}

// PresenceInfo is a point-in-time view of one user's presence.
type PresenceInfo struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
	Staff       bool   `json:"staff"`
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log,
		users: make(map[string]*presence),
	}
}

// Register adds sess to its user's connection set. Registering the same session twice is a no-op.
func (r *Registry) Register(sess *Session) {
	if r == nil || sess == nil || sess.UserID == "" {
		return
	}

	r.mu.Lock()
	p := r.users[sess.UserID]
	if p == nil {
		p = &presence{sessions: make(map[string]*Session)}
		r.users[sess.UserID] = p
	}
	if _, ok := p.sessions[sess.ID]; ok {
		r.mu.Unlock()
		return
	}
	p.sessions[sess.ID] = sess
	if sess.Role.IsStaff() {
		p.staffConns++
		if p.staffConns == 1 {
			r.staffOrder = append(r.staffOrder, sess.UserID)
		}
	}
	conns := len(p.sessions)
	r.mu.Unlock()

	r.log.Info("presence.register", "user_id", sess.UserID, "session_id", sess.ID, "role", string(sess.Role), "connections", conns)
}

// Unregister removes sess. Idempotent: unknown or already removed sessions are ignored.
// It reports whether the session was removed by this call.
func (r *Registry) Unregister(sess *Session) bool {
	if r == nil || sess == nil {
		return false
	}

	r.mu.Lock()
	p := r.users[sess.UserID]
	if p == nil {
		r.mu.Unlock()
		return false
	}
	if _, ok := p.sessions[sess.ID]; !ok {
		r.mu.Unlock()
		return false
	}

	delete(p.sessions, sess.ID)
	if sess.Role.IsStaff() {
		p.staffConns--
		if p.staffConns == 0 {
			r.removeStaffLocked(sess.UserID)
		}
	}
	conns := len(p.sessions)
	if conns == 0 {
		delete(r.users, sess.UserID)
		r.removeStaffLocked(sess.UserID)
	}
	r.mu.Unlock()

	r.log.Info("presence.unregister", "user_id", sess.UserID, "session_id", sess.ID, "connections", conns)
	return true
}

func (r *Registry) removeStaffLocked(userID string) {
	for i, id := range r.staffOrder {
		if id == userID {
			r.staffOrder = append(r.staffOrder[:i], r.staffOrder[i+1:]...)
			return
		}
	}
}

// IsOnline reports whether userID has at least one open session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// ConnectionsFor returns the open sessions of userID ordered by session id (connect order).
// The slice is a snapshot; it is empty when the user is offline.
func (r *Registry) ConnectionsFor(userID string) []*Session {
	r.mu.RLock()
	p := r.users[userID]
	if p == nil {
		r.mu.RUnlock()
		return nil
	}
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AnyStaffID returns the longest-online staff member, if any.
func (r *Registry) AnyStaffID() (string, bool) {
	return r.AnyStaffIDExcept("")
}

// AnyStaffIDExcept is AnyStaffID skipping exclude (used so staff never route to themselves).
func (r *Registry) AnyStaffIDExcept(exclude string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.staffOrder {
		if id != exclude {
			return id, true
		}
	}
	return "", false
}

// OnlineUsers returns the number of users with at least one open session.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// OnlineStaff returns the staff ids in selection order.
func (r *Registry) OnlineStaff() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.staffOrder...)
}

// Presence returns a snapshot of userID's presence.
func (r *Registry) Presence(userID string) PresenceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := PresenceInfo{UserID: userID}
	if p := r.users[userID]; p != nil {
		info.Online = true
		info.Connections = len(p.sessions)
		info.Staff = p.staffConns > 0
	}
	return info
}
