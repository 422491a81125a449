package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	v1 "propchat/contracts/chat/v1"
)

// Router resolves recipients, persists messages and fans them out to live sessions.
//
// Ordering: HandleInbound is called sequentially per session by the gateway read loop, and
// persistence completes before the next frame of that session is read. Frames of different
// sessions run concurrently; their relative order is whatever the store's timestamps say.
type Router struct {
	log      *slog.Logger
	registry *Registry
	store    MessageStore
	metrics  *Metrics
}

// RouterOption configures Router behavior.
type RouterOption func(*Router)

// WithRouterMetrics attaches Prometheus instruments.
func WithRouterMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// NewRouter constructs a Router. A nil store falls back to the in-memory store.
func NewRouter(log *slog.Logger, registry *Registry, store MessageStore, opts ...RouterOption) *Router {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry(log)
	}
	if store == nil {
		store = NewInMemoryStore(WithMemoryLogger(log))
	}
	r := &Router{log: log, registry: registry, store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Registry exposes the presence registry (read-only use by HTTP handlers).
func (r *Router) Registry() *Registry { return r.registry }

// OnConnect registers sess and replays every stored message addressed to its user,
// oldest first. Replay is at-least-once: the full inbox is sent on every connect.
//
// A store failure during replay is logged and the connection stays open without replay.
// An error is returned only for an invalid identity or when the session ends mid-replay.
func (r *Router) OnConnect(ctx context.Context, sess *Session) error {
	if sess == nil || !ValidID(sess.UserID) {
		return ErrInvalidUserID
	}

	sess.beginReplay()
	r.registry.Register(sess)
	r.metrics.presence(r.registry)

	replayed, err := r.replay(ctx, sess)
	r.metrics.replayed(replayed)
	r.metrics.deliveries("replay", true, replayed)

	flushed := 0
	if err == nil {
		flushed, err = r.flushPending(ctx, sess)
	}
	if err != nil {
		if dropped := sess.abortReplay(); dropped > 0 {
			r.log.Warn("relay.replay.pending_dropped", "user_id", sess.UserID, "session_id", sess.ID, "dropped", dropped)
			r.metrics.deliveries("live", false, dropped)
		}
		return err
	}

	r.log.Info("relay.connect", "user_id", sess.UserID, "session_id", sess.ID, "role", string(sess.Role), "replayed", replayed, "flushed", flushed)
	return nil
}

func (r *Router) replay(ctx context.Context, sess *Session) (int, error) {
	msgs, err := r.store.FindByReceiver(ctx, sess.UserID)
	if err != nil {
		r.log.Error("relay.replay.query_fail", "user_id", sess.UserID, "session_id", sess.ID, "err", err)
		return 0, nil
	}

	n := 0
	for _, m := range msgs {
		payload, err := json.Marshal(deliveryFrame(m, false))
		if err != nil {
			r.log.Error("relay.replay.encode_fail", "message_id", m.ID, "err", err)
			continue
		}
		sess.markReplayed(m.ID)
		if err := sess.enqueueWait(ctx, payload); err != nil {
			return n, fmt.Errorf("replay: %w", err)
		}
		n++
	}
	return n, nil
}

// flushPending queues the live frames parked during replay, blocking like the replay does,
// until nothing is left parked and the gate is lifted. Frames parked while a batch is being
// sent are picked up by the next round, so arrival order holds.
func (r *Router) flushPending(ctx context.Context, sess *Session) (int, error) {
	n := 0
	for {
		frames, done := sess.takePending()
		if done {
			return n, nil
		}
		for i, f := range frames {
			if err := sess.enqueueWait(ctx, f.payload); err != nil {
				if lost := len(frames) - i; lost > 0 {
					r.log.Warn("relay.replay.pending_dropped", "user_id", sess.UserID, "session_id", sess.ID, "dropped", lost)
					r.metrics.deliveries("live", false, lost)
				}
				return n, fmt.Errorf("flush pending: %w", err)
			}
			n++
		}
	}
}

// OnDisconnect unregisters sess and stops its goroutines. Safe to call more than once.
func (r *Router) OnDisconnect(sess *Session) {
	if sess == nil {
		return
	}
	if r.registry.Unregister(sess) {
		r.metrics.presence(r.registry)
		r.log.Info("relay.disconnect", "user_id", sess.UserID, "session_id", sess.ID)
	}
	sess.Close()
}

// HandleInbound decodes one raw client frame and routes it. Every failure is reported to the
// sender as an error frame; none of them close the connection.
func (r *Router) HandleInbound(ctx context.Context, sess *Session, raw []byte) {
	in, err := v1.DecodeInbound(raw)
	if err != nil {
		var de *v1.DecodeError
		text := v1.ErrTextInvalidMessage
		if errors.As(err, &de) {
			text = de.WireText()
		}
		r.log.Info("relay.frame.invalid", "session_id", sess.ID, "err", err)
		r.metrics.frame("invalid")
		r.sendError(sess, text)
		return
	}

	if _, err := r.Route(ctx, sess, in); err != nil {
		switch {
		case errors.Is(err, ErrInvalidReceiver):
			r.metrics.frame("invalid")
			r.sendError(sess, v1.ErrTextInvalidReceiver)
		case errors.Is(err, ErrInvalidContext):
			r.metrics.frame("invalid")
			r.sendError(sess, v1.ErrTextInvalidContext)
		case errors.Is(err, ErrNoStaff):
			r.metrics.frame("no_staff")
			r.sendError(sess, v1.ErrTextNoStaff)
		default:
			r.log.Error("relay.persist.fail", "session_id", sess.ID, "user_id", sess.UserID, "err", err)
			r.metrics.frame("store_error")
			r.sendError(sess, v1.ErrTextNotSent)
		}
		return
	}
	r.metrics.frame("accepted")
}

// Route resolves the receiver for in, persists the message, delivers it to every live session
// of the receiver and echoes it to sender. Persistence happens before any delivery; a message
// whose receiver is offline stays in the store for replay.
func (r *Router) Route(ctx context.Context, sender *Session, in v1.InboundFrame) (StoredMessage, error) {
	receiverID, err := r.resolveReceiver(sender.UserID, in.ReceiverID)
	if err != nil {
		return StoredMessage{}, err
	}

	var contextID *string
	if in.ContextID != nil {
		c := NormalizeID(*in.ContextID)
		if !ValidID(c) {
			return StoredMessage{}, ErrInvalidContext
		}
		contextID = &c
	}

	msg, err := r.store.Insert(ctx, NewMessage{
		SenderID:   sender.UserID,
		ReceiverID: receiverID,
		ContextID:  contextID,
		Content:    in.Content,
	})
	if err != nil {
		return StoredMessage{}, fmt.Errorf("persist message: %w", err)
	}

	r.fanout(msg)

	echo, err := json.Marshal(deliveryFrame(msg, true))
	if err == nil {
		ok := sender.deliver(msg.ID, echo)
		r.metrics.delivery("echo", ok)
		if !ok {
			r.log.Warn("relay.echo.drop", "session_id", sender.ID, "message_id", msg.ID)
		}
	}
	return msg, nil
}

func (r *Router) resolveReceiver(senderID string, explicit *string) (string, error) {
	if explicit != nil {
		id := NormalizeID(*explicit)
		if !ValidID(id) {
			return "", ErrInvalidReceiver
		}
		return id, nil
	}

	id, ok := r.registry.AnyStaffIDExcept(senderID)
	if !ok {
		return "", ErrNoStaff
	}
	r.log.Debug("relay.route.staff_assigned", "sender_id", senderID, "staff_id", id)
	return id, nil
}

// fanout delivers msg to every live session of its receiver. A full or closed session is
// skipped and logged; it never blocks delivery to the others.
func (r *Router) fanout(msg StoredMessage) {
	sessions := r.registry.ConnectionsFor(msg.ReceiverID)
	if len(sessions) == 0 {
		r.log.Debug("relay.deliver.offline", "receiver_id", msg.ReceiverID, "message_id", msg.ID)
		return
	}

	payload, err := json.Marshal(deliveryFrame(msg, false))
	if err != nil {
		r.log.Error("relay.deliver.encode_fail", "message_id", msg.ID, "err", err)
		return
	}

	for _, s := range sessions {
		ok := s.deliver(msg.ID, payload)
		r.metrics.delivery("live", ok)
		if !ok {
			r.log.Warn("relay.deliver.drop", "receiver_id", msg.ReceiverID, "session_id", s.ID, "message_id", msg.ID)
		}
	}
}

func (r *Router) sendError(sess *Session, text string) {
	payload, _ := json.Marshal(v1.ErrorFrame{Error: text})
	if !sess.offer(payload) {
		r.log.Warn("relay.error.drop", "session_id", sess.ID, "error", text)
	}
}

func deliveryFrame(m StoredMessage, self bool) v1.DeliveryFrame {
	return v1.DeliveryFrame{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		ContextID:   cloneStr(m.ContextID),
		Timestamp:   m.Timestamp,
		SelfMessage: self,
	}
}
