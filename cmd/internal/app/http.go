package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"propchat/cmd/internal/realtime"
	v1 "propchat/contracts/chat/v1"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the full HTTP handler: middleware chain plus every route.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, a.cfg, a.log) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := contextWithTimeout(r, 2*time.Second)
		defer cancel()

		if err := a.backend.Ping(ctx); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.store.not_ready", "store", a.backend.kind, "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))

	r.Handle("/ws", a.ws)

	r.Route("/presence", func(r chi.Router) {
		r.Get("/staff", a.handleOnlineStaff)
		r.Get("/{userId}", a.handlePresence)
	})

	r.Route("/messages", func(r chi.Router) {
		r.Get("/conversation", a.handleConversation)
		r.Post("/{id}/read", a.handleMarkRead)
	})

	return WithRequestLogging(r, a.log)
}

func (a *App) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := realtime.NormalizeID(chi.URLParam(r, "userId"))
	if !realtime.ValidID(userID) {
		writeJSONError(w, http.StatusBadRequest, v1.ErrTextInvalidUser)
		return
	}
	writeJSON(w, http.StatusOK, a.router.Registry().Presence(userID))
}

func (a *App) handleOnlineStaff(w http.ResponseWriter, _ *http.Request) {
	staff := a.router.Registry().OnlineStaff()
	writeJSON(w, http.StatusOK, map[string]any{"staff": staff})
}

// handleConversation serves GET /messages/conversation?userA=&userB=&limit=.
func (a *App) handleConversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userA := realtime.NormalizeID(q.Get("userA"))
	userB := realtime.NormalizeID(q.Get("userB"))
	if !realtime.ValidID(userA) || !realtime.ValidID(userB) {
		writeJSONError(w, http.StatusBadRequest, v1.ErrTextInvalidUser)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	msgs, err := a.backend.store.FindConversation(ctx, userA, userB, limit)
	if err != nil {
		a.log.Error("history.query.fail", "request_id", RequestIDFromContext(r.Context()), "err", err)
		writeJSONError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	out := make([]v1.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.MessageRecord{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Content:    m.Content,
			ContextID:  m.ContextID,
			Timestamp:  m.Timestamp,
			Read:       m.Read,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleMarkRead serves POST /messages/{id}/read?userId=. Only the receiver can mark a message read.
func (a *App) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	reader := realtime.NormalizeID(r.URL.Query().Get(v1.QueryUserID))
	if id == "" || !realtime.ValidID(reader) {
		writeJSONError(w, http.StatusBadRequest, v1.ErrTextInvalidUser)
		return
	}

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	ok, err := a.backend.store.MarkRead(ctx, id, reader)
	if err != nil {
		a.log.Error("message.mark_read.fail", "request_id", RequestIDFromContext(r.Context()), "message_id", id, "err", err)
		writeJSONError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, text string) {
	writeJSON(w, status, v1.ErrorFrame{Error: text})
}

// runtimeBaseURL turns a listen address into a URL clients on this host can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
