package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "propchat/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Query-parameter clients include mobile apps and server-side tools that send no Origin.
	wsDefaultOriginRequired = false
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Handshake is the identity a client asserts when connecting.
type Handshake struct {
	UserID string
	Role   Role
}

// ParseHandshake validates the connect query parameters (userId, role).
func ParseHandshake(q url.Values) (Handshake, error) {
	userID := NormalizeID(q.Get(v1.QueryUserID))
	if userID == "" || !ValidID(userID) {
		return Handshake{}, ErrInvalidUserID
	}
	role, err := ParseRole(q.Get(v1.QueryRole))
	if err != nil {
		return Handshake{}, err
	}
	return Handshake{UserID: userID, Role: role}, nil
}

// WSGateway is the WebSocket entrypoint for the relay.
//
// It enforces origin policy, the identity handshake, rate limits and heartbeats, and hands
// decoded frames to the Router one at a time per connection.
type WSGateway struct {
	log     *slog.Logger
	router  *Router
	dir     UserDirectory
	metrics *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// GatewayOption configures WSGateway behavior.
type GatewayOption func(*WSGateway)

// WithDirectory makes the handshake require a userId known to dir.
func WithDirectory(dir UserDirectory) GatewayOption {
	return func(g *WSGateway) { g.dir = dir }
}

// WithGatewayMetrics attaches Prometheus instruments.
func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway; knobs are read from PROPCHAT_WS_* env vars.
func NewWSGateway(log *slog.Logger, router *Router, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if router == nil {
		router = NewRouter(log, nil, nil)
	}

	g := &WSGateway{log: log, router: router}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	// NOTE: InsecureSkipVerify disables websocket.Accept's own origin check. Dev only.
	g.devInsecure = envBoolWS("PROPCHAT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PROPCHAT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PROPCHAT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy (same host, or OriginPatterns).
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PROPCHAT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	// Zero disables the idle cutoff; heartbeats detect dead peers.
	g.readIdleTimeout = envDurationWS("PROPCHAT_WS_READ_IDLE_TIMEOUT", 0)

	g.sendQueueSize = envIntWS("PROPCHAT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PROPCHAT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PROPCHAT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PROPCHAT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PROPCHAT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the relay loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.rejected("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	hs, hsErr := g.handshake(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Handshake failures are reported in-band, then the connection is closed.
	if hsErr != nil {
		text := handshakeErrText(hsErr)
		g.log.Info("ws.reject.handshake", "err", hsErr, "remote", r.RemoteAddr)
		g.metrics.rejected(text)
		writeCtx, cancel := context.WithTimeout(r.Context(), handshakeWriteTimeout)
		_ = writeJSON(writeCtx, conn, v1.ErrorFrame{Error: text})
		cancel()
		_ = conn.Close(websocket.StatusPolicyViolation, text)
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sess := NewSession(hs.UserID, hs.Role, g.sendQueueSize)
	g.metrics.connOpened()
	defer g.metrics.connClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Unregistering happens before the session is closed so no
	// router goroutine keeps delivering to a connection that is being torn down.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.router.OnDisconnect(sess)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case payload := <-sess.Outbound():
				if err := writeFrame(ctx, conn, payload, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sess.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sess.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Pings are answered by the read loop, so it must be running while replay blocks.
	frames := make(chan []byte)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(frames)
		g.readLoop(ctx, conn, sess, frames, shutdown)
	}()

	if err := g.router.OnConnect(ctx, sess); err != nil {
		g.log.Info("ws.connect.fail", "session_id", sess.ID, "err", err)
		shutdown(websocket.StatusInternalError, "connect failed")
	} else {
		rl := NewRateLimiter(g.rateEvents, g.rateWindow)
		for data := range frames {
			if !rl.Allow(time.Now()) {
				writeCtx, wcancel := context.WithTimeout(ctx, g.writeTimeout)
				_ = writeJSON(writeCtx, conn, v1.ErrorFrame{Error: v1.ErrTextRateLimited})
				wcancel()
				shutdown(websocket.StatusPolicyViolation, "rate limited")
				break
			}
			g.router.HandleInbound(ctx, sess, data)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	<-readDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// readLoop reads data frames and passes them to the handler goroutine one at a time.
// The unbuffered channel keeps at most one frame in flight, so a session's frames are
// persisted in the order they were read.
func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session, frames chan<- []byte, shutdown func(websocket.StatusCode, string)) {
	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if g.readIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, g.readIdleTimeout)
		}
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "session_id", sess.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (g *WSGateway) handshake(r *http.Request) (Handshake, error) {
	hs, err := ParseHandshake(r.URL.Query())
	if err != nil {
		return Handshake{}, err
	}
	if g.dir == nil {
		return hs, nil
	}

	ok, err := g.dir.Exists(r.Context(), hs.UserID)
	if err != nil {
		g.log.Error("ws.directory.fail", "user_id", hs.UserID, "err", err)
		return Handshake{}, fmt.Errorf("%w: %v", ErrUnknownUser, err)
	}
	if !ok {
		return Handshake{}, ErrUnknownUser
	}
	return hs, nil
}

func handshakeErrText(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRole):
		return v1.ErrTextInvalidRole
	case errors.Is(err, ErrUnknownUser):
		return v1.ErrTextUnknownUser
	default:
		return v1.ErrTextInvalidUser
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, payload []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
