// Package main provides a CI-friendly WebSocket smoke test for the propchat relay.
//
// It validates:
//   - handshake with userId/role query and optional subprotocol
//   - unaddressed user message routed to an online staff member
//   - self echo back to the sender
//   - addressed staff reply delivered to the user
//   - replay of stored messages on reconnect
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "propchat/contracts/chat/v1"

	"github.com/coder/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const maxReadBytes = 1 << 20 // 1MiB

type frame struct {
	v1.DeliveryFrame
	Error string `json:"error,omitempty"`
}

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "is the flat on Main St still available?", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	staffID := primitive.NewObjectID().Hex()
	userID := primitive.NewObjectID().Hex()

	staff := mustConnect(root, "staff", *wsURL, *origin, staffID, "admin", *timeout)
	user := mustConnect(root, "user", *wsURL, *origin, userID, "user", *timeout)
	defer closeWS(user.conn)

	if *verbose {
		fmt.Printf("connected: staff=%s user=%s origin=%q\n", staffID, userID, *origin)
	}

	// Presence registration races the first send; give the server a moment.
	time.Sleep(200 * time.Millisecond)

	mustWrite(root, user, v1.InboundFrame{Content: *text}, *timeout)

	echo := user.mustRead(root, *timeout)
	if !echo.SelfMessage || echo.ReceiverID != staffID || echo.Content != *text {
		fatalf("echo mismatch: %+v", echo.DeliveryFrame)
	}

	got := staff.mustRead(root, *timeout)
	if got.ID != echo.ID || got.SenderID != userID || got.SelfMessage {
		fatalf("staff delivery mismatch: %+v", got.DeliveryFrame)
	}

	reply := "yes, viewings on Saturday"
	mustWrite(root, staff, v1.InboundFrame{Content: reply, ReceiverID: &userID}, *timeout)
	_ = staff.mustRead(root, *timeout)

	back := user.mustRead(root, *timeout)
	if back.SenderID != staffID || back.Content != reply {
		fatalf("user delivery mismatch: %+v", back.DeliveryFrame)
	}

	closeWS(staff.conn)
	staff = mustConnect(root, "staff-reconnect", *wsURL, *origin, staffID, "admin", *timeout)
	defer closeWS(staff.conn)

	replayed := staff.mustRead(root, *timeout)
	if replayed.ID != echo.ID {
		fatalf("replay mismatch: got=%s want=%s", replayed.ID, echo.ID)
	}

	fmt.Printf("OK: staff=%s user=%s message_id=%s\n", staffID, userID, echo.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, userID, role string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u, _ := url.Parse(wsURL)
	q := u.Query()
	q.Set(v1.QueryUserID, userID)
	q.Set(v1.QueryRole, role)
	u.RawQuery = q.Encode()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan frame, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func (c *smokeClient) mustRead(parent context.Context, stepTimeout time.Duration) frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		fatalf("timeout waiting for frame (%s): %v", c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error (%s): %v", c.name, err)
	case f, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed (%s)", c.name)
		}
		if f.Error != "" {
			fatalf("server error (%s): %q", c.name, f.Error)
		}
		return f
	}
	return frame{}
}

func mustWrite(parent context.Context, c *smokeClient, in v1.InboundFrame, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(in)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
