package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestListenURLs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr   string
		wantWS string
	}{
		{addr: "127.0.0.1:8080", wantWS: "ws://127.0.0.1:8080"},
		{addr: "0.0.0.0:8080", wantWS: "ws://127.0.0.1:8080"},
		{addr: ":8080", wantWS: "ws://127.0.0.1:8080"},
		{addr: "[::]:9090", wantWS: "ws://127.0.0.1:9090"},
		{addr: "[2001:db8::1]:9090", wantWS: "ws://[2001:db8::1]:9090"},
		{addr: "chat.propchat.example", wantWS: "ws://chat.propchat.example"},
	}

	for _, tc := range cases {
		if got := wsBaseURL(runtimeBaseURL(tc.addr)); got != tc.wantWS {
			t.Fatalf("ws url for %q: got=%q want=%q", tc.addr, got, tc.wantWS)
		}
	}

	if got := wsBaseURL("https://chat.propchat.example"); got != "wss://chat.propchat.example" {
		t.Fatalf("tls ws url: got=%q", got)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{HTTPAddr: ":0", Store: "cassandra"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatalf("expected error for unknown store")
	}
}

func TestNew_RejectsBadRetentionSchedule(t *testing.T) {
	cfg := Config{HTTPAddr: ":0", Store: StoreMemory, RetentionEnabled: true, RetentionWindow: time.Hour, RetentionSchedule: "every tuesday"}
	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}

func TestBackend_CloseMemory(t *testing.T) {
	be, err := openBackend(context.Background(), Config{Store: StoreMemory}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := be.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := be.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Setenv("PROPCHAT_WS_ORIGIN_REQUIRED", "false")

	cfg := Config{HTTPAddr: "127.0.0.1:0", Store: StoreMemory, RetentionEnabled: true, RetentionWindow: time.Hour, RetentionSchedule: "@hourly"}
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}
