package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "wirechat.db")
	return &cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	logger := zerolog.Nop()
	cfg := testConfig(t)
	cfg.Bus.Driver = "smoke-signals"

	if _, err := New(context.Background(), cfg, &logger); err == nil {
		t.Fatal("expected error for unknown bus driver")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	a, err := New(context.Background(), testConfig(t), &logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

// The wired app relays through the memory bus into the sqlite store.
func TestAppRelaysEndToEnd(t *testing.T) {
	logger := zerolog.Nop()
	a, err := New(context.Background(), testConfig(t), &logger)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Only the consumer runs; the handler is served by httptest.
	consumerCtx, stopConsumer := context.WithCancel(ctx)
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- a.consumer.Run(consumerCtx) }()
	t.Cleanup(func() {
		stopConsumer()
		<-consumerDone
		a.cleanup(nil)
	})

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	conn, _, err := websocket.Dial(ctx, strings.Replace(ts.URL, "http", "ws", 1)+"/chat", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, proto.Frame{RoomID: 11, Sender: "a", Content: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var echo proto.Frame
	if err := wsjson.Read(ctx, conn, &echo); err != nil {
		t.Fatalf("read: %v", err)
	}
	if echo.Content != "hello" || echo.RoomID != 11 {
		t.Fatalf("unexpected echo %+v", echo)
	}
	if a.registry.Len(11) != 1 {
		t.Fatal("expected connection registered in room 11")
	}

	resp, err := ts.Client().Get(ts.URL + "/api/rooms/11/messages")
	if err != nil {
		t.Fatalf("history request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status %d", resp.StatusCode)
	}
}
