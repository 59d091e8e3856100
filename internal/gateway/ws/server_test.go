package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jkaninda/labbox/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/sessions/abc/events", "abc"},
		{"/v1/sessions/abc/events/", "abc"},
		{"/v1/events", ""},
		{"/v1/sessions/abc", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := SessionFromPath(tt.path); got != tt.want {
			t.Errorf("SessionFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func dial(t *testing.T, bus *events.Bus, path string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewServer(bus, Options{Heartbeat: time.Hour}, testLogger()).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	before := bus.Subscribers()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	for bus.Subscribers() == before {
		if ctx.Err() != nil {
			t.Fatal("server never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func read(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var e events.Event
	if err := wsjson.Read(ctx, conn, &e); err != nil {
		t.Fatalf("read: %v", err)
	}
	return e
}

func TestServer_StreamsSessionEvents(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	conn := dial(t, bus, "/v1/sessions/s1/events")

	bus.Publish(events.Event{Type: events.CommitCreated, SessionID: "s2"})
	bus.Publish(events.Event{Type: events.ExecutionStarted, SessionID: "s1"})
	bus.Publish(events.Event{Type: events.PanicTriggered, Data: map[string]any{"containers_killed": 3}})

	first := read(t, conn)
	if first.Type != events.ExecutionStarted || first.SessionID != "s1" {
		t.Errorf("first event = %+v, want execution.started for s1", first)
	}
	second := read(t, conn)
	if second.Type != events.PanicTriggered {
		t.Errorf("second event = %+v, want panic", second)
	}
	if got, _ := second.Data["containers_killed"].(float64); got != 3 {
		t.Errorf("containers_killed = %v, want 3", second.Data["containers_killed"])
	}
}

func TestServer_AllSessions(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	conn := dial(t, bus, "/v1/events")

	bus.Publish(events.Event{Type: events.SessionCreated, SessionID: "a"})
	bus.Publish(events.Event{Type: events.SessionCreated, SessionID: "b"})

	if e := read(t, conn); e.SessionID != "a" {
		t.Errorf("first event session = %q, want a", e.SessionID)
	}
	if e := read(t, conn); e.SessionID != "b" {
		t.Errorf("second event session = %q, want b", e.SessionID)
	}
}

func TestServer_UnsubscribesOnClose(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	conn := dial(t, bus, "/v1/sessions/s1/events")

	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for bus.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription leaked after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
