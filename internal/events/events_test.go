package events

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestBus_SessionFilter(t *testing.T) {
	b := newTestBus()
	mine, unsubMine := b.Subscribe("s1", 8)
	defer unsubMine()
	all, unsubAll := b.Subscribe("", 8)
	defer unsubAll()

	b.Publish(Event{Type: CommitCreated, SessionID: "s2"})
	b.Publish(Event{Type: CommitCreated, SessionID: "s1"})
	b.Publish(Event{Type: PanicTriggered})

	if e := receive(t, mine); e.SessionID != "s1" {
		t.Errorf("session subscriber got %+v first", e)
	}
	if e := receive(t, mine); e.Type != PanicTriggered {
		t.Errorf("session subscriber missed global event, got %+v", e)
	}
	for _, want := range []string{"s2", "s1", ""} {
		if e := receive(t, all); e.SessionID != want {
			t.Errorf("global subscriber got session %q, want %q", e.SessionID, want)
		}
	}
}

func TestBus_StampsTime(t *testing.T) {
	b := newTestBus()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()
	b.Publish(Event{Type: SessionCreated, SessionID: "s1"})
	if e := receive(t, ch); e.Time.IsZero() {
		t.Error("event time not set")
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := newTestBus()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: ExecutionStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffered events = %d, want 1", len(ch))
	}
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	b := newTestBus()
	ch, unsub := b.Subscribe("", 1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}

	other, _ := b.Subscribe("s1", 1)
	b.Close()
	if _, ok := <-other; ok {
		t.Error("channel still open after Close")
	}
	late, _ := b.Subscribe("", 1)
	if _, ok := <-late; ok {
		t.Error("subscribe after Close returned an open channel")
	}
	b.Publish(Event{Type: PanicTriggered})
}
