// Package events is an in-process publish/subscribe bus for session
// lifecycle events. Gateways stream them to clients; nothing in the core
// depends on a subscriber being present.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	SessionCreated    Type = "session.created"
	SessionDeleted    Type = "session.deleted"
	SessionExpired    Type = "session.expired"
	ExecutionStarted  Type = "execution.started"
	ExecutionFinished Type = "execution.finished"
	ExecutionFailed   Type = "execution.failed"
	CommitCreated     Type = "commit.created"
	BranchCreated     Type = "branch.created"
	BranchSwitched    Type = "branch.switched"
	SessionRestored   Type = "session.restored"
	IsolateKilled     Type = "isolate.killed"
	PanicTriggered    Type = "panic"
)

// Event is one published occurrence. SessionID is empty for global events
// such as a panic.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(e Event)
}

type subscriber struct {
	sessionID string
	ch        chan Event
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[int]*subscriber)}
}

// Publish delivers e to every matching subscriber.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.sessionID != "" && e.SessionID != "" && s.sessionID != e.SessionID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.logger.Debug("event dropped for slow subscriber",
				slog.String("type", string(e.Type)),
				slog.String("session", e.SessionID),
			)
		}
	}
}

// Subscribe returns a channel receiving the events of sessionID plus global
// events, or every event when sessionID is empty. The returned func
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{sessionID: sessionID, ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Discard{}
)
