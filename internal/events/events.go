// Package events provides the in-process event bus the orchestrator and
// daemon communicate over. Delivery is synchronous and ordered per
// publisher; a handler panic is recovered and logged so one misbehaving
// subscriber cannot take down the daemon loop.
package events

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"apex/internal/logging"
)

// Event names published by the core. Subscribers match on exact name.
const (
	TaskCreated        = "task:created"
	TaskStarted        = "task:started"
	TaskCompleted      = "task:completed"
	TaskFailed         = "task:failed"
	TaskPaused         = "task:paused"
	TaskResumed        = "task:resumed"
	TaskSessionResumed = "task:session-resumed"
	TaskTrashed        = "task:trashed"
	TaskIterate        = "task:iterate"
	TasksAutoResumed   = "tasks:auto-resumed"

	InteractionReceived  = "interaction:received"
	InteractionProcessed = "interaction:processed"

	WorktreeMergeCleaned = "worktree:merge-cleaned"

	OrphanDetected  = "orphan:detected"
	OrphanRecovered = "orphan:recovered"

	CapacityRestored = "capacity-restored"
)

// Event is a named payload with the time it was published. TaskID is empty
// for events that are not scoped to a single task.
type Event struct {
	Name      string         `json:"name"`
	TaskID    string         `json:"taskId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives every event whose name matches the subscription.
type Handler func(Event)

type subscription struct {
	id      int
	name    string
	handler Handler
}

// Bus is a synchronous publish/subscribe fan-out. Handlers run on the
// publisher's goroutine in subscription order.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    []subscription
	history *lru.Cache[string, []Event]
	logger  logging.Logger
}

const historyTasks = 256
const historyPerTask = 50

// NewBus builds a bus that retains recent events for the most recently
// active tasks. History is best effort and bounded.
func NewBus(logger logging.Logger) *Bus {
	cache, _ := lru.New[string, []Event](historyTasks)
	return &Bus{
		history: cache,
		logger:  logging.OrNop(logger),
	}
}

// Subscribe registers handler for events with the given name. The returned
// function removes the subscription; calling it twice is safe.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

// SubscribeAll registers handler for every event regardless of name.
func (b *Bus) SubscribeAll(handler Handler) func() {
	return b.Subscribe("", handler)
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to all matching subscribers synchronously.
// The timestamp is stamped here if the caller left it zero.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.name == "" || sub.name == event.Name {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	b.record(event)

	for _, handler := range matched {
		b.deliver(event, handler)
	}
}

func (b *Bus) deliver(event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("events: handler for %s panicked: %v", event.Name, r)
		}
	}()
	handler(event)
}

func (b *Bus) record(event Event) {
	if event.TaskID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	recent, _ := b.history.Get(event.TaskID)
	recent = append(recent, event)
	if len(recent) > historyPerTask {
		recent = recent[len(recent)-historyPerTask:]
	}
	b.history.Add(event.TaskID, recent)
}

// History returns the retained events for a task, oldest first. Tasks
// evicted from the bounded cache return an empty slice.
func (b *Bus) History(taskID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	recent, ok := b.history.Get(taskID)
	if !ok {
		return nil
	}
	out := make([]Event, len(recent))
	copy(out, recent)
	return out
}
