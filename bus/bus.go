// Package bus carries watcher lifecycle and file change notifications
// between the supervisor and its consumers.
package bus

import (
	"log"
	"sync"
	"time"
)

// Status values a watched process moves through.
const (
	StatusSeeding    = "seeding"
	StatusSeeded     = "seeded"
	StatusRunning    = "running"
	StatusRestarting = "restarting"
	StatusKilled     = "killed"
	StatusError      = "error"
	StatusShutdown   = "shutdown"
)

// Change event types, matching the watcher's vocabulary.
const (
	ChangeAdd    = "add"
	ChangeModify = "change"
	ChangeUnlink = "unlink"
)

// StatusEvent reports a state transition of one watched process.
type StatusEvent struct {
	ProcessID string `json:"processId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ChangeEvent reports one observed file change.
type ChangeEvent struct {
	ProcessID string `json:"processId"`
	EventType string `json:"eventType"`
	FilePath  string `json:"filePath"`
	Timestamp int64  `json:"timestamp"`
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose channel is full misses the event.
type Bus interface {
	PublishStatus(ev StatusEvent)
	PublishChange(ev ChangeEvent)
	SubscribeStatus() (<-chan StatusEvent, func())
	SubscribeChange() (<-chan ChangeEvent, func())
}

const subscriberBuffer = 256

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	mu         sync.Mutex
	nextID     int
	statusSubs map[int]chan StatusEvent
	changeSubs map[int]chan ChangeEvent
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		statusSubs: make(map[int]chan StatusEvent),
		changeSubs: make(map[int]chan ChangeEvent),
	}
}

// Now returns the bus timestamp for the current moment, in epoch
// milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

func (b *MemoryBus) PublishStatus(ev StatusEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.statusSubs {
		select {
		case ch <- ev:
		default:
			log.Printf("status subscriber %d full, dropping event %s/%s", id, ev.ProcessID, ev.Status)
		}
	}
}

func (b *MemoryBus) PublishChange(ev ChangeEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.changeSubs {
		select {
		case ch <- ev:
		default:
			log.Printf("change subscriber %d full, dropping event %s %s", id, ev.EventType, ev.FilePath)
		}
	}
}

// SubscribeStatus returns a status channel and a cancel function. The
// channel is closed when cancel is called.
func (b *MemoryBus) SubscribeStatus() (<-chan StatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan StatusEvent, subscriberBuffer)
	b.statusSubs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.statusSubs[id]; ok {
			delete(b.statusSubs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// SubscribeChange returns a change channel and a cancel function.
func (b *MemoryBus) SubscribeChange() (<-chan ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan ChangeEvent, subscriberBuffer)
	b.changeSubs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.changeSubs[id]; ok {
			delete(b.changeSubs, id)
			close(existing)
		}
	}
	return ch, cancel
}
