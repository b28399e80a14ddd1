// Package notify provides an in-process event bus that tells waiting
// reducers when a shard of their job has landed.
package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event.
type EventType int

const (
	ShardStored EventType = iota
	JobReduced
)

func (t EventType) String() string {
	switch t {
	case ShardStored:
		return "shard_stored"
	case JobReduced:
		return "job_reduced"
	default:
		return "unknown"
	}
}

// Event describes one durable write.
type Event struct {
	Type       EventType
	JobID      string
	ShardIndex int
	Timestamp  time.Time
}

// Bus is an in-process pub/sub bus. Publish never blocks: a subscriber
// whose buffer is full misses the event, so subscribers must treat events
// as hints and re-read storage.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	bufferSize  int
	nextID      atomic.Uint64
}

// NewBus creates a bus whose subscriptions buffer bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{subscribers: make(map[uint64]*Subscription), bufferSize: bufferSize}
}

// Publish delivers ev to every subscriber of its job and to every
// subscriber of all jobs.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.JobID == "" || sub.JobID == ev.JobID {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Subscribe registers interest in jobID; "" subscribes to every job.
func (b *Bus) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{
		ID:    b.nextID.Add(1),
		JobID: jobID,
		C:     ch,
		ch:    ch,
	}
	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.ID]; ok {
		delete(b.subscribers, sub.ID)
		close(sub.ch)
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	ID    uint64
	JobID string
	C     <-chan Event
	ch    chan Event
}
