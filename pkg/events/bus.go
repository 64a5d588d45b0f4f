// Package events carries the swarm's lifecycle notifications (task:* and worker:*) to passive
// consumers such as status panels, metrics and logs. Nothing in the core depends on an event
// being delivered.
package events

import (
	"sync"
	"time"

	"github.com/guido-cesarano/agentswarm/pkg/logger"
)

// Type identifies a lifecycle event.
type Type string

const (
	TaskAdded     Type = "task:added"
	TaskImmediate Type = "task:immediate"
	TaskClaimed   Type = "task:claimed"
	TaskCompleted Type = "task:completed"
	TaskFailed    Type = "task:failed"
	TaskCancelled Type = "task:cancelled"

	WorkerUnhealthy Type = "worker:unhealthy"
	WorkerRestarted Type = "worker:restarted"
	WorkerFailed    Type = "worker:failed"
)

// Event represents a system event.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	ch   chan Event
	done chan struct{}
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels, in publish order per subscriber.
// If a subscriber's channel is full, the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]*subscription
	bufferSize  int
	closed      bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[Type][]*subscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for every listed event type. An empty list subscribes to all types.
// The returned function unsubscribes and waits for the delivery goroutine to drain, so it
// must not be called from inside fn.
func (b *Bus) Subscribe(fn Subscriber, types ...Type) func() {
	if len(types) == 0 {
		types = allTypes
	}

	sub := &subscription{
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], sub)
	}
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		for event := range sub.ch {
			deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			removed := false
			for _, t := range types {
				subs := b.subscribers[t]
				for i, s := range subs {
					if s == sub {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						removed = true
						break
					}
				}
			}
			if removed && !b.closed {
				close(sub.ch)
			}
			b.mu.Unlock()
			<-sub.done
		})
	}
}

func deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("Event subscriber panicked")
		}
	}()
	fn(event)
}

// Publish sends an event to all subscribers of the given type without blocking.
func (b *Bus) Publish(t Type, data map[string]interface{}) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, sub := range b.subscribers[t] {
		select {
		case sub.ch <- event:
		default:
			logger.Log.Debug().Str("event", string(t)).Msg("Event dropped, subscriber buffer full")
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[*subscription]bool)
	for t, subs := range b.subscribers {
		for _, s := range subs {
			if !seen[s] {
				seen[s] = true
				close(s.ch)
			}
		}
		delete(b.subscribers, t)
	}
}

var allTypes = []Type{
	TaskAdded, TaskImmediate, TaskClaimed, TaskCompleted, TaskFailed, TaskCancelled,
	WorkerUnhealthy, WorkerRestarted, WorkerFailed,
}
