// Package bus is the in-process message bus agents use to talk to each other.
//
// It offers typed publish/subscribe, direct messages, and a request/response pattern
// correlated by id and bounded by a timeout. Delivery is at-most-once and best effort:
// nothing is persisted or redelivered. Callers that need an answer use Request and handle
// ErrRequestTimeout.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/agentswarm/pkg/logger"
	"github.com/guido-cesarano/agentswarm/pkg/metrics"
)

const (
	// DefaultHistorySize is the number of delivered messages kept for inspection.
	DefaultHistorySize = 1000

	// DefaultRequestTimeout bounds a Request made with a non-positive timeout.
	DefaultRequestTimeout = 30 * time.Second
)

var (
	// ErrRequestTimeout is returned by Request when no correlated response arrives in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNoCorrelationID is returned by Respond for a message that is not a request.
	ErrNoCorrelationID = errors.New("message has no correlation id")
)

type subscription struct {
	id      uint64
	agentID string
	match   func(Message) bool
	handler Handler
}

// Bus routes messages between named agents.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]*subscription // agentID -> subscriptions
	nextID  uint64
	history *ring

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerErrors atomic.Uint64
	timeouts      atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistorySize bounds the message history. Non-positive sizes keep the default.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = newRing(n)
		}
	}
}

// New creates a bus with no subscribers.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string]map[uint64]*subscription),
		history: newRing(DefaultHistorySize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for messages of the given types addressed to agentID, directly or by
// broadcast. An agent may hold any number of subscriptions; every matching one runs.
// The returned function removes this subscription only.
func (b *Bus) Subscribe(agentID string, types []MessageType, h Handler) func() {
	set := make(map[MessageType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return b.subscribe(agentID, func(m Message) bool {
		_, ok := set[m.Type]
		return ok
	}, h)
}

func (b *Bus) subscribe(agentID string, match func(Message) bool, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, agentID: agentID, match: match, handler: h}
	if b.subs[agentID] == nil {
		b.subs[agentID] = make(map[uint64]*subscription)
	}
	b.subs[agentID][sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if agentSubs, ok := b.subs[agentID]; ok {
				delete(agentSubs, sub.id)
				if len(agentSubs) == 0 {
					delete(b.subs, agentID)
				}
			}
		})
	}
}

// UnsubscribeAll removes every subscription held by agentID.
func (b *Bus) UnsubscribeAll(agentID string) {
	b.mu.Lock()
	delete(b.subs, agentID)
	b.mu.Unlock()
}

// Publish delivers msg. A message with To set reaches only that agent's matching
// subscriptions; a broadcast reaches every other agent subscribed to its type.
//
// Handlers run synchronously on the caller's goroutine, outside the bus lock, so a handler
// may publish or subscribe. Each handler is isolated: an error or panic is logged and the
// remaining handlers still run.
func (b *Bus) Publish(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.RLock()
	var targets []*subscription
	if msg.Broadcast() {
		for agentID, agentSubs := range b.subs {
			if agentID == msg.From {
				continue
			}
			targets = appendMatching(targets, agentSubs, msg)
		}
	} else {
		targets = appendMatching(targets, b.subs[msg.To], msg)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	b.history.add(msg)

	kind := "direct"
	if msg.Broadcast() {
		kind = "broadcast"
	}
	metrics.MessagesPublished.WithLabelValues(string(msg.Type), kind).Inc()

	logger.Log.Debug().
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Str("from", msg.From).
		Str("to", msg.To).
		Int("targets", len(targets)).
		Msg("Message published")

	for _, sub := range targets {
		b.dispatch(sub, msg)
	}
	return msg
}

func appendMatching(dst []*subscription, subs map[uint64]*subscription, msg Message) []*subscription {
	for _, sub := range subs {
		if sub.match(msg) {
			dst = append(dst, sub)
		}
	}
	return dst
}

func (b *Bus) dispatch(sub *subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			metrics.HandlerErrors.Inc()
			logger.Log.Error().
				Interface("panic", r).
				Str("agent_id", sub.agentID).
				Str("message_id", msg.ID).
				Msg("Message handler panicked")
		}
	}()

	b.delivered.Add(1)
	if err := sub.handler(msg); err != nil {
		b.handlerErrors.Add(1)
		metrics.HandlerErrors.Inc()
		logger.Log.Warn().
			Err(err).
			Str("agent_id", sub.agentID).
			Str("message_id", msg.ID).
			Msg("Message handler failed")
	}
}

// Request sends a message of type t from one agent to another and waits for the first
// response carrying the same correlation id. Responses with other ids are ignored.
// The temporary subscription is removed on match, timeout or context cancellation.
// A non-positive timeout selects DefaultRequestTimeout.
func (b *Bus) Request(ctx context.Context, from, to string, t MessageType, payload interface{}, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	correlationID := uuid.New().String()
	responses := make(chan Message, 1)

	unsubscribe := b.subscribe(from, func(m Message) bool {
		return m.CorrelationID == correlationID && m.From == to
	}, func(m Message) error {
		select {
		case responses <- m:
		default:
			// duplicate response; the first one already won
		}
		return nil
	})
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	b.Publish(Message{
		Type:          t,
		From:          from,
		To:            to,
		Payload:       payload,
		CorrelationID: correlationID,
	})

	// a synchronous responder has already answered
	select {
	case resp := <-responses:
		return resp, nil
	default:
	}

	select {
	case resp := <-responses:
		return resp, nil
	case <-timer.C:
		b.timeouts.Add(1)
		metrics.RequestTimeouts.Inc()
		logger.Log.Warn().
			Str("from", from).
			Str("to", to).
			Str("type", string(t)).
			Str("correlation_id", correlationID).
			Dur("timeout", timeout).
			Msg("Request timed out")
		return Message{}, fmt.Errorf("%s %s -> %s after %s: %w", t, from, to, timeout, ErrRequestTimeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Respond answers original, addressing the reply to its sender and carrying its correlation id.
func (b *Bus) Respond(original Message, t MessageType, payload interface{}) error {
	if original.CorrelationID == "" {
		return fmt.Errorf("respond to %s: %w", original.ID, ErrNoCorrelationID)
	}
	b.Publish(Message{
		Type:          t,
		From:          original.To,
		To:            original.From,
		Payload:       payload,
		CorrelationID: original.CorrelationID,
	})
	return nil
}

// History returns up to limit of the most recent messages, oldest first.
// A non-positive limit returns the whole history.
func (b *Bus) History(limit int) []Message {
	return b.history.last(limit)
}

// Statistics returns counters and subscription totals.
func (b *Bus) Statistics() Statistics {
	b.mu.RLock()
	subs := 0
	for _, agentSubs := range b.subs {
		subs += len(agentSubs)
	}
	agents := len(b.subs)
	b.mu.RUnlock()

	return Statistics{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Timeouts:      b.timeouts.Load(),
		Subscriptions: subs,
		Agents:        agents,
		HistorySize:   b.history.len(),
	}
}
