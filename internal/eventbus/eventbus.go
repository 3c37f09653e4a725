// Package eventbus is a typed publish/subscribe bus for agent and task
// lifecycle events. It keeps a familiar internal/bus.Bus shape
// (topic-prefix subscription, non-blocking publish, a dropped-event
// counter with threshold-gated warning logs) and adds typed per-status
// topics, one-shot subscriptions, disconnect-triggered ring buffering, and
// replay from the persisted transition log.
package eventbus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apm-auto/coordinator/internal/model"
)

// Topic prefixes. Subscribers match by prefix, so "agent." catches every
// agent lifecycle event and "agent.active" catches only that status.
const (
	TopicAgentSpawning   = "agent.spawning"
	TopicAgentActive     = "agent.active"
	TopicAgentWaiting    = "agent.waiting"
	TopicAgentIdle       = "agent.idle"
	TopicAgentTerminated = "agent.terminated"

	TopicTaskCompleted = "task.completed"
	TopicTaskPartial   = "task.partial"
	TopicTaskBlocked   = "task.blocked"

	TopicRecoverySucceeded = "recovery.succeeded"
	TopicRecoveryFailed    = "recovery.failed"
	TopicRecoveryEscalated = "recovery.escalated"
)

// AgentStatusTopic maps a target agent status to its event topic.
func AgentStatusTopic(s model.AgentStatus) string {
	switch s {
	case model.AgentSpawning:
		return TopicAgentSpawning
	case model.AgentActive:
		return TopicAgentActive
	case model.AgentWaiting:
		return TopicAgentWaiting
	case model.AgentIdle:
		return TopicAgentIdle
	case model.AgentTerminated:
		return TopicAgentTerminated
	default:
		return "agent.unknown"
	}
}

// AgentTransitionEvent is the payload for every agent.* topic.
type AgentTransitionEvent struct {
	AgentID   string
	FromState model.AgentStatus
	ToState   model.AgentStatus
	Timestamp time.Time
	Trigger   model.TransitionTrigger
	Metadata  map[string]any
}

// TaskTransitionEvent is the payload for task.* topics.
type TaskTransitionEvent struct {
	TaskID    string
	FromState model.TaskStatus
	ToState   model.TaskStatus
	Timestamp time.Time
	Trigger   model.TransitionTrigger
}

// Event is a topic/payload pair delivered to subscribers.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is a live topic-prefix subscriber.
type Subscription struct {
	id     uint64
	prefix string
	ch     chan Event
	once   bool
}

// ID returns the subscription's identifier, usable with Unsubscribe.
func (s *Subscription) ID() uint64 { return s.id }

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan Event { return s.ch }

// DropPolicy controls what happens to the oldest/newest buffered event when
// the ring buffer is full while storage is reported disconnected.
type DropPolicy int

const (
	DropOldest DropPolicy = iota
	DropNewest
)

// TransitionReader is the minimal persistence surface ReplayHistoricalEvents
// needs. It is injected rather than imported directly so eventbus never
// depends on the persistence package (which itself depends on eventbus to
// publish after commit).
type TransitionReader interface {
	GetAgentHistory(ctx context.Context, agentID string, limit int) ([]model.StateTransition, error)
}

// Bus is the process-wide event dispatcher.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	next uint64

	logger *slog.Logger

	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64

	bufMu      sync.Mutex
	buffering  bool
	bufCap     int
	policy     DropPolicy
	buffer     []Event

	transitions TransitionReader
}

// New builds a Bus with the default logger and a ring buffer capacity of
// 1000 by default.
func New() *Bus {
	return NewWithLogger(slog.Default())
}

// NewWithLogger builds a Bus that logs dropped-event warnings through the
// given logger.
func NewWithLogger(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
		bufCap: 1000,
		policy: DropOldest,
	}
}

// SetTransitionReader wires the persistence collaborator ReplayHistoricalEvents uses.
func (b *Bus) SetTransitionReader(r TransitionReader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitions = r
}

// SetBufferPolicy configures the ring buffer capacity and drop policy used
// while storage is reported disconnected.
func (b *Bus) SetBufferPolicy(capacity int, policy DropPolicy) {
	b.bufMu.Lock()
	defer b.bufMu.Unlock()
	if capacity > 0 {
		b.bufCap = capacity
	}
	b.policy = policy
}

// Subscribe registers a subscriber matching every topic with the given
// prefix. The returned channel has a buffer of 100.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.subscribe(topicPrefix, false)
}

// SubscribeOnce registers a subscriber that automatically unsubscribes
// itself after its first delivered event.
func (b *Bus) SubscribeOnce(topicPrefix string) *Subscription {
	return b.subscribe(topicPrefix, true)
}

func (b *Bus) subscribe(topicPrefix string, once bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	sub := &Subscription{id: b.next, prefix: topicPrefix, ch: make(chan Event, 100), once: once}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Idempotent.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// SetDisconnected toggles ring-buffering mode. While disconnected, Publish
// appends to the internal ring buffer instead of delivering live; while
// connected, Publish delivers live as normal.
func (b *Bus) SetDisconnected(disconnected bool) {
	b.bufMu.Lock()
	defer b.bufMu.Unlock()
	b.buffering = disconnected
}

// Publish dispatches an event to every matching subscriber without
// blocking. Subscribers whose channel is full are skipped and counted as a
// drop; threshold-gated warnings are logged (1, 10, 100, ... per the
// teacher's dropThreshold idiom) rather than silently swallowed. While the
// bus is in disconnected mode, the event is buffered instead of delivered.
func (b *Bus) Publish(ev Event) {
	b.bufMu.Lock()
	if b.buffering {
		b.appendBufferedLocked(ev)
		b.bufMu.Unlock()
		return
	}
	b.bufMu.Unlock()

	b.dispatch(ev)
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if hasPrefix(ev.Topic, sub.prefix) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var toRemove []uint64
	for _, sub := range targets {
		select {
		case sub.ch <- ev:
			if sub.once {
				toRemove = append(toRemove, sub.id)
			}
		default:
			count := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(count)
		}
	}
	for _, id := range toRemove {
		b.Unsubscribe(id)
	}
}

func (b *Bus) appendBufferedLocked(ev Event) {
	if len(b.buffer) >= b.bufCap {
		switch b.policy {
		case DropNewest:
			count := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(count)
			return
		default: // DropOldest
			b.buffer = b.buffer[1:]
			count := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(count)
		}
	}
	b.buffer = append(b.buffer, ev)
}

// ReplayBufferedEvents drains the ring buffer in arrival order, dispatching
// each event live, and returns the count drained.
func (b *Bus) ReplayBufferedEvents() int {
	b.bufMu.Lock()
	pending := b.buffer
	b.buffer = nil
	b.bufMu.Unlock()

	for _, ev := range pending {
		b.dispatch(ev)
	}
	return len(pending)
}

// ReplayHistoricalEvents queries the transitions collaborator for an
// agent's history and re-dispatches synthetic agent.* events carrying the
// original timestamps and triggers, used to rebuild derived state without
// requiring a live event history.
func (b *Bus) ReplayHistoricalEvents(ctx context.Context, agentID string, from *time.Time) (int, error) {
	b.mu.RLock()
	reader := b.transitions
	b.mu.RUnlock()
	if reader == nil {
		return 0, nil
	}
	history, err := reader.GetAgentHistory(ctx, agentID, 0)
	if err != nil {
		return 0, err
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })

	count := 0
	for _, t := range history {
		if from != nil && t.Timestamp.Before(*from) {
			continue
		}
		ev := Event{
			Topic: AgentStatusTopic(model.AgentStatus(t.ToState)),
			Payload: AgentTransitionEvent{
				AgentID:   agentID,
				FromState: model.AgentStatus(t.FromState),
				ToState:   model.AgentStatus(t.ToState),
				Timestamp: t.Timestamp,
				Trigger:   t.Trigger,
			},
		}
		b.dispatch(ev)
		count++
	}
	return count, nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the cumulative count of events dropped because
// a subscriber's channel was full, or because the ring buffer overflowed.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

func (b *Bus) maybeLogDropWarning(count int64) {
	threshold := dropThreshold(count)
	if threshold == 0 {
		return
	}
	last := b.lastDropWarning.Load()
	if last >= threshold {
		return
	}
	if b.lastDropWarning.CompareAndSwap(last, threshold) {
		b.logger.Warn("event bus dropping events", "total_dropped", count)
	}
}

// dropThreshold returns the threshold count hits (1, 10, 100, ...) or 0 if
// count isn't exactly on a power-of-ten boundary.
func dropThreshold(count int64) int64 {
	if count == 1 {
		return 1
	}
	threshold := int64(10)
	for threshold <= count {
		if threshold == count {
			return threshold
		}
		threshold *= 10
	}
	return 0
}

func hasPrefix(topic, prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(topic) < len(prefix) {
		return false
	}
	return topic[:len(prefix)] == prefix
}
