package synckit

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventQueued           EventType = "sync_event_queued"
	EventProcessing       EventType = "sync_event_processing"
	EventProcessed        EventType = "sync_event_processed"
	EventRetrying         EventType = "sync_event_retrying"
	EventFailed           EventType = "sync_event_failed"
	EventConflictDetected EventType = "sync_conflict_detected"
	EventConflictResolved EventType = "sync_conflict_resolved"
	EventMetrics          EventType = "sync_metrics"
	EventHealthAlert      EventType = "sync_health_alert"
)

// Event is one broadcast state transition.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	EntityType    EntityType     `json:"entityType,omitempty"`
	EntityID      string         `json:"entityId,omitempty"`
	MarketplaceID string         `json:"marketplaceId,omitempty"`
	Operation     *SyncOperation `json:"operation,omitempty"`
	Conflict      *SyncConflict  `json:"conflict,omitempty"`
	Metrics       *SyncMetrics   `json:"metrics,omitempty"`
	Alert         *HealthAlert   `json:"alert,omitempty"`
}

func operationEvent(t EventType, op *SyncOperation) Event {
	return Event{
		Type:          t,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		MarketplaceID: op.MarketplaceID,
		Operation:     op.Clone(),
	}
}

func conflictEvent(t EventType, c *SyncConflict) Event {
	return Event{
		Type:          t,
		EntityType:    c.EntityType,
		EntityID:      c.EntityID,
		MarketplaceID: c.TargetMarketplace,
		Conflict:      c.Clone(),
	}
}

// EventFilter scopes a subscription. Zero fields match everything; events
// without an entity (metrics, alerts) pass the entity filters.
type EventFilter struct {
	EntityType    EntityType  `json:"entityType,omitempty"`
	EntityID      string      `json:"entityId,omitempty"`
	MarketplaceID string      `json:"marketplaceId,omitempty"`
	Types         []EventType `json:"types,omitempty"`
}

// Match reports whether ev passes the filter.
func (f EventFilter) Match(ev Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if ev.EntityID == "" {
		return true
	}
	if f.EntityType != EntityUnknown && f.EntityType != ev.EntityType {
		return false
	}
	if f.EntityID != "" && f.EntityID != ev.EntityID {
		return false
	}
	if f.MarketplaceID != "" && f.MarketplaceID != ev.MarketplaceID {
		if ev.Conflict == nil || ev.Conflict.SourceMarketplace != f.MarketplaceID {
			return false
		}
	}
	return true
}

// DefaultSubscriberBuffer is the per-subscriber channel size.
const DefaultSubscriberBuffer = 256

// Subscription receives events until it is closed or dropped for falling behind.
type Subscription struct {
	ID     string
	filter EventFilter
	ch     chan Event
	bus    *EventBus
	done   chan struct{}
	once   sync.Once
	// dropped is set before ch is closed when the subscriber fell behind.
	dropped bool
}

// Events is the receive side. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped reports whether the bus removed the subscription because its buffer filled.
// Only meaningful once Events is closed.
func (s *Subscription) Dropped() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s, false)
}

// EventBus broadcasts events to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full is dropped, not waited for.
type EventBus struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	now    func() time.Time
	onDrop func(sub *Subscription)
}

// NewEventBus creates a bus with the given per-subscriber buffer.
func NewEventBus(buffer int, now func() time.Time) *EventBus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if now == nil {
		now = time.Now
	}
	return &EventBus{subs: make(map[string]*Subscription), buffer: buffer, now: now}
}

// Subscribe registers a subscriber. On a closed bus the returned subscription is already closed.
func (b *EventBus) Subscribe(filter EventFilter) *Subscription {
	s := &Subscription{
		ID:     ulid.Make().String(),
		filter: filter,
		ch:     make(chan Event, b.buffer),
		bus:    b,
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() {
			close(s.ch)
			close(s.done)
		})
		return s
	}
	b.subs[s.ID] = s
	return s
}

// Publish stamps ev with an id and time and delivers it to matching subscribers.
func (b *EventBus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.removeLocked(s, true)
			if b.onDrop != nil {
				b.onDrop(s)
			}
		}
	}
}

func (b *EventBus) removeLocked(s *Subscription, dropped bool) {
	if _, ok := b.subs[s.ID]; !ok {
		return
	}
	delete(b.subs, s.ID)
	s.dropped = dropped
	s.once.Do(func() {
		close(s.ch)
		close(s.done)
	})
}

// Count returns the number of live subscribers.
func (b *EventBus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		b.removeLocked(s, false)
	}
}
