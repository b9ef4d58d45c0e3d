// Package events fans build progress out to live subscribers. Producers
// never block: a subscriber that stops draining loses events rather than
// stalling the build that emits them.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anvillabs/crucible/internal/models"
)

// Sink consumes build events. The orchestrator publishes through this
// interface so transports can be stacked without it knowing any of them.
type Sink interface {
	Publish(event *models.Event)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(event *models.Event) {
	for _, sink := range f {
		sink.Publish(event)
	}
}

// Subscriber is one live event stream.
type Subscriber struct {
	ID        string
	BuildID   string           // "" subscribes to all builds
	Kind      models.EventType // "" subscribes to all event kinds
	Ch        chan *models.Event
	CreatedAt time.Time
}

// Broker manages event subscriptions and publishing.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]*Subscriber),
		logger:      logger,
	}
}

// Subscribe registers a new subscriber for events matching buildID and
// kind. The returned subscriber's channel is buffered; the caller must
// Unsubscribe when done.
func (b *Broker) Subscribe(buildID string, kind models.EventType) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.NewString(),
		BuildID:   buildID,
		Kind:      kind,
		Ch:        make(chan *models.Event, 100),
		CreatedAt: time.Now(),
	}

	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added",
		"subscriber_id", sub.ID,
		"build_id", buildID,
		"kind", string(kind),
	)

	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends an event to all matching subscribers. A full subscriber
// channel drops the event for that subscriber only.
func (b *Broker) Publish(event *models.Event) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !matches(sub, event) {
			continue
		}
		select {
		case sub.Ch <- event:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"build_id", event.BuildID,
			)
		}
	}
}

// matches checks an event against a subscriber's filters.
func matches(sub *Subscriber, event *models.Event) bool {
	if sub.BuildID != "" && sub.BuildID != event.BuildID {
		return false
	}
	if sub.Kind != "" && sub.Kind != event.Type {
		return false
	}
	return true
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
