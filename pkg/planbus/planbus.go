// Package planbus is the internal pub-sub bus connecting plan lifecycle
// transitions and judgment changes to their consumers (the portal
// reporter, the HTTP status surface), adapted from the teacher's cluster
// event broker into a plan/judgment event domain.
package planbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/beacon/pkg/types"
)

// EventType identifies the kind of plan/judgment transition an Event
// carries.
type EventType string

const (
	EventPlanCreated      EventType = "plan.created"
	EventPlanGenerated    EventType = "plan.generated"
	EventPlanFinished     EventType = "plan.finished"
	EventPlanExpired      EventType = "plan.expired"
	EventJudgmentChanged  EventType = "judgment.changed"
	EventWorkerRegistered EventType = "worker.registered"
	EventWorkerEjected    EventType = "worker.ejected"
)

// Event is one notification on the bus.
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	PlanID     string
	ProviderID string
	Phase      types.Phase
	TaskName   string
	Judgment   *types.Judgment
	Message    string
}

// Subscriber is a channel that receives Events.
type Subscriber chan *Event

// Broker distributes Events to every live Subscriber, dropping events
// for subscribers whose buffer is full rather than blocking the
// publisher (spec.md §4.7's reporting trigger must never stall on a
// slow consumer).
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a Broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts the distribution loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new Subscriber.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a Subscriber.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish delivers event to every subscriber. ID and Timestamp are
// filled in if unset.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop rather than block the bus
		}
	}
}

// SubscriberCount reports how many subscribers currently hold a
// channel.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// PlanEvent builds an Event describing a plan lifecycle transition.
func PlanEvent(eventType EventType, plan *types.Plan, message string) *Event {
	return &Event{
		Type:       eventType,
		PlanID:     plan.PlanID,
		ProviderID: plan.ProviderID,
		Phase:      plan.Phase,
		Message:    message,
	}
}

// JudgmentEvent builds an Event describing a judgment change for one
// task within a plan, the signal the portal reporter subscribes to
// (spec.md §4.7, "Reporting trigger").
func JudgmentEvent(planID, providerID string, phase types.Phase, taskName string, j *types.Judgment) *Event {
	return &Event{
		Type:       EventJudgmentChanged,
		PlanID:     planID,
		ProviderID: providerID,
		Phase:      phase,
		TaskName:   taskName,
		Judgment:   j,
	}
}
