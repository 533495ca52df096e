package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradeOpened       EventType = "TRADE_OPENED"
	EventTradeClosed       EventType = "TRADE_CLOSED"
	EventStopMoved         EventType = "STOP_MOVED"
	EventGateDenied        EventType = "GATE_DENIED"
	EventReviewVetoed      EventType = "REVIEW_VETOED"
	EventCircuitTripped    EventType = "CIRCUIT_TRIPPED"
	EventCircuitReset      EventType = "CIRCUIT_RESET"
	EventComplianceChanged EventType = "COMPLIANCE_CHANGED"
	EventEngineStarted     EventType = "ENGINE_STARTED"
	EventEngineStopped     EventType = "ENGINE_STOPPED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	wg          sync.WaitGroup
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow notifier never blocks the publisher.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	subs := append(append([]Subscriber{}, eb.subscribers[event.Type]...), eb.allSubs...)
	for _, sub := range subs {
		eb.wg.Add(1)
		go func(s Subscriber) {
			defer eb.wg.Done()
			s(event)
		}(sub)
	}
}

// Wait blocks until every delivered event has been handled
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(at time.Time, ticket, symbol, direction, tier, path string, entryPrice, stopPrice, riskPct, confidence float64) {
	eb.Publish(Event{
		Type:      EventTradeOpened,
		Timestamp: at,
		Data: map[string]interface{}{
			"ticket":      ticket,
			"symbol":      symbol,
			"direction":   direction,
			"tier":        tier,
			"path":        path,
			"entry_price": entryPrice,
			"stop_price":  stopPrice,
			"risk_pct":    riskPct,
			"confidence":  confidence,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(at time.Time, ticket, symbol, reason string, entryPrice, exitPrice, profit float64) {
	eb.Publish(Event{
		Type:      EventTradeClosed,
		Timestamp: at,
		Data: map[string]interface{}{
			"ticket":      ticket,
			"symbol":      symbol,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"profit":      profit,
		},
	})
}

// PublishGateDenied publishes the violations behind a denied trade
func (eb *EventBus) PublishGateDenied(at time.Time, symbol, direction string, violations []string) {
	eb.Publish(Event{
		Type:      EventGateDenied,
		Timestamp: at,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"direction":  direction,
			"violations": violations,
		},
	})
}

// PublishCircuit publishes a breaker trip or reset
func (eb *EventBus) PublishCircuit(at time.Time, tripped bool, trigger, reason string, haltUntil time.Time) {
	t := EventCircuitReset
	if tripped {
		t = EventCircuitTripped
	}
	eb.Publish(Event{
		Type:      t,
		Timestamp: at,
		Data: map[string]interface{}{
			"trigger":    trigger,
			"reason":     reason,
			"halt_until": haltUntil,
		},
	})
}

// PublishCompliance publishes a compliance status transition
func (eb *EventBus) PublishCompliance(at time.Time, from, to string, reasons []string) {
	eb.Publish(Event{
		Type:      EventComplianceChanged,
		Timestamp: at,
		Data: map[string]interface{}{
			"from":    from,
			"to":      to,
			"reasons": reasons,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
