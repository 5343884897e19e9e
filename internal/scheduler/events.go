package scheduler

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// EventKind names the queue an event travels on. One queue exists per kind.
type EventKind string

const (
	// EventScheduleAdvance wakes the scheduler state machine for a schedule.
	EventScheduleAdvance EventKind = "schedule-event"
	// EventCreateCompleted signals that a schedule finished its create path.
	EventCreateCompleted EventKind = "create-completed"
	// EventUndoCompleted signals that a schedule finished its undo path.
	EventUndoCompleted EventKind = "undo-completed"
	// EventStepCancelled signals that a step observed its cancellation.
	EventStepCancelled EventKind = "step-cancelled"
	// EventStepReady signals that a step became eligible for a worker.
	EventStepReady EventKind = "step-ready"
	// EventReconciliation triggers reconciliation of a single resource.
	EventReconciliation EventKind = "reconciliation"
)

// Event is the unit published on the bus. Payload is an opaque blob owned
// by the producer and consumer of the kind.
type Event struct {
	Kind       EventKind `json:"kind"`
	ScheduleID string    `json:"scheduleId,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
}

// EventHandler processes one event. A returned error means the handler hit
// an application bug; the bus logs it and does not redeliver (deterministic
// failures must not requeue forever).
type EventHandler func(ctx context.Context, event *Event) error

// EventBus is a durable at-least-once queue per event kind. Handlers must
// tolerate duplicate delivery.
type EventBus interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(kind EventKind, handler EventHandler) error
	Close() error
}

// InMemoryEventBus dispatches events to subscribed handlers on dedicated
// goroutines. It is used in tests and in single-process deployments where
// durability across restarts is not needed.
type InMemoryEventBus struct {
	mu       sync.Mutex
	handlers map[EventKind][]EventHandler
	wg       sync.WaitGroup
	closed   bool
}

func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{handlers: map[EventKind][]EventHandler{}}
}

func (b *InMemoryEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	handlers := append([]EventHandler{}, b.handlers[event.Kind]...)
	b.wg.Add(len(handlers))
	b.mu.Unlock()

	for _, handler := range handlers {
		handler := handler
		go func() {
			defer b.wg.Done()
			if err := handler(context.Background(), event); err != nil {
				log.WithError(err).
					WithField("kind", event.Kind).
					WithField("scheduleId", event.ScheduleID).
					Error("event handler failed, dropping event")
			}
		}()
	}
	return nil
}

func (b *InMemoryEventBus) Subscribe(kind EventKind, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
	return nil
}

// Close waits for in-flight handlers to finish.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
