// Package events carries run lifecycle notifications: an in-process pub/sub
// bus and a JSONL audit trail fed from it.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventRunStarted      EventType = "run_started"
	EventRunTransition   EventType = "run_transition"
	EventRunFinished     EventType = "run_finished"
	EventStepDispatched  EventType = "step_dispatched"
	EventStepSucceeded   EventType = "step_succeeded"
	EventStepFailed      EventType = "step_failed"
	EventPlanExpanded    EventType = "plan_expanded"
	EventPlanSubstituted EventType = "plan_substituted"
	EventBranchAbandoned EventType = "branch_abandoned"
)

// Event is one published notification.
type Event struct {
	Type      EventType
	Timestamp time.Time
	RunID     string
	StepID    string
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fan-out. Each subscriber gets a
// buffered channel drained by its own goroutine; when the buffer is full the
// event is dropped for that subscriber rather than stalling the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. fn runs on a dedicated goroutine; panics inside it are contained.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every event type known to the bus.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	types := []EventType{
		EventRunStarted, EventRunTransition, EventRunFinished,
		EventStepDispatched, EventStepSucceeded, EventStepFailed,
		EventPlanExpanded, EventPlanSubstituted, EventBranchAbandoned,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish fans the event out. Sends never block; a slow subscriber loses
// events instead of holding up the run loop.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
