package orchestrator

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/donnahq/donna/pkg/models"
)

// EventEmitter publishes the outward event stream. Delivery is
// fire-and-forget: a full channel is retried briefly and then dropped, and
// the core never blocks on a slow consumer.
type EventEmitter struct {
	events       chan models.Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an emitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan models.Event, bufferSize),
	}
}

// Emit sends an event, stamping its timestamp if unset.
func (e *EventEmitter) Emit(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	// Give the receiver a moment to drain before dropping.
	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns how many events have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read-only event stream for subscribers.
func (e *EventEmitter) Events() <-chan models.Event {
	return e.events
}

// Close closes the event stream.
func (e *EventEmitter) Close() {
	close(e.events)
}
