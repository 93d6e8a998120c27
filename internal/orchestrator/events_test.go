package orchestrator

import (
	"testing"
	"time"

	"github.com/donnahq/donna/pkg/models"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	e := NewEventEmitter(4)
	defer e.Close()

	e.Emit(models.Event{Type: models.EventStatus, Message: "first"})
	e.Emit(models.Event{Type: models.EventStatus, Message: "second"})

	got := <-e.Events()
	if got.Message != "first" {
		t.Errorf("got %q first", got.Message)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
	if got = <-e.Events(); got.Message != "second" {
		t.Errorf("got %q second", got.Message)
	}
}

func TestEmitterDropsInsteadOfBlocking(t *testing.T) {
	e := NewEventEmitter(1)
	defer e.Close()

	e.Emit(models.Event{Type: models.EventStatus})

	start := time.Now()
	e.Emit(models.Event{Type: models.EventStatus})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Emit blocked for %s", elapsed)
	}
	if e.DroppedCount() != 1 {
		t.Errorf("dropped = %d, want 1", e.DroppedCount())
	}
}

func TestEmitterKeepsExplicitTimestamp(t *testing.T) {
	e := NewEventEmitter(1)
	defer e.Close()

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.Emit(models.Event{Type: models.EventStatus, Timestamp: ts})
	if got := <-e.Events(); !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp rewritten to %s", got.Timestamp)
	}
}
