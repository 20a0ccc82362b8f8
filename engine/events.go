package engine

import (
	"time"

	"github.com/hupe1980/memgo/record"
)

// EventKind identifies the mutation an Event describes.
type EventKind int

const (
	// EventStore is emitted when a new record is created.
	EventStore EventKind = iota
	// EventUpdate is emitted when an existing record is modified.
	EventUpdate
	// EventDelete is emitted when a record is removed.
	EventDelete
	// EventRelate is emitted when a relationship is created.
	EventRelate
	// EventUnrelate is emitted for every removed relationship, explicit or
	// cascaded.
	EventUnrelate
)

// Event describes a committed mutation.
type Event struct {
	Kind         EventKind
	RecordID     string
	RecordType   string
	Relationship string
	Time         time.Time
}

// Observer receives mutation events after they commit.
//
// Notify runs on the mutating goroutine, outside the engine lock but before
// the mutating call returns. Implementations must be fast and must not call
// back into the engine.
type Observer interface {
	Notify(Event)
}

type noopObserver struct{}

func (noopObserver) Notify(Event) {}

func storeEvent(kind EventKind, rec *record.Record, now time.Time) Event {
	return Event{Kind: kind, RecordID: rec.ID, RecordType: rec.Type, Time: now}
}
