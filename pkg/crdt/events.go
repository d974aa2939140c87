package crdt

// EventKind tags the variant carried by an Event (spec §4.6 "events").
type EventKind string

const (
	EventChange   EventKind = "change"
	EventConflict EventKind = "conflict"
	EventGC       EventKind = "gc"
	EventRestore  EventKind = "restore"
)

// ChangeEvent fires whenever a set or del op actually mutates the document
// (local or remote, applied immediately or drained from the pending buffer).
type ChangeEvent struct {
	Type  string // "set" or "del"
	Path  Path
	Value interface{}
	Op    Op
}

// ConflictEvent fires when a set loses to a newer tombstone at its path, or
// when a local set targets a path under an already-tombstoned ancestor. A
// set that loses to a newer LWW entry emits no event.
type ConflictEvent struct {
	Type string // "tombstone-wins" or "parent-tombstone"
	Path Path
}

// GCEvent fires after a garbage-collection pass removes entries.
type GCEvent struct {
	Type        string // "log", "tombstones", or "pending"
	Removed     int
	CurrentSize int
}

// RestoreEvent fires after Restore replaces document state from a snapshot.
type RestoreEvent struct {
	ReplicaID string
}

// Event is the tagged union delivered on Document.Events(). Exactly one of
// the typed fields is non-nil, matching Kind.
type Event struct {
	Kind     EventKind
	Change   *ChangeEvent
	Conflict *ConflictEvent
	GC       *GCEvent
	Restore  *RestoreEvent
}

func (d *Document) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		d.log.WithField("kind", ev.Kind).Debug("event channel full, dropping")
	}
}

// Events returns the channel Document delivers events on. It is buffered;
// a slow consumer causes events to be dropped rather than blocking
// mutation, matching the mailbox/transport texture used elsewhere in this
// module.
func (d *Document) Events() <-chan Event { return d.events }
