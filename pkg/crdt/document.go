package crdt

import (
	"sync"
	"time"

	"github.com/pierreg256/distflow/internal/logging"
)

type pendingOp struct {
	op         Op
	receivedAt time.Time
}

// Document is a single replica of the replicated JSON document described
// in spec §4.6: a JSON tree mutated only through causally-ordered Ops,
// converging via per-path last-writer-wins with HLC tie-breaking and
// tombstones that permanently win over any earlier-dated set.
//
// The teacher's single-goroutine-owns-state actor shape isn't reused here:
// operations are synchronous under a plain mutex, since this package owns
// no network loop itself - pkg/ring owns the loop that calls into this
// type. The conflict/log/GC bookkeeping pattern follows other_examples'
// crdt-collab session.go, which keeps a parallel op log and vector clock
// alongside the live document for the same reasons (diffing and replay).
type Document struct {
	mu        sync.Mutex
	replicaID string
	opts      Options
	log       logging.Logger

	doc interface{}
	vc  VC
	hlc HLC

	lww        map[string]HLC
	tombstones map[string]HLC

	opLog   []Op
	pending []pendingOp
	seq     uint64

	events chan Event

	metrics Metrics
}

// NewDocument constructs an empty Document owned by replicaID.
func NewDocument(replicaID string, opts Options, logger logging.Logger) *Document {
	opts.withDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &Document{
		replicaID:  replicaID,
		opts:       opts,
		log:        logger.WithField("component", "crdt").WithField("replica", replicaID),
		vc:         VC{},
		lww:        map[string]HLC{},
		tombstones: map[string]HLC{},
		events:     make(chan Event, 1024),
	}
}

// GetReplicaID returns the replica id this Document was constructed with.
func (d *Document) GetReplicaID() string { return d.replicaID }

func (d *Document) tick() HLC {
	now := time.Now().UnixMilli()
	if now > d.hlc.T {
		d.hlc = HLC{T: now, C: 0, R: d.replicaID}
	} else {
		d.hlc = HLC{T: d.hlc.T, C: d.hlc.C + 1, R: d.replicaID}
	}
	return d.hlc
}

// mergeHLC advances the local clock on receipt of a remote timestamp,
// following the standard HLC merge rule (max of wall times, counter reset
// or bumped depending on which side's wall time won).
func (d *Document) mergeHLC(remote HLC) {
	t := d.hlc.T
	if remote.T > t {
		t = remote.T
	}
	switch {
	case t == d.hlc.T && t == remote.T:
		c := d.hlc.C
		if remote.C > c {
			c = remote.C
		}
		d.hlc = HLC{T: t, C: c + 1, R: d.replicaID}
	case t == d.hlc.T:
		d.hlc = HLC{T: t, C: d.hlc.C + 1, R: d.replicaID}
	case t == remote.T:
		d.hlc = HLC{T: t, C: remote.C + 1, R: d.replicaID}
	default:
		d.hlc = HLC{T: t, C: 0, R: d.replicaID}
	}
}

// Set writes value at path, producing and applying a new local Op.
func (d *Document) Set(path Path, value interface{}) Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, prefix := range path.prefixes() {
		if _, tombstoned := d.tombstones[prefix.key()]; tombstoned {
			d.emit(Event{Kind: EventConflict, Conflict: &ConflictEvent{Type: "parent-tombstone", Path: prefix}})
			d.metrics.ConflictsParentTombstone++
		}
	}

	hlc := d.tick()
	d.vc[d.replicaID]++
	deps := d.vc.Clone()
	d.seq++
	op := Op{
		ID:    buildOpID(d.replicaID, hlc, d.seq),
		Kind:  KindSet,
		Path:  path.Clone(),
		Value: deepCopy(value),
		HLC:   hlc,
		Deps:  deps,
		Src:   d.replicaID,
	}

	d.applyEffect(op)
	d.appendLog(op)
	d.maybeAutoGC()
	return op
}

// Del tombstones path, removing its subtree and permanently blocking any
// earlier-dated set from resurrecting it.
func (d *Document) Del(path Path) Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	hlc := d.tick()
	d.vc[d.replicaID]++
	deps := d.vc.Clone()
	d.seq++
	op := Op{
		ID:   buildOpID(d.replicaID, hlc, d.seq),
		Kind: KindTombstone,
		Path: path.Clone(),
		HLC:  hlc,
		Deps: deps,
		Src:  d.replicaID,
	}

	d.applyEffect(op)
	d.appendLog(op)
	d.maybeAutoGC()
	return op
}

// applyEffect mutates doc/lww/tombstones for op and emits the
// corresponding change/conflict event. It does not touch vc/hlc/opLog;
// callers are responsible for those (Set/Del already advanced them before
// calling; Receive advances them only once the op is causally ready).
func (d *Document) applyEffect(op Op) {
	key := op.Path.key()

	if op.isDelete() {
		existing, has := d.tombstones[key]
		if !has || op.HLC.Greater(existing) {
			d.tombstones[key] = op.HLC
			d.doc = deleteAtPath(d.doc, op.Path)
			delete(d.lww, key)
			d.metrics.OpsApplied++
			d.emit(Event{Kind: EventChange, Change: &ChangeEvent{Type: "del", Path: op.Path, Op: op}})
		}
		return
	}

	if tomb, tombstoned := d.tombstones[key]; tombstoned && tomb.Greater(op.HLC) {
		d.metrics.OpsRejectedTombstoneWins++
		d.emit(Event{Kind: EventConflict, Conflict: &ConflictEvent{Type: "tombstone-wins", Path: op.Path}})
		return
	}

	existing, has := d.lww[key]
	if !has || op.HLC.Greater(existing) {
		d.lww[key] = op.HLC
		d.doc = writeAtPath(d.doc, op.Path, deepCopy(op.Value))
		d.metrics.OpsApplied++
		d.emit(Event{Kind: EventChange, Change: &ChangeEvent{Type: "set", Path: op.Path, Value: op.Value, Op: op}})
	}
}

func (d *Document) appendLog(op Op) {
	d.opLog = append(d.opLog, op)
}

// Receive applies a remote op if it is already seen (no-op, returns
// false), causally ready (applied immediately, returns true), or not yet
// ready (buffered in pending, returns false until a later drain applies it).
func (d *Document) Receive(op Op) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receiveLocked(op)
}

func (d *Document) receiveLocked(op Op) bool {
	if d.vc[op.Src] >= op.Deps[op.Src] {
		return false // already applied (duplicate or stale)
	}

	if !d.readyLocked(op) {
		d.pending = append(d.pending, pendingOp{op: op, receivedAt: time.Now()})
		d.maybeAutoGC()
		return false
	}

	d.applyReadyLocked(op)
	d.drainPendingLocked()
	return true
}

// readyLocked implements spec §4.6's causal readiness check: op.deps[src]
// must be exactly local[src]+1, and every other replica's dep must not
// exceed what's already known locally.
func (d *Document) readyLocked(op Op) bool {
	if d.vc[op.Src]+1 != op.Deps[op.Src] {
		return false
	}
	for replica, v := range op.Deps {
		if replica == op.Src {
			continue
		}
		if v > d.vc[replica] {
			return false
		}
	}
	return true
}

func (d *Document) applyReadyLocked(op Op) {
	mergeVCInto(d.vc, op.Deps)
	d.mergeHLC(op.HLC)
	d.applyEffect(op)
	d.appendLog(op)
}

// drainPendingLocked repeatedly scans the pending buffer for ops that have
// become ready, applying them until a full pass makes no progress.
func (d *Document) drainPendingLocked() {
	for {
		progressed := false
		remaining := d.pending[:0:0]
		for _, p := range d.pending {
			if d.vc[p.op.Src] >= p.op.Deps[p.op.Src] {
				continue // superseded while buffered
			}
			if d.readyLocked(p.op) {
				d.applyReadyLocked(p.op)
				progressed = true
				continue
			}
			remaining = append(remaining, p)
		}
		d.pending = remaining
		if !progressed {
			return
		}
	}
}

// DiffSince returns the log ops a peer whose vector clock is remoteVC has
// not yet seen.
func (d *Document) DiffSince(remoteVC VC) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Op, 0)
	for _, op := range d.opLog {
		if op.Deps[op.Src] > remoteVC[op.Src] {
			out = append(out, op)
		}
	}
	return out
}

// Clock returns a copy of the current vector clock.
func (d *Document) Clock() VC {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vc.Clone()
}

// Value returns a deep copy of the current document tree.
func (d *Document) Value() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return deepCopy(d.doc)
}
