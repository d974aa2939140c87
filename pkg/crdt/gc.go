package crdt

import "time"

// GcLog trims the op log down to its most recent keepLastN entries (or
// opts.MaxLogSize if keepLastN <= 0), emitting a gc event with how many
// entries were dropped.
func (d *Document) GcLog(keepLastN int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gcLogLocked(keepLastN)
}

func (d *Document) gcLogLocked(keepLastN int) {
	if keepLastN <= 0 {
		keepLastN = d.opts.MaxLogSize
	}
	if len(d.opLog) <= keepLastN {
		return
	}
	removed := len(d.opLog) - keepLastN
	d.opLog = append([]Op(nil), d.opLog[removed:]...)
	d.metrics.GCRuns++
	d.emit(Event{Kind: EventGC, GC: &GCEvent{Type: "log", Removed: removed, CurrentSize: len(d.opLog)}})
}

// GcTombstones removes tombstone entries older than opts.TombstoneGracePeriod.
// Once a tombstone is gone, a very late-arriving set for that path would no
// longer be rejected; the grace period should exceed realistic replica
// partition durations.
func (d *Document) GcTombstones() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gcTombstonesLocked()
}

func (d *Document) gcTombstonesLocked() {
	cutoff := time.Now().UnixMilli() - d.opts.TombstoneGracePeriod.Milliseconds()
	removed := 0
	for key, hlc := range d.tombstones {
		if hlc.T < cutoff {
			delete(d.tombstones, key)
			removed++
		}
	}
	if removed == 0 {
		return
	}
	d.metrics.GCRuns++
	d.emit(Event{Kind: EventGC, GC: &GCEvent{Type: "tombstones", Removed: removed, CurrentSize: len(d.tombstones)}})
}

// CleanPendingBuffer drops pending ops that have waited longer than
// opts.PendingTimeout without becoming causally ready, most likely because
// their causal predecessor was lost or will never arrive.
func (d *Document) CleanPendingBuffer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanPendingLocked()
}

func (d *Document) cleanPendingLocked() {
	cutoff := time.Now().Add(-d.opts.PendingTimeout)
	kept := d.pending[:0:0]
	removed := 0
	for _, p := range d.pending {
		if p.receivedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	d.pending = kept
	if removed == 0 {
		return
	}
	d.metrics.GCRuns++
	d.emit(Event{Kind: EventGC, GC: &GCEvent{Type: "pending", Removed: removed, CurrentSize: len(d.pending)}})
}

// maybeAutoGC runs opportunistic GC passes once the log or pending buffer
// grows well beyond its configured bound. Called with d.mu already held.
func (d *Document) maybeAutoGC() {
	if d.opts.DisableAutoGC {
		return
	}
	if len(d.opLog) > 2*d.opts.MaxLogSize {
		d.gcLogLocked(d.opts.MaxLogSize)
	}
	if len(d.pending) > d.opts.MaxPendingSize/2 {
		d.cleanPendingLocked()
	}
	if len(d.lww) > d.opts.MaxLWWSize {
		d.log.WithField("size", len(d.lww)).Warn("lww index exceeds configured bound, no auto-eviction")
	}
}
