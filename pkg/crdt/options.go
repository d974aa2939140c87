package crdt

import "time"

// Options configures GC thresholds and autoGC behavior for a Document.
// Defaults follow spec §4.6's suggested bounds.
type Options struct {
	MaxLogSize           int           // default 1000
	MaxPendingSize       int           // default 10000
	MaxLWWSize           int           // default 100000, never auto-evicted, only warned about
	PendingTimeout       time.Duration // default 60s
	TombstoneGracePeriod time.Duration // default 1h

	// DisableAutoGC turns off the opportunistic GC passes maybeAutoGC runs
	// from Set/Del/Receive. Auto-GC defaults to enabled (zero value), so
	// tests that want to drive GcLog/GcTombstones/CleanPendingBuffer
	// directly must set this explicitly.
	DisableAutoGC bool
}

func (o *Options) withDefaults() {
	if o.MaxLogSize <= 0 {
		o.MaxLogSize = 1000
	}
	if o.MaxPendingSize <= 0 {
		o.MaxPendingSize = 10000
	}
	if o.MaxLWWSize <= 0 {
		o.MaxLWWSize = 100000
	}
	if o.PendingTimeout <= 0 {
		o.PendingTimeout = 60 * time.Second
	}
	if o.TombstoneGracePeriod <= 0 {
		o.TombstoneGracePeriod = time.Hour
	}
}

// Metrics is a point-in-time snapshot of document counters, exposed via
// GetMetrics for operator dashboards (spec §4.6 "metrics").
type Metrics struct {
	LogSize                  int
	PendingSize              int
	LWWSize                  int
	TombstoneSize            int
	OpsApplied               uint64
	OpsRejectedTombstoneWins uint64
	ConflictsParentTombstone uint64
	GCRuns                   uint64
}

// Stats bundles Metrics with replica identity and current clocks.
type Stats struct {
	ReplicaID string
	VC        VC
	HLC       HLC
	Metrics   Metrics
}
