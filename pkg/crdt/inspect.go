package crdt

// InspectOptions bounds how much of the log/pending buffer Inspect samples,
// so a debug endpoint can't accidentally dump an unbounded log.
type InspectOptions struct {
	LogSampleSize      int // default 20, most recent ops
	PendingSampleSize  int // default 20
	IncludeCausalGraph bool
}

func (o *InspectOptions) withDefaults() {
	if o.LogSampleSize <= 0 {
		o.LogSampleSize = 20
	}
	if o.PendingSampleSize <= 0 {
		o.PendingSampleSize = 20
	}
}

// PendingSample describes one buffered, not-yet-ready op.
type PendingSample struct {
	Op           Op
	WaitingOnSrc string
	WaitingOnSeq uint64
}

// InspectResult is a bounded, human-debuggable window into Document state.
type InspectResult struct {
	ReplicaID   string
	VC          VC
	HLC         HLC
	LogSample   []Op
	Pending     []PendingSample
	CausalGraph map[string][]string // op id -> predecessor op ids, same-replica chain only
}

// Inspect returns a bounded snapshot of internal state for operator
// tooling, per spec §4.6 "inspect/debug hooks".
func (d *Document) Inspect(opts InspectOptions) InspectResult {
	opts.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()

	logSample := d.opLog
	if len(logSample) > opts.LogSampleSize {
		logSample = logSample[len(logSample)-opts.LogSampleSize:]
	}
	logCopy := append([]Op(nil), logSample...)

	pendingSample := d.pending
	if len(pendingSample) > opts.PendingSampleSize {
		pendingSample = pendingSample[:opts.PendingSampleSize]
	}
	pendingCopy := make([]PendingSample, 0, len(pendingSample))
	for _, p := range pendingSample {
		pendingCopy = append(pendingCopy, PendingSample{
			Op:           p.op,
			WaitingOnSrc: p.op.Src,
			WaitingOnSeq: p.op.Deps[p.op.Src],
		})
	}

	result := InspectResult{
		ReplicaID: d.replicaID,
		VC:        d.vc.Clone(),
		HLC:       d.hlc,
		LogSample: logCopy,
		Pending:   pendingCopy,
	}
	if opts.IncludeCausalGraph {
		result.CausalGraph = d.causalGraphLocked()
	}
	return result
}

// GetCausalGraph returns, for every op id in the log, the id of its
// same-replica causal predecessor (the chain formed by each replica's own
// op sequence). Cross-replica dependency edges are not reconstructed since
// Deps stores counters, not the originating op ids.
func (d *Document) GetCausalGraph() map[string][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.causalGraphLocked()
}

func (d *Document) causalGraphLocked() map[string][]string {
	lastByReplica := map[string]string{}
	graph := make(map[string][]string, len(d.opLog))
	for _, op := range d.opLog {
		if prev, ok := lastByReplica[op.Src]; ok {
			graph[op.ID] = []string{prev}
		} else {
			graph[op.ID] = nil
		}
		lastByReplica[op.Src] = op.ID
	}
	return graph
}

// Replay calls onOp for each op in the log between fromIndex (inclusive)
// and toIndex (exclusive). Out-of-range bounds are clamped rather than
// erroring, so callers can pass (0, -1) style open ranges defensively.
func (d *Document) Replay(fromIndex, toIndex int, onOp func(Op)) {
	d.mu.Lock()
	logCopy := append([]Op(nil), d.opLog...)
	d.mu.Unlock()

	if fromIndex < 0 {
		fromIndex = 0
	}
	if toIndex < 0 || toIndex > len(logCopy) {
		toIndex = len(logCopy)
	}
	if fromIndex >= toIndex {
		return
	}
	for _, op := range logCopy[fromIndex:toIndex] {
		onOp(op)
	}
}
