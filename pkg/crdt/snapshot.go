package crdt

import "encoding/json"

// lwwPair is an [key, hlc] tuple, encoded as a 2-element JSON array rather
// than an object so snapshots match the spec §4.6 wire shape
// lww: [[key, hlc], ...].
type lwwPair struct {
	Key string
	HLC HLC
}

func (p lwwPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Key, p.HLC})
}

func (p *lwwPair) UnmarshalJSON(b []byte) error {
	var arr [2]json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[0], &p.Key); err != nil {
		return err
	}
	return json.Unmarshal(arr[1], &p.HLC)
}

// Snapshot is a point-in-time, restorable copy of a Document's convergent
// state (the op log and pending buffer are intentionally excluded; they
// are replay history, not state).
type Snapshot struct {
	ReplicaID  string      `json:"replicaId"`
	Doc        interface{} `json:"doc"`
	VC         VC          `json:"vc"`
	HLC        HLC         `json:"hlc"`
	LWW        []lwwPair   `json:"lww"`
	Tombstones []lwwPair   `json:"tombstones"`
}

// Snapshot captures the current convergent state.
func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	lww := make([]lwwPair, 0, len(d.lww))
	for k, h := range d.lww {
		lww = append(lww, lwwPair{Key: k, HLC: h})
	}
	tomb := make([]lwwPair, 0, len(d.tombstones))
	for k, h := range d.tombstones {
		tomb = append(tomb, lwwPair{Key: k, HLC: h})
	}

	return Snapshot{
		ReplicaID:  d.replicaID,
		Doc:        deepCopy(d.doc),
		VC:         d.vc.Clone(),
		HLC:        d.hlc,
		LWW:        lww,
		Tombstones: tomb,
	}
}

// Restore replaces the document's live state with snap, clearing the op
// log and pending buffer (they describe history that no longer applies to
// the restored state).
func (d *Document) Restore(snap Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.doc = deepCopy(snap.Doc)
	d.vc = snap.VC.Clone()
	d.hlc = snap.HLC

	d.lww = make(map[string]HLC, len(snap.LWW))
	for _, p := range snap.LWW {
		d.lww[p.Key] = p.HLC
	}
	d.tombstones = make(map[string]HLC, len(snap.Tombstones))
	for _, p := range snap.Tombstones {
		d.tombstones[p.Key] = p.HLC
	}

	d.opLog = nil
	d.pending = nil

	d.emit(Event{Kind: EventRestore, Restore: &RestoreEvent{ReplicaID: snap.ReplicaID}})
}

// DiffSnapshots returns the path keys whose LWW entry differs between a
// and b (present in one but not the other, or present in both with a
// different HLC). It is a pure function over two Snapshots, useful for
// debugging divergence between replicas without touching live state.
func DiffSnapshots(a, b Snapshot) []string {
	am := make(map[string]HLC, len(a.LWW))
	for _, p := range a.LWW {
		am[p.Key] = p.HLC
	}
	bm := make(map[string]HLC, len(b.LWW))
	for _, p := range b.LWW {
		bm[p.Key] = p.HLC
	}

	diffs := make([]string, 0)
	for k, ah := range am {
		if bh, ok := bm[k]; !ok || !bh.Equal(ah) {
			diffs = append(diffs, k)
		}
	}
	for k := range bm {
		if _, ok := am[k]; !ok {
			diffs = append(diffs, k)
		}
	}
	return diffs
}

// GetMetrics returns a point-in-time copy of the document's counters.
func (d *Document) GetMetrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.metrics
	m.LogSize = len(d.opLog)
	m.PendingSize = len(d.pending)
	m.LWWSize = len(d.lww)
	m.TombstoneSize = len(d.tombstones)
	return m
}

// GetStats bundles GetMetrics with replica identity and current clocks.
func (d *Document) GetStats() Stats {
	d.mu.Lock()
	vc := d.vc.Clone()
	hlc := d.hlc
	replica := d.replicaID
	d.mu.Unlock()
	return Stats{ReplicaID: replica, VC: vc, HLC: hlc, Metrics: d.GetMetrics()}
}
