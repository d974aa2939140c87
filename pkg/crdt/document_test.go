package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncAll(docs ...*Document) {
	for {
		progressed := false
		for _, src := range docs {
			for _, dst := range docs {
				if src == dst {
					continue
				}
				for _, op := range src.DiffSince(dst.Clock()) {
					if dst.Receive(op) {
						progressed = true
					}
				}
			}
		}
		if !progressed {
			return
		}
	}
}

func TestSetThenValueRoundTrips(t *testing.T) {
	d := NewDocument("r1", Options{}, nil)
	d.Set(Path{"name"}, "alice")
	val := d.Value().(map[string]interface{})
	assert.Equal(t, "alice", val["name"])
}

func TestConcurrentSetConvergesLWW(t *testing.T) {
	a := NewDocument("a", Options{}, nil)
	b := NewDocument("b", Options{}, nil)

	a.Set(Path{"x"}, "from-a")
	b.Set(Path{"x"}, "from-b")

	syncAll(a, b)

	va := a.Value().(map[string]interface{})
	vb := b.Value().(map[string]interface{})
	assert.Equal(t, va["x"], vb["x"], "replicas must converge on the same winner")
}

func TestTombstoneWinsOverEarlierSet(t *testing.T) {
	a := NewDocument("a", Options{}, nil)
	b := NewDocument("b", Options{}, nil)

	op := a.Set(Path{"k"}, "v1")
	syncAll(a, b)

	a.Del(Path{"k"})
	syncAll(a, b)

	// A very late duplicate/stale set op with the original (older) HLC
	// must never resurrect the key.
	b.Receive(op)

	av := a.Value()
	bv := b.Value()
	if am, ok := av.(map[string]interface{}); ok {
		_, present := am["k"]
		assert.False(t, present, "a: tombstone must win")
	}
	if bm, ok := bv.(map[string]interface{}); ok {
		_, present := bm["k"]
		assert.False(t, present, "b: tombstone must win")
	}
}

func TestReceiveIsIdempotent(t *testing.T) {
	a := NewDocument("a", Options{}, nil)
	b := NewDocument("b", Options{}, nil)

	op := a.Set(Path{"k"}, "v")
	applied1 := b.Receive(op)
	applied2 := b.Receive(op)

	assert.True(t, applied1)
	assert.False(t, applied2, "receiving the same op twice must be a no-op the second time")
}

func TestReceiveBuffersOutOfOrderOps(t *testing.T) {
	a := NewDocument("a", Options{}, nil)
	b := NewDocument("b", Options{}, nil)

	op1 := a.Set(Path{"k"}, "v1")
	op2 := a.Set(Path{"k"}, "v2")

	applied := b.Receive(op2) // arrives before op1
	require.False(t, applied, "op2 depends on op1 and must be buffered, not applied")
	assert.Equal(t, 1, len(b.pending))

	applied = b.Receive(op1)
	require.True(t, applied)

	// draining should have applied the buffered op2 as well
	assert.Equal(t, 0, len(b.pending))
	val := b.Value().(map[string]interface{})
	assert.Equal(t, "v2", val["k"])
}

func TestParentTombstoneConflictEmitted(t *testing.T) {
	d := NewDocument("a", Options{}, nil)
	d.Set(Path{"a", "b"}, 1)
	d.Del(Path{"a"})

	done := make(chan Event, 1)
	go func() {
		for ev := range d.Events() {
			if ev.Kind == EventConflict && ev.Conflict.Type == "parent-tombstone" {
				done <- ev
				return
			}
		}
	}()

	d.Set(Path{"a", "c"}, 2)

	select {
	case ev := <-done:
		assert.Equal(t, "parent-tombstone", ev.Conflict.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a parent-tombstone conflict event")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	a := NewDocument("a", Options{}, nil)
	a.Set(Path{"k"}, "v")
	a.Del(Path{"gone"})

	snap := a.Snapshot()

	b := NewDocument("b", Options{}, nil)
	b.Restore(snap)

	assert.Equal(t, a.Value(), b.Value())
	assert.True(t, a.Clock().Equal(b.Clock()))
	assert.Empty(t, DiffSnapshots(snap, b.Snapshot()))
}

func TestGcLogTrimsToBound(t *testing.T) {
	d := NewDocument("a", Options{MaxLogSize: 5, DisableAutoGC: true}, nil)
	for i := 0; i < 10; i++ {
		d.Set(Path{"k"}, i)
	}
	require.Equal(t, 10, d.GetMetrics().LogSize)
	d.GcLog(0)
	assert.Equal(t, 5, d.GetMetrics().LogSize)
}

func TestPathKeyDistinguishesNumericAndStringSegments(t *testing.T) {
	numeric := Path{"a", 1}
	str := Path{"a", "1"}
	assert.NotEqual(t, numeric.key(), str.key())
}

func TestDiffSinceReturnsOnlyUnseenOps(t *testing.T) {
	a := NewDocument("a", Options{}, nil)
	a.Set(Path{"k1"}, 1)
	a.Set(Path{"k2"}, 2)

	b := NewDocument("b", Options{}, nil)
	ops := a.DiffSince(b.Clock())
	require.Len(t, ops, 2)
}
