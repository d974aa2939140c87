package ring

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pierreg256/distflow/pkg/pmd"
)

func TestSortMembersOrdersByTokenThenNodeID(t *testing.T) {
	ms := []MemberInfo{
		{NodeID: "b", Token: 5},
		{NodeID: "a", Token: 5},
		{NodeID: "c", Token: 1},
	}
	sortMembers(ms)
	require.Equal(t, []string{"c", "a", "b"}, []string{ms[0].NodeID, ms[1].NodeID, ms[2].NodeID})
}

func TestBetweenHandlesWraparound(t *testing.T) {
	require.True(t, between(10, 20, 30))
	require.False(t, between(10, 5, 30))
	require.True(t, between(250, 5, 10), "wraps past the max uint64 boundary")
	require.False(t, between(10, 10, 30), "exclusive at the lower bound")
}

func startTestPMDForRing(t *testing.T) int {
	t.Helper()
	d := pmd.New(pmd.Options{Port: 0})
	addr, err := d.Start()
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return addr.(*net.TCPAddr).Port
}

func startRingNode(t *testing.T, pmdPort int, alias string) *Node {
	t.Helper()
	n, err := Start(Options{
		Alias:                    alias,
		PMDPort:                  pmdPort,
		SyncIntervalMs:           200,
		StabilizeIntervalMs:      300,
		StabilityCheckIntervalMs: 100,
		RequiredStableTimeMs:     500,
		ReplicationFactor:        3,
	})
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return n
}

func TestThreeNodeRingBecomesStable(t *testing.T) {
	pmdPort := startTestPMDForRing(t)

	nodes := make([]*Node, 0, 3)
	for i := 0; i < 3; i++ {
		nodes = append(nodes, startRingNode(t, pmdPort, fmt.Sprintf("node-%d", i)))
		time.Sleep(50 * time.Millisecond)
	}

	for _, n := range nodes {
		info, err := n.WaitForStable(10 * time.Second)
		require.NoError(t, err)
		require.Equal(t, StateStable, info.State)
		require.GreaterOrEqual(t, info.MembersCount, 3)
	}
}

func TestDHTPutGetAcrossNodes(t *testing.T) {
	pmdPort := startTestPMDForRing(t)

	nodes := make([]*Node, 0, 3)
	for i := 0; i < 3; i++ {
		nodes = append(nodes, startRingNode(t, pmdPort, fmt.Sprintf("dht-%d", i)))
		time.Sleep(50 * time.Millisecond)
	}
	for _, n := range nodes {
		_, err := n.WaitForStable(10 * time.Second)
		require.NoError(t, err)
	}

	// Find a key whose responsible node is neither nodes[0] nor nodes[1].
	var key string
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("key-%d", i)
		owner, ok := nodes[0].FindResponsibleNode(candidate)
		require.True(t, ok)
		if owner.NodeID != nodes[0].nodeID && owner.NodeID != nodes[1].nodeID {
			key = candidate
			break
		}
		if i > 1000 {
			t.Fatal("could not find a key owned by the third node")
		}
	}

	require.NoError(t, nodes[0].Put(key, map[string]interface{}{"v": float64(1)}))

	var got interface{}
	var found bool
	require.Eventually(t, func() bool {
		v, ok, err := nodes[1].Get(key)
		if err != nil || !ok {
			return false
		}
		got, found = v, ok
		return true
	}, 5*time.Second, 100*time.Millisecond)

	require.True(t, found)
	require.Equal(t, map[string]interface{}{"v": float64(1)}, got)
}

func TestGetTimesOutWhenOwnerStopped(t *testing.T) {
	pmdPort := startTestPMDForRing(t)

	a, err := Start(Options{Alias: "owner-a", PMDPort: pmdPort, SyncIntervalMs: 150, StabilizeIntervalMs: 300})
	require.NoError(t, err)
	b := startRingNode(t, pmdPort, "owner-b")
	c := startRingNode(t, pmdPort, "owner-c")

	time.Sleep(500 * time.Millisecond) // let anti-entropy converge membership

	var key string
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("gonekey-%d", i)
		owner, ok := b.FindResponsibleNode(candidate)
		require.True(t, ok)
		if owner.NodeID == a.nodeID {
			key = candidate
			break
		}
		if i > 1000 {
			t.Skip("could not find a key owned by node a in this run")
		}
	}

	a.Shutdown()
	time.Sleep(200 * time.Millisecond)

	_, _, err = c.Get(key)
	require.Error(t, err)
}
