package runtime

import (
	"net"
	"testing"
	"time"

	"github.com/pierreg256/distflow/pkg/pmd"
	"github.com/stretchr/testify/require"
)

func startTestPMD(t *testing.T) int {
	t.Helper()
	d := pmd.New(pmd.Options{Port: 0})
	addr, err := d.Start()
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return addr.(*net.TCPAddr).Port
}

func TestStartRegistersAndSecondStartReturnsSingleton(t *testing.T) {
	port := startTestPMD(t)

	n1, err := Start(Options{Alias: "node-a", PMDPort: port})
	require.NoError(t, err)
	defer n1.Shutdown()

	n2, err := Start(Options{Alias: "node-b", PMDPort: port})
	require.NoError(t, err)
	require.Same(t, n1, n2, "second Start in the same process must return the existing instance")

	nodes, err := n1.pmdClient.List()
	require.NoError(t, err)
	require.Len(t, nodes, 1, "only the first Start's registration should exist")
	require.Equal(t, "node-a", nodes[0].Alias)
}

func TestShutdownAllowsFreshStart(t *testing.T) {
	port := startTestPMD(t)

	n1, err := Start(Options{Alias: "first", PMDPort: port})
	require.NoError(t, err)
	n1.Shutdown()

	time.Sleep(50 * time.Millisecond)

	n2, err := Start(Options{Alias: "second", PMDPort: port})
	require.NoError(t, err)
	defer n2.Shutdown()
	require.NotSame(t, n1, n2)
}
