package pmd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pierreg256/distflow/pkg/pmdclient"
	"github.com/pierreg256/distflow/pkg/pmdproto"
)

func startDaemon(t *testing.T, opts Options) (*Daemon, int) {
	t.Helper()
	d := New(opts)
	addr, err := d.Start()
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return d, addr.(*net.TCPAddr).Port
}

func dialClient(t *testing.T, port int) *pmdclient.Client {
	t.Helper()
	c, err := pmdclient.Connect("localhost", port, pmdclient.Options{})
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}

func TestRegisterResolveRoundTrip(t *testing.T) {
	_, port := startDaemon(t, Options{Port: 0})
	c := dialClient(t, port)

	require.NoError(t, c.Register("node-1", "worker", "127.0.0.1", 9001, nil))

	byAlias, err := c.Resolve("worker")
	require.NoError(t, err)
	require.Equal(t, "node-1", byAlias.NodeID)
	require.Equal(t, 9001, byAlias.Port)

	byNodeID, err := c.Resolve("node-1")
	require.NoError(t, err)
	require.Equal(t, "worker", byNodeID.Alias)

	nodes, err := c.List()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
}

func TestResolveUnknownAliasErrors(t *testing.T) {
	_, port := startDaemon(t, Options{Port: 0})
	c := dialClient(t, port)

	_, err := c.Resolve("nope")
	require.Error(t, err)
}

func TestRegisterDuplicateAliasFromDifferentNodeFails(t *testing.T) {
	_, port := startDaemon(t, Options{Port: 0})
	c := dialClient(t, port)

	require.NoError(t, c.Register("node-1", "worker", "127.0.0.1", 9001, nil))
	err := c.Register("node-2", "worker", "127.0.0.1", 9002, nil)
	require.Error(t, err)

	// the original registration must be untouched
	node, err := c.Resolve("worker")
	require.NoError(t, err)
	require.Equal(t, "node-1", node.NodeID)
}

func TestRegisterSameNodeReusingItsOwnAliasSucceeds(t *testing.T) {
	_, port := startDaemon(t, Options{Port: 0})
	c := dialClient(t, port)

	require.NoError(t, c.Register("node-1", "worker", "127.0.0.1", 9001, nil))
	require.NoError(t, c.Register("node-1", "worker", "127.0.0.1", 9002, nil))

	node, err := c.Resolve("worker")
	require.NoError(t, err)
	require.Equal(t, 9002, node.Port)
}

func TestUnregisterRemovesNode(t *testing.T) {
	_, port := startDaemon(t, Options{Port: 0})
	c := dialClient(t, port)

	require.NoError(t, c.Register("node-1", "worker", "127.0.0.1", 9001, nil))
	require.NoError(t, c.Unregister("node-1"))

	_, err := c.Resolve("worker")
	require.Error(t, err)
}

func TestWatchDeliversJoinAndLeaveEvents(t *testing.T) {
	_, port := startDaemon(t, Options{Port: 0})
	watcher := dialClient(t, port)
	require.NoError(t, watcher.Watch())

	events := make(chan string, 8)
	watcher.OnEvent(func(event string, peer pmdproto.NodeInfo) {
		events <- event + ":" + peer.Alias
	})

	actor := dialClient(t, port)
	require.NoError(t, actor.Register("node-1", "worker", "127.0.0.1", 9001, nil))
	require.NoError(t, actor.Unregister("node-1"))

	require.Eventually(t, func() bool { return len(events) >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "peer:join:worker", <-events)
	require.Equal(t, "peer:leave:worker", <-events)
}

// liveness: closing the socket a node registered on must remove it, per
// spec §4.3 "socket-tied liveness".
func TestSocketCloseRemovesRegisteredNode(t *testing.T) {
	_, port := startDaemon(t, Options{Port: 0})
	actor, err := pmdclient.Connect("localhost", port, pmdclient.Options{})
	require.NoError(t, err)

	require.NoError(t, actor.Register("node-1", "worker", "127.0.0.1", 9001, nil))
	actor.Disconnect()

	checker := dialClient(t, port)
	require.Eventually(t, func() bool {
		_, err := checker.Resolve("worker")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoShutdownWhenRegistryGoesEmpty(t *testing.T) {
	d := New(Options{Port: 0, AutoShutdownDelay: 100 * time.Millisecond})
	addr, err := d.Start()
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	port := addr.(*net.TCPAddr).Port

	c, err := pmdclient.Connect("localhost", port, pmdclient.Options{})
	require.NoError(t, err)
	require.NoError(t, c.Register("node-1", "worker", "127.0.0.1", 9001, nil))
	require.NoError(t, c.Unregister("node-1"))
	c.Disconnect()

	closed := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not auto-shutdown after registry went empty")
	}
}

func TestShutdownRequestStopsDaemon(t *testing.T) {
	d, port := startDaemon(t, Options{Port: 0})
	c := dialClient(t, port)

	require.NoError(t, c.Shutdown())

	closed := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop after shutdown request")
	}
}
