// Package runtime implements the node runtime from spec §4.5: a
// process-wide singleton that brings up the transport, the PMD client, and
// the mailbox; registers the node; exposes send/receive; and re-emits peer
// events to the application.
//
// Grounded on the teacher's gyre.go (the Gyre struct wrapping an actor node
// behind a small exported API: Start-shaped constructor, Chan() for
// events, Whisper/Shout-shaped Send) and node.go's startup ordering (bind
// the listening socket, generate identity, start background goroutines in
// a fixed sequence) — generalized from "bind zmq ROUTER + broadcast UDP
// beacon" to "listen TCP + connect/register with a PMD".
package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pierreg256/distflow/internal/errs"
	"github.com/pierreg256/distflow/internal/idgen"
	"github.com/pierreg256/distflow/internal/lockfile"
	"github.com/pierreg256/distflow/internal/logging"
	"github.com/pierreg256/distflow/pkg/mailbox"
	"github.com/pierreg256/distflow/pkg/pmd"
	"github.com/pierreg256/distflow/pkg/pmdclient"
	"github.com/pierreg256/distflow/pkg/pmdproto"
	"github.com/pierreg256/distflow/pkg/transport"
)

// DefaultPMDHost and DefaultPMDPort are the spec §6 configuration defaults.
const (
	DefaultPMDHost = "localhost"
	DefaultPMDPort = 4369
)

// pmdChildEnvVar marks a process that should run as the auto-spawned PMD
// daemon instead of a node, per spec §9's "auto-spawn of the daemon". Host
// programs that import this package should call MaybeRunDaemon() at the
// very top of main() so a self-exec of the binary can pick this branch.
const pmdChildEnvVar = "DISTFLOW_PMD_CHILD_PORT"

// PeerEventHandler receives forwarded peer:join/peer:leave events.
type PeerEventHandler func(event string, peer pmdproto.NodeInfo)

// MessageHandler receives inbound application messages.
type MessageHandler func(payload json.RawMessage, metadata transport.Metadata)

// Options configures a Node. Alias is optional but recommended so peers can
// find this node by name instead of raw NodeID.
type Options struct {
	Alias   string
	PMDHost string // default DefaultPMDHost
	PMDPort int    // default DefaultPMDPort
	Mailbox mailbox.Options
	Logger  logging.Logger

	// ConnectRetries/ConnectRetryDelay govern the PMD client connect retry
	// loop in step 5 of the startup sequence.
	ConnectRetries    int           // default 5
	ConnectRetryDelay time.Duration // default 500ms
}

func (o *Options) withDefaults() {
	if o.PMDHost == "" {
		o.PMDHost = DefaultPMDHost
	}
	if o.PMDPort == 0 {
		o.PMDPort = DefaultPMDPort
	}
	if o.Logger == nil {
		o.Logger = logging.New()
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = 5
	}
	if o.ConnectRetryDelay <= 0 {
		o.ConnectRetryDelay = 500 * time.Millisecond
	}
}

// Node is the running node runtime for this process.
type Node struct {
	opts   Options
	log    logging.Logger
	nodeID idgen.NodeID

	lock      *lockfile.Lock
	transport *transport.Transport
	pmdClient *pmdclient.Client
	mbox      *mailbox.Mailbox

	mu           sync.Mutex
	peerHandlers []PeerEventHandler

	shutdownOnce sync.Once
}

var (
	singletonMu sync.Mutex
	singleton   *Node
)

// Start brings up the node runtime: enforces the process singleton,
// generates a NodeID, ensures a PMD is reachable (spawning one if absent),
// listens for inbound messages, registers with the PMD, and subscribes to
// peer events. A second Start() in the same process returns the existing
// instance, per spec §4.5.
func Start(opts Options) (*Node, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	if singleton != nil {
		return singleton, nil
	}

	opts.withDefaults()
	log := opts.Logger.WithField("component", "runtime")

	identity := processIdentity()
	lock, err := lockfile.Acquire(identity)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	nodeID := idgen.New()
	log = log.WithField("nodeId", nodeID.String())

	if err := ensurePMDReachable(opts.PMDHost, opts.PMDPort, log); err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("runtime: %w: %v", errs.ErrPMDUnavailable, err)
	}

	tr := transport.New(transport.Options{Logger: opts.Logger})
	port, err := tr.Listen()
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("runtime: %w: %v", errs.ErrConnection, err)
	}

	pc, err := connectWithRetry(opts.PMDHost, opts.PMDPort, opts.ConnectRetries, opts.ConnectRetryDelay, opts.Logger)
	if err != nil {
		_ = tr.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("runtime: %w: %v", errs.ErrPMDUnavailable, err)
	}

	if err := pc.Register(nodeID.String(), opts.Alias, "localhost", port, nil); err != nil {
		pc.Disconnect()
		_ = tr.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("runtime: register: %w", err)
	}

	n := &Node{
		opts:      opts,
		log:       log,
		nodeID:    nodeID,
		lock:      lock,
		transport: tr,
		pmdClient: pc,
		mbox:      mailbox.New(opts.Mailbox),
	}

	if err := pc.Watch(); err != nil {
		log.WithField("err", err).Warn("failed to subscribe to peer events")
	}
	pc.OnEvent(n.forwardPeerEvent)
	pc.OnDisconnect(func() {
		log.Warn("lost connection to pmd")
	})

	tr.OnMessage(func(payload json.RawMessage, md transport.Metadata) {
		n.mbox.Push(mailbox.Entry{
			Payload:  payload,
			Metadata: mailbox.Metadata{From: md.From, To: md.To, Timestamp: md.Timestamp},
		})
	})

	singleton = n
	log.Info("node runtime started")
	return n, nil
}

// NodeID returns this node's identifier.
func (n *Node) NodeID() string { return n.nodeID.String() }

// Send resolves target (an alias or NodeID) via the PMD and sends payload
// to it over the framed transport.
func (n *Node) Send(target string, payload json.RawMessage) error {
	info, err := n.pmdClient.Resolve(target)
	if err != nil {
		return fmt.Errorf("runtime: Failed to resolve target: %s: %w", target, err)
	}
	return n.transport.Send(info.Host, info.Port, n.nodeID.String(), info.NodeID, payload)
}

// Discover returns every registered node except self.
func (n *Node) Discover() ([]pmdproto.NodeInfo, error) {
	nodes, err := n.pmdClient.List()
	if err != nil {
		return nil, err
	}
	out := make([]pmdproto.NodeInfo, 0, len(nodes))
	for _, info := range nodes {
		if info.NodeID != n.nodeID.String() {
			out = append(out, info)
		}
	}
	return out, nil
}

// OnMessage registers an application handler for inbound messages.
func (n *Node) OnMessage(h MessageHandler) {
	n.mbox.OnMessage(func(payload []byte, md mailbox.Metadata) {
		h(payload, transport.Metadata{From: md.From, To: md.To, Timestamp: md.Timestamp})
	})
}

// OnPeerEvent registers a handler for forwarded peer:join/peer:leave events.
func (n *Node) OnPeerEvent(h PeerEventHandler) {
	n.mu.Lock()
	n.peerHandlers = append(n.peerHandlers, h)
	n.mu.Unlock()
}

func (n *Node) forwardPeerEvent(event string, peer pmdproto.NodeInfo) {
	n.mu.Lock()
	handlers := make([]PeerEventHandler, len(n.peerHandlers))
	copy(handlers, n.peerHandlers)
	n.mu.Unlock()
	for _, h := range handlers {
		h(event, peer)
	}
}

// Shutdown is idempotent: it unregisters from the PMD (tolerating "Node not
// found" or a disconnected PMD as non-fatal), disconnects the client,
// closes the transport, and releases the process lock.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		if err := n.pmdClient.Unregister(n.nodeID.String()); err != nil {
			n.log.WithField("err", err).Warn("unregister during shutdown failed, continuing")
		}
		n.pmdClient.Disconnect()
		_ = n.transport.Close()
		_ = n.lock.Release()

		singletonMu.Lock()
		if singleton == n {
			singleton = nil
		}
		singletonMu.Unlock()
	})
}

func processIdentity() string {
	exe, err := os.Executable()
	if err != nil {
		exe = "distflow"
	}
	return fmt.Sprintf("%s-%d", exe, os.Getpid())
}

func connectWithRetry(host string, port int, retries int, delay time.Duration, logger logging.Logger) (*pmdclient.Client, error) {
	var lastErr error
	for i := 0; i < retries; i++ {
		pc, err := pmdclient.Connect(host, port, pmdclient.Options{Logger: logger})
		if err == nil {
			return pc, nil
		}
		lastErr = err
		time.Sleep(delay)
	}
	return nil, lastErr
}

// ensurePMDReachable probes host:port; if nothing answers, it spawns a
// detached child process to run the daemon and waits for it to accept
// connections.
func ensurePMDReachable(host string, port int, logger logging.Logger) error {
	pc, err := pmdclient.Connect(host, port, pmdclient.Options{RequestTimeout: 500 * time.Millisecond, Logger: logger})
	if err == nil {
		pc.Disconnect()
		return nil
	}

	logger.Info("no pmd found, spawning one")
	if err := spawnPMDChild(port); err != nil {
		return fmt.Errorf("spawn pmd: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pc, err := pmdclient.Connect(host, port, pmdclient.Options{RequestTimeout: 300 * time.Millisecond, Logger: logger})
		if err == nil {
			pc.Disconnect()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("pmd did not become reachable on %s:%d", host, port)
}

func spawnPMDChild(port int) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", pmdChildEnvVar, port))
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	detachProcess(cmd)
	return cmd.Start()
}

// MaybeRunDaemon checks for the auto-spawn marker environment variable and,
// if present, runs the PMD daemon in the foreground and never returns
// (the process exits when the daemon shuts down). Host programs should call
// this at the very top of main(), before parsing their own flags.
func MaybeRunDaemon() {
	portStr := os.Getenv(pmdChildEnvVar)
	if portStr == "" {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		os.Exit(1)
	}
	d := pmd.New(pmd.Options{Port: port})
	if _, err := d.Start(); err != nil {
		os.Exit(1)
	}
	d.Shutdown() // blocks until the daemon is told to shut down or process is killed
	os.Exit(0)
}
