// Package transport implements the framed JSON transport from spec §4.1:
// moving opaque JSON payloads between NodeIDs over TCP with length-prefixed
// framing, one listener per node, and pooled outbound connections keyed by
// host:port.
//
// Grounded on the teacher's peer.go connect/disconnect/mailbox-socket-cache
// idiom (one outbound zmq DEALER socket per peer, recreated on reconnect),
// adapted here to a map of cached net.Conn guarded by a mutex instead of a
// single zmq socket per peer object.
package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pierreg256/distflow/internal/logging"
	"github.com/pierreg256/distflow/pkg/wire"
)

// NodeMessage is the inter-node wire envelope, per spec §3.
type NodeMessage struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Metadata is delivered to message handlers alongside the payload.
type Metadata struct {
	From      string
	To        string
	Timestamp int64
}

// Handler is invoked with the raw payload and its metadata for every
// complete inbound frame.
type Handler func(payload json.RawMessage, metadata Metadata)

// Options configures a Transport.
type Options struct {
	Logger logging.Logger
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = logging.New()
	}
}

// Transport is a framed-JSON TCP endpoint for one node.
type Transport struct {
	opts Options
	log  logging.Logger

	listener net.Listener

	mu       sync.Mutex
	handler  Handler
	outbound map[string]*outConn // keyed by host:port
	inbound  map[net.Conn]struct{}

	wg sync.WaitGroup
}

type outConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// New constructs a Transport. Call Listen to start accepting connections.
func New(opts Options) *Transport {
	opts.withDefaults()
	return &Transport{
		opts:     opts,
		log:      opts.Logger.WithField("component", "transport"),
		outbound: make(map[string]*outConn),
		inbound:  make(map[net.Conn]struct{}),
	}
}

// Listen binds to an ephemeral TCP port and begins accepting connections,
// demultiplexing frames into the registered handler. Returns the bound
// port.
func (t *Transport) Listen() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("transport: listen: %w", err)
	}
	t.listener = ln
	t.wg.Add(1)
	go t.acceptLoop()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.serveInbound(nc)
	}
}

func (t *Transport) serveInbound(nc net.Conn) {
	defer t.wg.Done()
	defer nc.Close()
	t.mu.Lock()
	t.inbound[nc] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.inbound, nc)
		t.mu.Unlock()
	}()
	r := wire.NewReader(nc, 0)
	for {
		body, err := r.Next()
		if err != nil {
			return
		}
		var msg NodeMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			t.log.WithField("err", err).Debug("malformed frame, dropping (keeping connection open)")
			continue
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(msg.Payload, Metadata{From: msg.From, To: msg.To, Timestamp: msg.Timestamp})
		}
	}
}

// OnMessage registers the single handler invoked for every complete frame.
func (t *Transport) OnMessage(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Send serializes a NodeMessage and writes it to the cached (or newly
// dialed) connection for host:port.
func (t *Transport) Send(host string, port int, fromNodeID, toNodeID string, payload json.RawMessage) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	oc, err := t.connFor(addr)
	if err != nil {
		t.evict(addr)
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	msg := NodeMessage{From: fromNodeID, To: toNodeID, Payload: payload, Timestamp: time.Now().UnixMilli()}

	oc.mu.Lock()
	err = wire.WriteFrame(oc.conn, msg)
	oc.mu.Unlock()
	if err != nil {
		t.evict(addr)
		return fmt.Errorf("transport: write to %s: %w", addr, err)
	}
	return nil
}

func (t *Transport) connFor(addr string) (*outConn, error) {
	t.mu.Lock()
	if oc, ok := t.outbound[addr]; ok {
		t.mu.Unlock()
		return oc, nil
	}
	t.mu.Unlock()

	nc, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	oc := &outConn{conn: nc}

	t.mu.Lock()
	if existing, ok := t.outbound[addr]; ok {
		t.mu.Unlock()
		_ = nc.Close()
		return existing, nil
	}
	t.outbound[addr] = oc
	t.mu.Unlock()
	return oc, nil
}

func (t *Transport) evict(addr string) {
	t.mu.Lock()
	oc, ok := t.outbound[addr]
	delete(t.outbound, addr)
	t.mu.Unlock()
	if ok {
		oc.mu.Lock()
		_ = oc.conn.Close()
		oc.mu.Unlock()
	}
}

// Close shuts down the listener and every cached outbound connection.
func (t *Transport) Close() error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	for addr, oc := range t.outbound {
		_ = oc.conn.Close()
		delete(t.outbound, addr)
	}
	for nc := range t.inbound {
		_ = nc.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
