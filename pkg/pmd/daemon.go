// Package pmd implements the Port Mapper Daemon from spec §4.3: a
// single-host registry of NodeIDs, aliases, and listening addresses, with
// socket-tied liveness and peer-event fan-out to watchers.
//
// Structurally this generalizes the teacher's single-actor-owns-maps
// pattern (node.go's Node struct, whose peers/peerGroups maps are mutated
// only by the goroutine reading its commands/inbox channels) from a
// peer-clustering actor into a registry actor: one goroutine owns the
// registry/aliasIndex/watchers maps, and every connection's reads and
// close events funnel into it as commands.
package pmd

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pierreg256/distflow/internal/logging"
	"github.com/pierreg256/distflow/pkg/pmdproto"
	"github.com/pierreg256/distflow/pkg/wire"
)

// DefaultAutoShutdownDelay is the default idle window before the daemon
// shuts itself down, per spec §4.3.
const DefaultAutoShutdownDelay = 30 * time.Second

// Options configures a Daemon.
type Options struct {
	Port              int
	AutoShutdownDelay time.Duration // default DefaultAutoShutdownDelay
	Logger            logging.Logger
	MaxOutboxPerConn  int // default 256
}

func (o *Options) withDefaults() {
	if o.AutoShutdownDelay <= 0 {
		o.AutoShutdownDelay = DefaultAutoShutdownDelay
	}
	if o.Logger == nil {
		o.Logger = logging.New()
	}
	if o.MaxOutboxPerConn <= 0 {
		o.MaxOutboxPerConn = 256
	}
}

// Daemon is the running PMD. Construct with New, start with Start.
type Daemon struct {
	opts     Options
	log      logging.Logger
	listener net.Listener

	cmdCh chan interface{}
	quit  chan struct{}
	wg    sync.WaitGroup

	// Actor-owned state; only touched from the run() goroutine.
	registry       map[string]pmdproto.NodeInfo
	aliasIndex     map[string]string
	watchers       map[*conn]struct{}
	socketToNodeID map[*conn]string
	shutdownTimer  *time.Timer
	shutdownGen    int

	shutdownOnce sync.Once
}

type conn struct {
	id      string
	netConn net.Conn
	out     chan pmdproto.ControlMessage
	closed  chan struct{}
	once    sync.Once
}

func (c *conn) send(msg pmdproto.ControlMessage, blocking bool) bool {
	if blocking {
		select {
		case c.out <- msg:
			return true
		case <-c.closed:
			return false
		}
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.netConn.Close()
	})
}

type cmdIncoming struct {
	c   *conn
	msg pmdproto.ControlMessage
}

type cmdClosed struct {
	c *conn
}

type cmdCheckShutdown struct {
	generation int
}

// New constructs a Daemon. It does not start listening; call Start.
func New(opts Options) *Daemon {
	opts.withDefaults()
	return &Daemon{
		opts:           opts,
		log:            opts.Logger.WithField("component", "pmd"),
		cmdCh:          make(chan interface{}, 256),
		quit:           make(chan struct{}),
		registry:       make(map[string]pmdproto.NodeInfo),
		aliasIndex:     make(map[string]string),
		watchers:       make(map[*conn]struct{}),
		socketToNodeID: make(map[*conn]string),
	}
}

// Start binds the configured port (0 for ephemeral) and begins serving.
// Returns the bound address.
func (d *Daemon) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", d.opts.Port))
	if err != nil {
		return nil, fmt.Errorf("pmd: listen: %w", err)
	}
	d.listener = ln

	d.wg.Add(2)
	go d.acceptLoop()
	go d.run()

	d.log.WithField("addr", ln.Addr().String()).Info("pmd listening")
	return ln.Addr(), nil
}

// Addr returns the bound address, or nil if not started.
func (d *Daemon) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	for {
		nc, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.quit:
				return
			default:
				d.log.WithField("err", err).Debug("accept loop exiting")
				return
			}
		}
		c := &conn{
			id:      nc.RemoteAddr().String(),
			netConn: nc,
			out:     make(chan pmdproto.ControlMessage, d.opts.MaxOutboxPerConn),
			closed:  make(chan struct{}),
		}
		d.wg.Add(2)
		go d.writerLoop(c)
		go d.readerLoop(c)
	}
}

func (d *Daemon) writerLoop(c *conn) {
	defer d.wg.Done()
	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			if err := wire.WriteFrame(c.netConn, msg); err != nil {
				d.log.WithField("conn", c.id).Debug("write failed, dropping connection")
				c.close()
				return
			}
		case <-c.closed:
			return
		case <-d.quit:
			// Flush replies already queued (such as the success reply to a
			// shutdown request), then close the connection.
			for len(c.out) > 0 {
				_ = wire.WriteFrame(c.netConn, <-c.out)
			}
			c.close()
			return
		}
	}
}

func (d *Daemon) readerLoop(c *conn) {
	defer d.wg.Done()
	r := wire.NewReader(c.netConn, 0)
	for {
		body, err := r.Next()
		if err != nil {
			c.close()
			select {
			case d.cmdCh <- cmdClosed{c: c}:
			case <-d.quit:
			}
			return
		}
		var msg pmdproto.ControlMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			d.log.WithField("conn", c.id).Debug("malformed control message, ignoring")
			continue
		}
		d.cmdCh <- cmdIncoming{c: c, msg: msg}
	}
}

// Shutdown stops the daemon: closes the listener, all connections, and
// stops the actor loop. Safe to call multiple times.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		close(d.quit)
		if d.listener != nil {
			_ = d.listener.Close()
		}
	})
	d.wg.Wait()
}

func (d *Daemon) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			d.closeAllConns()
			return
		case cmd := <-d.cmdCh:
			d.handle(cmd)
		}
	}
}

func (d *Daemon) closeAllConns() {
	for c := range d.watchers {
		c.close()
	}
	for c := range d.socketToNodeID {
		c.close()
	}
}

func (d *Daemon) handle(cmd interface{}) {
	switch v := cmd.(type) {
	case cmdIncoming:
		d.handleMessage(v.c, v.msg)
	case cmdClosed:
		d.handleClosed(v.c)
	case cmdCheckShutdown:
		d.handleCheckShutdown(v.generation)
	}
}

func (d *Daemon) reply(c *conn, requestID string, payload interface{}) {
	body, _ := json.Marshal(payload)
	c.send(pmdproto.ControlMessage{Type: pmdproto.TypeResponse, Payload: body, RequestID: requestID}, true)
}

func (d *Daemon) handleMessage(c *conn, msg pmdproto.ControlMessage) {
	switch msg.Type {
	case pmdproto.TypeRegister:
		d.handleRegister(c, msg)
	case pmdproto.TypeUnregister:
		d.handleUnregister(c, msg)
	case pmdproto.TypeResolve:
		d.handleResolve(c, msg)
	case pmdproto.TypeList:
		d.handleList(c, msg)
	case pmdproto.TypeWatch:
		d.handleWatch(c, msg)
	case pmdproto.TypeShutdown:
		d.handleShutdownRequest(c, msg)
	default:
		d.reply(c, msg.RequestID, pmdproto.ErrorPayload{Error: "Unknown message type"})
	}
}

func (d *Daemon) handleRegister(c *conn, msg pmdproto.ControlMessage) {
	var p pmdproto.RegisterPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		d.reply(c, msg.RequestID, pmdproto.ErrorPayload{Error: "malformed register payload"})
		return
	}

	if p.Alias != "" {
		if owner, ok := d.aliasIndex[p.Alias]; ok && owner != p.NodeID {
			d.reply(c, msg.RequestID, pmdproto.ErrorPayload{Error: fmt.Sprintf("Alias '%s' already in use", p.Alias)})
			return
		}
	}

	_, existed := d.registry[p.NodeID]

	// Clear any previous alias this NodeID held, in case it's rebinding.
	if prev, ok := d.registry[p.NodeID]; ok && prev.Alias != "" && prev.Alias != p.Alias {
		delete(d.aliasIndex, prev.Alias)
	}

	info := pmdproto.NodeInfo{
		NodeID:       p.NodeID,
		Alias:        p.Alias,
		Host:         p.Host,
		Port:         p.Port,
		RegisteredAt: time.Now().UnixMilli(),
		Meta:         p.Meta,
	}
	d.registry[p.NodeID] = info
	if p.Alias != "" {
		d.aliasIndex[p.Alias] = p.NodeID
	}
	d.socketToNodeID[c] = p.NodeID

	d.cancelAutoShutdown()

	if !existed {
		d.broadcastEvent(pmdproto.EventPeerJoin, info)
	}

	d.reply(c, msg.RequestID, pmdproto.SuccessPayload{Success: true})
}

func (d *Daemon) handleUnregister(c *conn, msg pmdproto.ControlMessage) {
	var p pmdproto.UnregisterPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		d.reply(c, msg.RequestID, pmdproto.ErrorPayload{Error: "malformed unregister payload"})
		return
	}
	d.removeNode(p.NodeID, c, msg.RequestID)
}

func (d *Daemon) removeNode(nodeID string, replyTo *conn, requestID string) {
	info, ok := d.registry[nodeID]
	if !ok {
		if replyTo != nil {
			d.reply(replyTo, requestID, pmdproto.ErrorPayload{Error: "Node not found"})
		}
		return
	}
	delete(d.registry, nodeID)
	if info.Alias != "" {
		delete(d.aliasIndex, info.Alias)
	}
	for conn, nid := range d.socketToNodeID {
		if nid == nodeID {
			delete(d.socketToNodeID, conn)
		}
	}

	d.broadcastEvent(pmdproto.EventPeerLeave, info)

	if replyTo != nil {
		d.reply(replyTo, requestID, pmdproto.SuccessPayload{Success: true})
	}

	if len(d.registry) == 0 {
		d.armAutoShutdown()
	}
}

func (d *Daemon) handleResolve(c *conn, msg pmdproto.ControlMessage) {
	var p pmdproto.ResolvePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		d.reply(c, msg.RequestID, pmdproto.ErrorPayload{Error: "malformed resolve payload"})
		return
	}
	if nodeID, ok := d.aliasIndex[p.Alias]; ok {
		d.reply(c, msg.RequestID, pmdproto.ResolvePayloadReply{Node: d.registry[nodeID]})
		return
	}
	if info, ok := d.registry[p.Alias]; ok {
		d.reply(c, msg.RequestID, pmdproto.ResolvePayloadReply{Node: info})
		return
	}
	d.reply(c, msg.RequestID, pmdproto.ErrorPayload{Error: "Not found"})
}

func (d *Daemon) handleList(c *conn, msg pmdproto.ControlMessage) {
	nodes := make([]pmdproto.NodeInfo, 0, len(d.registry))
	for _, info := range d.registry {
		nodes = append(nodes, info)
	}
	d.reply(c, msg.RequestID, pmdproto.ListPayloadReply{Nodes: nodes})
}

func (d *Daemon) handleWatch(c *conn, msg pmdproto.ControlMessage) {
	d.watchers[c] = struct{}{}
	d.reply(c, msg.RequestID, pmdproto.SuccessPayload{Success: true})
}

func (d *Daemon) handleShutdownRequest(c *conn, msg pmdproto.ControlMessage) {
	d.reply(c, msg.RequestID, pmdproto.SuccessPayload{Success: true})
	go d.Shutdown()
}

func (d *Daemon) handleClosed(c *conn) {
	delete(d.watchers, c)
	if nodeID, ok := d.socketToNodeID[c]; ok {
		delete(d.socketToNodeID, c)
		d.removeNode(nodeID, nil, "")
	}
}

// broadcastEvent is best-effort and not retried, per spec §9: a watcher
// whose outbox is full simply misses the event (the decision recorded in
// SPEC_FULL.md §13.1).
func (d *Daemon) broadcastEvent(event string, peer pmdproto.NodeInfo) {
	body, _ := json.Marshal(pmdproto.EventPayload{Event: event, Peer: peer})
	for c := range d.watchers {
		if !c.send(pmdproto.ControlMessage{Type: pmdproto.TypeEvent, Payload: body}, false) {
			d.log.WithField("conn", c.id).Debug("watcher outbox full, dropping event")
		}
	}
}

func (d *Daemon) cancelAutoShutdown() {
	if d.shutdownTimer != nil {
		d.shutdownTimer.Stop()
		d.shutdownTimer = nil
	}
	d.shutdownGen++
}

func (d *Daemon) armAutoShutdown() {
	d.cancelAutoShutdown()
	gen := d.shutdownGen
	d.shutdownTimer = time.AfterFunc(d.opts.AutoShutdownDelay, func() {
		select {
		case d.cmdCh <- cmdCheckShutdown{generation: gen}:
		case <-d.quit:
		}
	})
}

func (d *Daemon) handleCheckShutdown(generation int) {
	if generation != d.shutdownGen {
		return // a REGISTER cancelled/re-armed since this timer was set
	}
	if len(d.registry) == 0 {
		d.log.Info("pmd idle timeout reached, shutting down")
		go d.Shutdown()
	}
}
