package ring

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pierreg256/distflow/internal/idgen"
	"github.com/pierreg256/distflow/internal/logging"
	"github.com/pierreg256/distflow/pkg/crdt"
	"github.com/pierreg256/distflow/pkg/pmdclient"
	"github.com/pierreg256/distflow/pkg/pmdproto"
	"github.com/pierreg256/distflow/pkg/transport"
)

type pendingResult struct {
	data json.RawMessage
	err  error
}

// Node is one member of a consistent-hash ring (spec §4.7).
type Node struct {
	opts      Options
	log       logging.Logger
	nodeID    string
	selfToken uint64

	tr  *transport.Transport
	pc  *pmdclient.Client
	doc *crdt.Document

	dhtMu sync.Mutex
	dht   map[string]interface{}

	pendingMu  sync.Mutex
	pending    map[string]chan pendingResult
	reqCounter uint64

	stabilityMu        sync.Mutex
	state              StabilityState
	lastTopologyChange time.Time
	lastMembersCount   int

	events chan Event

	quit         chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// Start brings up a ring node: listens for inbound messages, registers
// with the PMD under a "ring-"-prefixed alias, inserts itself into the
// membership CRDT document, and starts the anti-entropy, stability-check,
// and stabilize background loops.
func Start(opts Options) (*Node, error) {
	opts.withDefaults()
	if len(opts.Alias) < 5 || opts.Alias[:5] != "ring-" {
		opts.Alias = "ring-" + opts.Alias
	}
	log := opts.Logger.WithField("component", "ring").WithField("alias", opts.Alias)

	nodeID := idgen.New().String()

	tr := transport.New(transport.Options{Logger: opts.Logger})
	port, err := tr.Listen()
	if err != nil {
		return nil, fmt.Errorf("ring: listen: %w", err)
	}

	pc, err := connectWithRetry(opts.PMDHost, opts.PMDPort, opts.ConnectRetries, opts.ConnectRetryDelay, opts.Logger)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("ring: connect to pmd: %w", err)
	}

	if err := pc.Register(nodeID, opts.Alias, "localhost", port, nil); err != nil {
		pc.Disconnect()
		_ = tr.Close()
		return nil, fmt.Errorf("ring: register: %w", err)
	}

	n := &Node{
		opts:      opts,
		log:       log,
		nodeID:    nodeID,
		selfToken: tokenFor(nodeID),
		tr:        tr,
		pc:        pc,
		doc:       crdt.NewDocument(nodeID, opts.CRDTOptions, opts.Logger),
		dht:       map[string]interface{}{},
		pending:   map[string]chan pendingResult{},
		state:     StateUnstable,
		events:    make(chan Event, 64),
		quit:      make(chan struct{}),
	}

	self := MemberInfo{Alias: opts.Alias, NodeID: nodeID, JoinedAt: time.Now().UnixMilli(), Token: n.selfToken}
	n.doc.Set(crdt.Path{"members", nodeID}, self.toMap())
	n.lastMembersCount = len(n.members())
	n.lastTopologyChange = time.Now()

	pc.OnEvent(n.handlePeerEvent)
	if err := pc.Watch(); err != nil {
		log.WithField("err", err).Warn("failed to subscribe to peer events")
	}
	tr.OnMessage(n.dispatch)

	n.wg.Add(3)
	go n.syncLoop()
	go n.stabilityLoop()
	go n.stabilizeLoop()

	log.WithField("nodeId", nodeID).WithField("token", n.selfToken).Info("ring node started")
	return n, nil
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

// NodeID returns this ring node's identifier.
func (n *Node) NodeID() string { return n.nodeID }

// Document exposes the underlying CRDT document, mostly for tests and
// operator inspection.
func (n *Node) Document() *crdt.Document { return n.doc }

// Events returns the channel stability transitions are delivered on.
func (n *Node) Events() <-chan Event { return n.events }

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.log.WithField("kind", ev.Kind).Debug("ring event channel full, dropping")
	}
}

func (n *Node) handlePeerEvent(event string, peer pmdproto.NodeInfo) {
	if event != pmdproto.EventPeerLeave {
		return
	}
	if len(peer.Alias) < 5 || peer.Alias[:5] != "ring-" {
		return
	}
	n.doc.Del(crdt.Path{"members", peer.NodeID})
	n.reevaluateTopology()
}

// reevaluateTopology implements spec §4.7's stability transitions: any
// change in membersCount resets lastTopologyChange and, if the ring was
// previously stable, flips it back to unstable immediately.
func (n *Node) reevaluateTopology() {
	count := len(n.members())

	n.stabilityMu.Lock()
	defer n.stabilityMu.Unlock()
	if count == n.lastMembersCount {
		return
	}
	n.lastMembersCount = count
	n.lastTopologyChange = time.Now()
	if n.state == StateStable {
		n.state = StateUnstable
		n.emit(Event{Kind: EventRingUnstable, Info: StabilityInfo{State: n.state, MembersCount: count, LastTopologyChange: n.lastTopologyChange}})
	}
}

// IsStable reports whether the stability state machine currently reads STABLE.
func (n *Node) IsStable() bool {
	n.stabilityMu.Lock()
	defer n.stabilityMu.Unlock()
	return n.state == StateStable
}

// GetStabilityInfo returns a point-in-time read of the stability state.
func (n *Node) GetStabilityInfo() StabilityInfo {
	n.stabilityMu.Lock()
	defer n.stabilityMu.Unlock()
	return StabilityInfo{State: n.state, MembersCount: n.lastMembersCount, LastTopologyChange: n.lastTopologyChange}
}

// WaitForStable blocks until the ring reports STABLE or timeout elapses.
func (n *Node) WaitForStable(timeout time.Duration) (StabilityInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		info := n.GetStabilityInfo()
		if info.State == StateStable {
			return info, nil
		}
		if time.Now().After(deadline) {
			return info, fmt.Errorf("ring: waitForStable timed out after %s", timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (n *Node) stabilityLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.opts.StabilityCheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.quit:
			return
		case <-ticker.C:
			n.checkStability()
		}
	}
}

func (n *Node) checkStability() {
	n.stabilityMu.Lock()
	defer n.stabilityMu.Unlock()
	if n.state == StateStable {
		return
	}
	if n.lastMembersCount >= n.opts.ReplicationFactor &&
		time.Since(n.lastTopologyChange) >= time.Duration(n.opts.RequiredStableTimeMs)*time.Millisecond {
		n.state = StateStable
		n.emit(Event{Kind: EventRingStable, Info: StabilityInfo{State: n.state, MembersCount: n.lastMembersCount, LastTopologyChange: n.lastTopologyChange}})
	}
}

func (n *Node) syncLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.opts.SyncIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.quit:
			return
		case <-ticker.C:
			n.antiEntropyRound()
		}
	}
}

// antiEntropyRound discovers ring- peers via the PMD and pulls them for a
// CRDT sync, per spec §4.7.
func (n *Node) antiEntropyRound() {
	nodes, err := n.pc.List()
	if err != nil {
		n.log.WithField("err", err).Debug("anti-entropy: list failed")
		return
	}
	for _, peer := range nodes {
		if peer.NodeID == n.nodeID {
			continue
		}
		if len(peer.Alias) < 5 || peer.Alias[:5] != "ring-" {
			continue
		}
		n.sendSyncRequest(peer.NodeID)
	}
}

func (n *Node) sendSyncRequest(toNodeID string) {
	payload := crdtSyncRequestPayload{Clock: n.doc.Clock(), From: n.opts.Alias, NodeID: n.nodeID}
	if err := n.sendEnvelope(toNodeID, TypeCRDTSyncRequest, payload); err != nil {
		n.log.WithField("err", err).WithField("to", toNodeID).Debug("anti-entropy: send failed")
	}
}

func (n *Node) nextRequestID() string {
	c := atomic.AddUint64(&n.reqCounter, 1)
	return fmt.Sprintf("%s-%d-%d", n.opts.Alias, c, time.Now().UnixMilli())
}

func (n *Node) sendEnvelope(toNodeID string, typ string, body interface{}) error {
	bodyRaw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	env := Envelope{Type: typ, Body: bodyRaw}
	envRaw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	info, err := n.pc.Resolve(toNodeID)
	if err != nil {
		return err
	}
	return n.tr.Send(info.Host, info.Port, n.nodeID, toNodeID, envRaw)
}

func (n *Node) registerPending() (string, chan pendingResult) {
	id := n.nextRequestID()
	ch := make(chan pendingResult, 1)
	n.pendingMu.Lock()
	n.pending[id] = ch
	n.pendingMu.Unlock()
	return id, ch
}

func (n *Node) resolvePending(id string, data json.RawMessage) {
	n.pendingMu.Lock()
	ch, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.pendingMu.Unlock()
	if ok {
		ch <- pendingResult{data: data}
	}
}

func (n *Node) awaitPending(id string, ch chan pendingResult, timeout time.Duration) (json.RawMessage, error) {
	select {
	case res := <-ch:
		return res.data, res.err
	case <-time.After(timeout):
		n.pendingMu.Lock()
		delete(n.pending, id)
		n.pendingMu.Unlock()
		return nil, fmt.Errorf("ring: request %s timed out", id)
	case <-n.quit:
		return nil, fmt.Errorf("ring: node stopped")
	}
}

func (n *Node) dispatch(payload json.RawMessage, md transport.Metadata) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		n.log.WithField("err", err).Debug("dispatch: bad envelope")
		return
	}
	switch env.Type {
	case TypeCRDTSyncRequest:
		n.handleCRDTSyncRequest(md.From, env.Body)
	case TypeCRDTSyncResponse:
		n.handleCRDTSyncResponse(env.Body)
	case TypeToken:
		n.handleToken(env.Body)
	case TypeDHTPut:
		n.handleDHTPut(env.Body)
	case TypeDHTPutAck:
		// fire-and-forget, nothing to correlate against
	case TypeDHTGet:
		n.handleDHTGet(md.From, env.Body)
	case TypeDHTGetResponse:
		n.handleDHTGetResponse(env.Body)
	case TypeStabilizeRequest:
		n.handleStabilizeRequest(md.From, env.Body)
	case TypeStabilizeResp:
		n.handleStabilizeResponse(env.Body)
	case TypeNotify:
		n.handleNotify(env.Body)
	case TypePing:
		n.handlePing(md.From, env.Body)
	case TypePong:
		n.handlePong(env.Body)
	default:
		n.log.WithField("type", env.Type).Debug("dispatch: unknown message type")
	}
}

func (n *Node) handleCRDTSyncRequest(fromNodeID string, body json.RawMessage) {
	var req crdtSyncRequestPayload
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}

	found := false
	for _, m := range n.members() {
		if m.NodeID == req.NodeID {
			found = true
			break
		}
	}
	if !found {
		info := MemberInfo{Alias: req.From, NodeID: req.NodeID, JoinedAt: time.Now().UnixMilli(), Token: tokenFor(req.NodeID)}
		n.doc.Set(crdt.Path{"members", req.NodeID}, info.toMap())
		n.reevaluateTopology()
	}

	resp := crdtSyncResponsePayload{Ops: n.doc.DiffSince(req.Clock), Clock: n.doc.Clock()}
	if err := n.sendEnvelope(fromNodeID, TypeCRDTSyncResponse, resp); err != nil {
		n.log.WithField("err", err).Debug("sync response send failed")
	}
}

func (n *Node) handleCRDTSyncResponse(body json.RawMessage) {
	var resp crdtSyncResponsePayload
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	for _, op := range resp.Ops {
		n.doc.Receive(op)
	}
	n.reevaluateTopology()
}

// Shutdown stops all background loops, rejects outstanding correlated
// requests, unregisters from the PMD, and releases transport resources.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		close(n.quit)
		n.wg.Wait()

		n.pendingMu.Lock()
		for id, ch := range n.pending {
			ch <- pendingResult{err: fmt.Errorf("node stopped")}
			delete(n.pending, id)
		}
		n.pendingMu.Unlock()

		if err := n.pc.Unregister(n.nodeID); err != nil {
			n.log.WithField("err", err).Warn("unregister during shutdown failed")
		}
		n.pc.Disconnect()
		_ = n.tr.Close()
	})
}
