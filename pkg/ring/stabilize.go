package ring

import (
	"encoding/json"
	"time"
)

const (
	stabilizeTimeout  = 5 * time.Second
	pingTimeout       = 2 * time.Second
	tokenRestartDelay = 500 * time.Millisecond
)

func (n *Node) stabilizeLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.opts.StabilizeIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.quit:
			return
		case <-ticker.C:
			n.stabilize()
		}
	}
}

// stabilize implements spec §4.7's Chord-style correction step: ask the
// successor for its predecessor, adopt that predecessor into the
// membership view if it lies strictly between self and the successor
// (accelerating convergence ahead of the next anti-entropy round), then
// notify the (possibly corrected) successor of our own presence.
func (n *Node) stabilize() {
	neighbors := n.GetRingNeighbors()
	if neighbors.Successor == nil {
		return
	}
	successor := *neighbors.Successor

	id, ch := n.registerPending()
	if err := n.sendEnvelope(successor.NodeID, TypeStabilizeRequest, stabilizeRequestPayload{RequestID: id}); err != nil {
		n.pendingMu.Lock()
		delete(n.pending, id)
		n.pendingMu.Unlock()
		return
	}

	data, err := n.awaitPending(id, ch, stabilizeTimeout)
	if err != nil {
		return
	}
	var resp stabilizeResponsePayload
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}

	if resp.Predecessor != nil && between(n.selfToken, resp.Predecessor.Token, successor.Token) {
		known := false
		for _, m := range n.members() {
			if m.NodeID == resp.Predecessor.NodeID {
				known = true
				break
			}
		}
		if !known {
			info := *resp.Predecessor
			n.doc.Set([]interface{}{"members", info.NodeID}, info.toMap())
			n.reevaluateTopology()
		}
		neighbors = n.GetRingNeighbors()
		if neighbors.Successor != nil {
			successor = *neighbors.Successor
		}
	}

	_ = n.sendEnvelope(successor.NodeID, TypeNotify, notifyPayload{NodeID: n.nodeID, Hash: n.selfToken})
}

func (n *Node) handleStabilizeRequest(fromNodeID string, body json.RawMessage) {
	var req stabilizeRequestPayload
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}
	neighbors := n.GetRingNeighbors()
	resp := stabilizeResponsePayload{RequestID: req.RequestID, Predecessor: neighbors.Predecessor}
	if err := n.sendEnvelope(fromNodeID, TypeStabilizeResp, resp); err != nil {
		n.log.WithField("err", err).Debug("stabilize response send failed")
	}
}

func (n *Node) handleStabilizeResponse(body json.RawMessage) {
	var resp stabilizeResponsePayload
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	n.resolvePending(resp.RequestID, body)
}

// handleNotify implements spec §4.7's "accept sender if no predecessor, or
// if sender lies strictly between current predecessor and self".
func (n *Node) handleNotify(body json.RawMessage) {
	var note notifyPayload
	if err := json.Unmarshal(body, &note); err != nil {
		return
	}
	neighbors := n.GetRingNeighbors()

	accept := neighbors.Predecessor == nil
	if !accept && neighbors.Predecessor != nil {
		accept = between(neighbors.Predecessor.Token, note.Hash, n.selfToken)
	}
	if !accept {
		return
	}

	for _, m := range n.members() {
		if m.NodeID == note.NodeID {
			return // already known
		}
	}
	info := MemberInfo{NodeID: note.NodeID, Token: note.Hash, JoinedAt: time.Now().UnixMilli()}
	n.doc.Set([]interface{}{"members", note.NodeID}, info.toMap())
	n.reevaluateTopology()
}

// StartTokenRound initiates an illustrative round-robin token pass (spec
// §4.7 "Token-passing"), starting at round 1 if called with round <= 0.
func (n *Node) StartTokenRound(round int) {
	if round <= 0 {
		round = 1
	}
	neighbors := n.GetRingNeighbors()
	if neighbors.Successor == nil {
		return
	}
	_ = n.sendEnvelope(neighbors.Successor.NodeID, TypeToken, tokenPayload{Round: round, Hop: 1, Initiator: n.nodeID})
}

func (n *Node) handleToken(body json.RawMessage) {
	var tok tokenPayload
	if err := json.Unmarshal(body, &tok); err != nil {
		return
	}
	ringSize := len(n.members())
	if tok.Hop >= ringSize {
		n.doc.Set([]interface{}{"token"}, map[string]interface{}{
			"round":         float64(tok.Round),
			"lastInitiator": tok.Initiator,
			"completedAt":   float64(time.Now().UnixMilli()),
		})
		if tok.Initiator == n.nodeID {
			go func(nextRound int) {
				time.Sleep(tokenRestartDelay)
				n.StartTokenRound(nextRound)
			}(tok.Round + 1)
		}
		return
	}

	neighbors := n.GetRingNeighbors()
	if neighbors.Successor == nil {
		return
	}
	_ = n.sendEnvelope(neighbors.Successor.NodeID, TypeToken, tokenPayload{Round: tok.Round, Hop: tok.Hop + 1, Initiator: tok.Initiator})
}

// Ping probes a peer's liveness, used by callers that need to confirm a
// ring member is still reachable before relying on it (e.g. before
// retrying a DHT owner lookup).
func (n *Node) Ping(nodeID string) error {
	id, ch := n.registerPending()
	if err := n.sendEnvelope(nodeID, TypePing, pingPayload{RequestID: id}); err != nil {
		n.pendingMu.Lock()
		delete(n.pending, id)
		n.pendingMu.Unlock()
		return err
	}
	_, err := n.awaitPending(id, ch, pingTimeout)
	return err
}

func (n *Node) handlePing(fromNodeID string, body json.RawMessage) {
	var req pingPayload
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}
	_ = n.sendEnvelope(fromNodeID, TypePong, pongPayload{RequestID: req.RequestID})
}

func (n *Node) handlePong(body json.RawMessage) {
	var resp pongPayload
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	n.resolvePending(resp.RequestID, body)
}
