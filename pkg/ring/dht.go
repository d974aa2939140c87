package ring

import (
	"encoding/json"
	"fmt"
	"time"
)

const dhtGetTimeout = 5 * time.Second

// Put stores value under key: locally if this node is responsible for
// key's hash, otherwise fire-and-forget to the responsible node (spec
// §4.7 "DHT put/get").
func (n *Node) Put(key string, value interface{}) error {
	owner, ok := n.FindResponsibleNode(key)
	if !ok {
		return fmt.Errorf("ring: no ring members known")
	}
	if owner.NodeID == n.nodeID {
		n.dhtMu.Lock()
		n.dht[key] = value
		n.dhtMu.Unlock()
		return nil
	}
	return n.sendEnvelope(owner.NodeID, TypeDHTPut, dhtPutPayload{Key: key, Value: value})
}

// Get retrieves the value stored under key, correlating an async request
// with the owning node when it isn't this one.
func (n *Node) Get(key string) (interface{}, bool, error) {
	owner, ok := n.FindResponsibleNode(key)
	if !ok {
		return nil, false, fmt.Errorf("ring: no ring members known")
	}
	if owner.NodeID == n.nodeID {
		n.dhtMu.Lock()
		v, found := n.dht[key]
		n.dhtMu.Unlock()
		return v, found, nil
	}

	id, ch := n.registerPending()
	if err := n.sendEnvelope(owner.NodeID, TypeDHTGet, dhtGetPayload{Key: key, RequestID: id, From: n.nodeID}); err != nil {
		n.pendingMu.Lock()
		delete(n.pending, id)
		n.pendingMu.Unlock()
		return nil, false, err
	}

	data, err := n.awaitPending(id, ch, dhtGetTimeout)
	if err != nil {
		return nil, false, fmt.Errorf("DHT GET timeout for key %s", key)
	}
	var resp dhtGetResponsePayload
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (n *Node) handleDHTPut(body json.RawMessage) {
	var req dhtPutPayload
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}
	n.dhtMu.Lock()
	n.dht[req.Key] = req.Value
	n.dhtMu.Unlock()
}

func (n *Node) handleDHTGet(fromNodeID string, body json.RawMessage) {
	var req dhtGetPayload
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}
	n.dhtMu.Lock()
	v, found := n.dht[req.Key]
	n.dhtMu.Unlock()
	resp := dhtGetResponsePayload{RequestID: req.RequestID, Value: v, Found: found}
	if err := n.sendEnvelope(fromNodeID, TypeDHTGetResponse, resp); err != nil {
		n.log.WithField("err", err).Debug("dht get response send failed")
	}
}

func (n *Node) handleDHTGetResponse(body json.RawMessage) {
	var resp dhtGetResponsePayload
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	n.resolvePending(resp.RequestID, body)
}
