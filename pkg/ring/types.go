// Package ring implements the ring node from spec §4.7: a consistent-hash
// topology whose membership lives in a pkg/crdt document, a stability
// state machine derived from membership churn, a single-key DHT, and a
// Chord-style stabilize/notify protocol, all riding on the same framed
// transport + PMD discovery pkg/runtime uses.
//
// A ring Node deliberately does not go through pkg/runtime's process
// singleton: spec §8's concrete scenarios describe several ring nodes
// cooperating, which this module's tests exercise in a single process by
// running several independent Nodes — each with its own transport
// listener and PMD client, exactly like pkg/runtime.Start's internals
// minus the lockfile. Grounded on the teacher's node.go connect/listen
// sequencing, generalized the same way pkg/runtime already generalized it.
package ring

import (
	"encoding/json"
	"time"

	"github.com/pierreg256/distflow/internal/logging"
	"github.com/pierreg256/distflow/pkg/crdt"
)

// Message type tags for the envelope dispatched over the transport, per
// spec §4.7 "Message dispatch".
const (
	TypeCRDTSyncRequest  = "CRDT_SYNC_REQUEST"
	TypeCRDTSyncResponse = "CRDT_SYNC_RESPONSE"
	TypeToken            = "TOKEN"
	TypeDHTPut           = "DHT_PUT"
	TypeDHTPutAck        = "DHT_PUT_ACK"
	TypeDHTGet           = "DHT_GET"
	TypeDHTGetResponse   = "DHT_GET_RESPONSE"
	TypeStabilizeRequest = "STABILIZE_REQUEST"
	TypeStabilizeResp    = "STABILIZE_RESPONSE"
	TypeNotify           = "NOTIFY"
	TypePing             = "PING"
	TypePong             = "PONG"
)

// Envelope wraps every inter-ring message so the transport's opaque
// payload can be typed and routed by the dispatch switch.
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// MemberInfo describes one ring member, as stored under members[nodeId] in
// the CRDT document.
type MemberInfo struct {
	Alias    string `json:"alias"`
	NodeID   string `json:"nodeId"`
	JoinedAt int64  `json:"joinedAt"`
	Token    uint64 `json:"token"`
}

func (m MemberInfo) toMap() map[string]interface{} {
	return map[string]interface{}{
		"alias":    m.Alias,
		"nodeId":   m.NodeID,
		"joinedAt": float64(m.JoinedAt),
		"token":    float64(m.Token),
	}
}

func memberFromValue(v interface{}) (MemberInfo, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return MemberInfo{}, false
	}
	info := MemberInfo{}
	if s, ok := m["alias"].(string); ok {
		info.Alias = s
	}
	if s, ok := m["nodeId"].(string); ok {
		info.NodeID = s
	}
	if n, ok := m["joinedAt"].(float64); ok {
		info.JoinedAt = int64(n)
	}
	if n, ok := m["token"].(float64); ok {
		info.Token = uint64(n)
	}
	return info, info.NodeID != ""
}

type crdtSyncRequestPayload struct {
	Clock  crdt.VC `json:"clock"`
	From   string  `json:"from"`
	NodeID string  `json:"nodeId"`
}

type crdtSyncResponsePayload struct {
	Ops   []crdt.Op `json:"ops"`
	Clock crdt.VC   `json:"clock"`
}

type tokenPayload struct {
	Round     int    `json:"round"`
	Hop       int    `json:"hop"`
	Initiator string `json:"initiator"`
}

type dhtPutPayload struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

type dhtPutAckPayload struct {
	Key string `json:"key"`
}

type dhtGetPayload struct {
	Key       string `json:"key"`
	RequestID string `json:"requestId"`
	From      string `json:"from"`
}

type dhtGetResponsePayload struct {
	RequestID string      `json:"requestId"`
	Value     interface{} `json:"value"`
	Found     bool        `json:"found"`
}

type stabilizeRequestPayload struct {
	RequestID string `json:"requestId"`
}

type stabilizeResponsePayload struct {
	RequestID   string      `json:"requestId"`
	Predecessor *MemberInfo `json:"predecessor"`
}

type notifyPayload struct {
	NodeID string `json:"nodeId"`
	Hash   uint64 `json:"hash"`
}

type pingPayload struct {
	RequestID string `json:"requestId"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// StabilityState is the ring's derived membership-churn state (spec §4.7
// "Stability state machine").
type StabilityState string

const (
	StateUnstable StabilityState = "UNSTABLE"
	StateStable   StabilityState = "STABLE"
)

// StabilityInfo is a point-in-time read of the stability state machine.
type StabilityInfo struct {
	State              StabilityState
	MembersCount       int
	LastTopologyChange time.Time
}

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventRingStable   EventKind = "ring:stable"
	EventRingUnstable EventKind = "ring:unstable"
)

// Event is delivered on Node.Events() whenever the stability state machine
// transitions.
type Event struct {
	Kind EventKind
	Info StabilityInfo
}

// Options configures a ring Node. Alias is required and is auto-prefixed
// with "ring-" if the caller didn't already, since anti-entropy discovery
// (spec §4.7) only considers peers whose alias begins with "ring-".
type Options struct {
	Alias       string
	PMDHost     string
	PMDPort     int
	CRDTOptions crdt.Options
	Logger      logging.Logger

	SyncIntervalMs           int // default 2000
	StabilizeIntervalMs      int // default 10000
	SuccessorListSize        int // default 3
	ReplicationFactor        int // default 3
	StabilityCheckIntervalMs int // default 1000
	RequiredStableTimeMs     int // default 5000

	ConnectRetries    int           // default 5
	ConnectRetryDelay time.Duration // default 500ms
}

func (o *Options) withDefaults() {
	if o.PMDHost == "" {
		o.PMDHost = "localhost"
	}
	if o.PMDPort == 0 {
		o.PMDPort = 4369
	}
	if o.Logger == nil {
		o.Logger = logging.New()
	}
	if o.SyncIntervalMs <= 0 {
		o.SyncIntervalMs = 2000
	}
	if o.StabilizeIntervalMs <= 0 {
		o.StabilizeIntervalMs = 10000
	}
	if o.SuccessorListSize <= 0 {
		o.SuccessorListSize = 3
	}
	if o.ReplicationFactor <= 0 {
		o.ReplicationFactor = 3
	}
	if o.StabilityCheckIntervalMs <= 0 {
		o.StabilityCheckIntervalMs = 1000
	}
	if o.RequiredStableTimeMs <= 0 {
		o.RequiredStableTimeMs = 5000
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = 5
	}
	if o.ConnectRetryDelay <= 0 {
		o.ConnectRetryDelay = 500 * time.Millisecond
	}
}
