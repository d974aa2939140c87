// Package pmdproto defines the wire types shared by the PMD daemon and its
// client: the ControlMessage envelope and the payload shapes for each
// message type from spec §4.3.
//
// Field naming follows the teacher's msg package conventions translated
// from binary frames to JSON, and the envelope shape (type + payload +
// correlation id) is grounded on the Message struct used by the luxfi-zmq
// networking transport in the retrieved pack (Type/From/To/Data/Timestamp
// as JSON fields over a framed transport).
package pmdproto

import "encoding/json"

// Message types for ControlMessage.Type.
const (
	TypeRegister   = "register"
	TypeUnregister = "unregister"
	TypeResolve    = "resolve"
	TypeList       = "list"
	TypeWatch      = "watch"
	TypeShutdown   = "shutdown"
	TypeResponse   = "response"
	TypeEvent      = "event"
)

// Peer event names carried in an EventPayload.
const (
	EventPeerJoin  = "peer:join"
	EventPeerLeave = "peer:leave"
)

// ControlMessage is the PMD protocol envelope, per spec §3/§6.
type ControlMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// NodeInfo describes one registered node, per spec §3.
type NodeInfo struct {
	NodeID       string            `json:"nodeId"`
	Alias        string            `json:"alias,omitempty"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	RegisteredAt int64             `json:"registeredAt"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// RegisterPayload is the request payload for "register".
type RegisterPayload struct {
	NodeID string            `json:"nodeId"`
	Alias  string            `json:"alias,omitempty"`
	Host   string            `json:"host"`
	Port   int               `json:"port"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// UnregisterPayload is the request payload for "unregister".
type UnregisterPayload struct {
	NodeID string `json:"nodeId"`
}

// ResolvePayload is the request payload for "resolve".
type ResolvePayload struct {
	Alias string `json:"alias"`
}

// SuccessPayload is a generic success reply.
type SuccessPayload struct {
	Success bool `json:"success"`
}

// ErrorPayload is a generic error reply.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ResolvePayloadReply is the success reply payload for "resolve".
type ResolvePayloadReply struct {
	Node NodeInfo `json:"node"`
}

// ListPayloadReply is the reply payload for "list".
type ListPayloadReply struct {
	Nodes []NodeInfo `json:"nodes"`
}

// EventPayload is the payload of a "event"-typed ControlMessage pushed to
// watchers.
type EventPayload struct {
	Event string   `json:"event"`
	Peer  NodeInfo `json:"peer"`
}
