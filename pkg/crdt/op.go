package crdt

import "encoding/json"

// Kind distinguishes what an Op does to the document.
type Kind string

const (
	KindSet       Kind = "set"
	KindDel       Kind = "del"
	KindTombstone Kind = "tombstone"
)

// Op is a single causally-dependent mutation, as broadcast between
// replicas (spec §3/§4.6). Id is globally unique and has the form
// src:base36(hlc.t):base36(hlc.c):base36(seq); its fields vary in length, so
// comparing Ids as strings does not follow causal order.
type Op struct {
	ID    string      `json:"id"`
	Kind  Kind        `json:"kind"`
	Path  Path        `json:"path"`
	Value interface{} `json:"value,omitempty"`
	HLC   HLC         `json:"hlc"`
	Deps  VC          `json:"deps"`
	Src   string      `json:"src"`
}

// isDelete reports whether op removes the subtree at its path. Both "del"
// and "tombstone" are accepted on receive for protocol tolerance, though
// this package only ever produces "tombstone" locally.
func (op Op) isDelete() bool {
	return op.Kind == KindTombstone || op.Kind == KindDel
}

// EncodeOp renders op as its canonical wire JSON.
func EncodeOp(op Op) (string, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeOp parses the canonical wire JSON produced by EncodeOp.
func DecodeOp(s string) (Op, error) {
	var op Op
	if err := json.Unmarshal([]byte(s), &op); err != nil {
		return Op{}, err
	}
	return op, nil
}
