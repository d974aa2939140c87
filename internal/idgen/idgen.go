// Package idgen generates the 16-hex-character NodeID described in spec
// §3: derived once at node construction from host name, process identity,
// and random bytes, unique within the daemon's scope.
//
// The teacher (node.go's NewNode) seeds its identity straight from
// crypto/rand. Per SPEC_FULL.md §11 we instead seed from github.com/
// google/uuid (carried by three repos in the retrieved pack) and fold in
// host/process identity, which is the idiomatic way the pack generates
// distributed identifiers while still landing on the spec's fixed 16-hex
// format.
package idgen

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/google/uuid"
)

// NodeID is a 16-hex-character identifier.
type NodeID string

// New derives a fresh NodeID from the local host name, this process's PID,
// and random entropy from uuid.New().
func New() NodeID {
	u := uuid.New()

	h := fnv.New64a()
	hostname, _ := os.Hostname()
	fmt.Fprintf(h, "%s:%d", hostname, os.Getpid())
	identitySalt := h.Sum64()

	var mixed [8]byte
	ub := u[:8]
	for i := range mixed {
		mixed[i] = ub[i] ^ byte(identitySalt>>(8*uint(i%8)))
	}

	return NodeID(hex.EncodeToString(mixed[:]))
}

// String returns the NodeID as a plain string.
func (n NodeID) String() string { return string(n) }
