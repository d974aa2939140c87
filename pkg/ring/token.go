package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// tokenFor hashes s with SHA-256 and takes the first 8 bytes as a big
// endian uint64, per spec §4.7's consistent-hash definition.
func tokenFor(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// sortMembers orders ms by (token asc, nodeId asc), the tie-break every
// replica derives identically from the same CRDT state.
func sortMembers(ms []MemberInfo) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Token != ms[j].Token {
			return ms[i].Token < ms[j].Token
		}
		return ms[i].NodeID < ms[j].NodeID
	})
}

// members returns every ring member from the CRDT document, sorted by
// ring order.
func (n *Node) members() []MemberInfo {
	val := n.doc.Value()
	root, ok := val.(map[string]interface{})
	if !ok {
		return nil
	}
	membersVal, ok := root["members"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make([]MemberInfo, 0, len(membersVal))
	for _, v := range membersVal {
		if info, ok := memberFromValue(v); ok {
			out = append(out, info)
		}
	}
	sortMembers(out)
	return out
}

// RingNeighbors is the result of getRingNeighbors (spec §4.7).
type RingNeighbors struct {
	Successor     *MemberInfo
	Predecessor   *MemberInfo
	SuccessorList []MemberInfo
	Ring          []MemberInfo
}

// GetRingNeighbors returns this node's successor/predecessor and the
// sorted ring, or empty neighbors if the ring is smaller than the
// replication factor.
func (n *Node) GetRingNeighbors() RingNeighbors {
	ring := n.members()
	if len(ring) < n.opts.ReplicationFactor {
		return RingNeighbors{Ring: ring}
	}

	selfIdx := -1
	for i, m := range ring {
		if m.NodeID == n.nodeID {
			selfIdx = i
			break
		}
	}
	if selfIdx == -1 {
		return RingNeighbors{Ring: ring}
	}

	succ := ring[(selfIdx+1)%len(ring)]
	pred := ring[(selfIdx-1+len(ring))%len(ring)]

	listSize := n.opts.SuccessorListSize
	if listSize > len(ring)-1 {
		listSize = len(ring) - 1
	}
	successorList := make([]MemberInfo, 0, listSize)
	for i := 1; i <= listSize; i++ {
		successorList = append(successorList, ring[(selfIdx+i)%len(ring)])
	}

	return RingNeighbors{
		Successor:     &succ,
		Predecessor:   &pred,
		SuccessorList: successorList,
		Ring:          ring,
	}
}

// FindResponsibleNode returns the member owning key: the first member with
// token >= hash(key), wrapping around to the first member if none qualify.
func (n *Node) FindResponsibleNode(key string) (MemberInfo, bool) {
	ring := n.members()
	if len(ring) == 0 {
		return MemberInfo{}, false
	}
	keyHash := tokenFor(key)
	for _, m := range ring {
		if m.Token >= keyHash {
			return m, true
		}
	}
	return ring[0], true
}

// between reports whether x lies strictly between a and b walking
// clockwise around the 64-bit ring (a and b exclusive).
func between(a, x, b uint64) bool {
	if a < b {
		return x > a && x < b
	}
	if a > b {
		return x > a || x < b
	}
	return false
}
