package proto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Node identity for the overlay.  Every node derives a stable 32-byte id from
// its substrate user id; all arbitration in the negotiation protocol is a
// comparison of these ids, so the derivation must be identical on every node.

// NodeIDSize is the size of a node id in bytes
const NodeIDSize = 32

// nodeIDSalt is mixed into the digest so node ids are not plain hashes of user ids
const nodeIDSalt = "ConnectTool_VPN_Salt_v1"

// NodeID is the 32-byte identity of an overlay node
type NodeID [NodeIDSize]byte

// GenerateNodeID derives the node id for a substrate user id
func GenerateNodeID(userID uint64) NodeID {
	input := make([]byte, 8+len(nodeIDSalt))
	binary.LittleEndian.PutUint64(input, userID)
	copy(input[8:], nodeIDSalt)
	return NodeID(sha256.Sum256(input))
}

// Compare returns -1, 0 or 1 ordering two node ids lexicographically by byte
func (n NodeID) Compare(other NodeID) int {
	return bytes.Compare(n[:], other[:])
}

// HasPriority reports whether n wins arbitration against other
func (n NodeID) HasPriority(other NodeID) bool {
	return n.Compare(other) > 0
}

// IsZero reports whether the id is all zero bytes
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Format renders the id as hex; the short form is the first 8 hex characters plus "..."
func (n NodeID) Format(full bool) string {
	s := hex.EncodeToString(n[:])
	if full {
		return s
	}
	return s[:8] + "..."
}

// String implements fmt.Stringer using the short form
func (n NodeID) String() string {
	return n.Format(false)
}
