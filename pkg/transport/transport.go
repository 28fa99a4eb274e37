package transport

import (
	"fmt"
)

// Transport is the opaque facade over the substrate carrying overlay
// traffic.  The substrate provides identities (64-bit user ids), reliable and
// unreliable per-peer messaging, session lifecycle events and a realtime
// status query; it is assumed to authenticate and encrypt.  Two incarnations
// exist: an in-memory pair network used by tests, and a QUIC-backed wire
// transport.  Both honor the same contract.

// ConnState is the lifecycle state of a peer session
type ConnState int

const (
	StateNone ConnState = iota
	StateConnecting
	StateFindingRoute
	StateConnected
	StateClosedByPeer
	StateProblemDetected
)

func (s ConnState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateFindingRoute:
		return "finding-route"
	case StateConnected:
		return "connected"
	case StateClosedByPeer:
		return "closed-by-peer"
	case StateProblemDetected:
		return "problem-detected"
	}
	return "unknown"
}

// SendFlags modify unreliable sends
type SendFlags int

const (
	FlagNoNagle SendFlags = 1 << iota
	FlagNoDelay
)

// Message is one inbound datagram drained by Poll
type Message struct {
	Peer  uint64
	Data  []byte
	Flags SendFlags
}

// RealtimeStatus is a point-in-time view of a peer session
type RealtimeStatus struct {
	State           ConnState
	PingMs          int
	QualityLocal    float64
	QualityRemote   float64
	PendingReliable int
}

// StatusChange is published whenever a peer session changes state
type StatusChange struct {
	Peer   uint64
	Old    ConnState
	New    ConnState
	Reason string
}

// ErrLimitExceeded is returned by a reliable send when the substrate's send
// buffer is saturated; callers are expected to enqueue and back off.
var ErrLimitExceeded = fmt.Errorf("reliable send limit exceeded")

// ErrNoConnection is returned when no session to the peer exists
var ErrNoConnection = fmt.Errorf("no connection to peer")

// Transport is the contract every incarnation must honor.  AttachListener,
// DetachListener and ClosePeer form the narrow capability surface exposed to
// outside coordinators; nothing else reaches into transport internals.
type Transport interface {
	LocalUserID() uint64
	SendReliable(peer uint64, data []byte) error
	SendUnreliable(peer uint64, data []byte, flags SendFlags) error
	BroadcastReliable(data []byte)
	BroadcastUnreliable(data []byte, flags SendFlags)
	// Poll drains inbound messages without blocking
	Poll() []Message
	RealtimeStatus(peer uint64) (RealtimeStatus, bool)
	Peers() []uint64
	AddPeer(peer uint64)
	RemovePeer(peer uint64)
	SyncPeers(desired []uint64)
	AttachListener() <-chan StatusChange
	DetachListener(<-chan StatusChange)
	ClosePeer(peer uint64, reason string)
	CloseAll()
}

// Reconnector is implemented by transports that can tear down and redial a
// peer, optionally restricted to the relay path.
type Reconnector interface {
	Reconnect(peer uint64, relayOnly bool) error
}

// PathTuner is implemented by transports whose path selection can be biased
// between the direct and relay classes.
type PathTuner interface {
	ApplyPathPreference(directPingMs int, relayPingMs int)
}
