package proto

import "time"

// Protocol-level timing.  These are shared constants of the negotiation
// protocol, not tuning knobs: all nodes must agree on them.
const (
	// ProbeTimeout is the window during which probe conflicts are collected
	ProbeTimeout = 500 * time.Millisecond
	// HeartbeatInterval is the local node's broadcast period
	HeartbeatInterval = 60 * time.Second
	// HeartbeatExpiry is the age at which a remote node is declared inactive
	HeartbeatExpiry = 180 * time.Second
	// LeaseExpiry is the age at which a remote node's entry is erased
	LeaseExpiry = 360 * time.Second
)
