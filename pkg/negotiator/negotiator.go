package negotiator

import (
	"sync"
	"time"

	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/x/syncro"
	log "github.com/sirupsen/logrus"
)

// Negotiator selects and defends a virtual IPv4 inside the configured subnet.
// A node probes a deterministic candidate, collects conflict responses for
// proto.ProbeTimeout, then either claims the address (forcing lower-priority
// claimants off it) or restarts with an incremented offset.  Every lost
// arbitration reschedules; the negotiator never blocks indefinitely.

// Phase is the negotiation phase
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseProbing
	PhaseStable
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseProbing:
		return "probing"
	case PhaseStable:
		return "stable"
	}
	return "unknown"
}

// SendFunc delivers a control message to a single peer
type SendFunc func(t proto.MsgType, payload []byte, peer uint64, reliable bool)

// BroadcastFunc delivers a control message to all peers
type BroadcastFunc func(t proto.MsgType, payload []byte, reliable bool)

// SuccessFunc is called once a claim succeeds
type SuccessFunc func(ip uint32, nodeID proto.NodeID)

type conflict struct {
	nodeID          proto.NodeID
	lastHeartbeatMs int64
	sender          uint64
}

type Negotiator struct {
	localUserID uint64
	nodeID      proto.NodeID
	baseIP      uint32
	subnetMask  uint32

	mu          sync.Mutex
	phase       Phase
	candidateIP uint32
	localIP     uint32
	probeOffset uint32
	probeStart  time.Time
	conflicts   []conflict

	usedIPs syncro.Map[uint32, struct{}]

	send      SendFunc
	broadcast BroadcastFunc
	success   SuccessFunc

	now func() time.Time
}

// New returns a Negotiator for the given user on the given subnet
func New(localUserID uint64, baseIP uint32, subnetMask uint32) *Negotiator {
	n := &Negotiator{
		localUserID: localUserID,
		nodeID:      proto.GenerateNodeID(localUserID),
		baseIP:      baseIP,
		subnetMask:  subnetMask,
		now:         time.Now,
	}
	log.Debugf("generated node id %s", n.nodeID)
	return n
}

// SetCallbacks wires the outgoing message paths
func (n *Negotiator) SetCallbacks(send SendFunc, broadcast BroadcastFunc) {
	n.send = send
	n.broadcast = broadcast
}

// SetSuccessCallback wires the claim-succeeded notification
func (n *Negotiator) SetSuccessCallback(success SuccessFunc) {
	n.success = success
}

// NodeID returns the local node id
func (n *Negotiator) NodeID() proto.NodeID {
	return n.nodeID
}

// Phase returns the current negotiation phase
func (n *Negotiator) Phase() Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// LocalIP returns the claimed address, or 0 before a successful claim
func (n *Negotiator) LocalIP() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.localIP
}

// CandidateIP returns the address currently being probed
func (n *Negotiator) CandidateIP() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.candidateIP
}

// Reset returns the negotiator to its initial state
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.phase = PhaseIdle
	n.candidateIP = 0
	n.localIP = 0
	n.probeOffset = 0
	n.conflicts = nil
	n.usedIPs.WorkWith(func(m *map[uint32]struct{}) {
		*m = make(map[uint32]struct{})
	})
}

// MarkUsed records an address as claimed elsewhere
func (n *Negotiator) MarkUsed(ip uint32) {
	n.usedIPs.Set(ip, struct{}{})
}

// MarkUnused removes an address from the used set
func (n *Negotiator) MarkUnused(ip uint32) {
	n.usedIPs.Delete(ip)
}

// StartNegotiation begins probing for an address
func (n *Negotiator) StartNegotiation() {
	n.mu.Lock()
	emit := n.startNegotiationLocked()
	n.mu.Unlock()
	emit()
}

// startNegotiationLocked picks the next candidate and enters the probing
// phase.  The returned closure emits the probe and must run after unlocking.
func (n *Negotiator) startNegotiationLocked() func() {
	n.conflicts = nil
	candidate := n.generateCandidateIP(n.probeOffset)
	candidate = n.findNextAvailableIP(candidate)
	n.candidateIP = candidate
	n.phase = PhaseProbing
	n.probeStart = n.now()
	log.Infof("probing %s (offset=%d)", proto.FormatIPv4(candidate), n.probeOffset)
	req := &proto.ProbeRequest{IP: candidate, NodeID: n.nodeID}
	return func() {
		if n.broadcast != nil {
			n.broadcast(proto.MsgTypeProbeRequest, req.Marshal(), true)
		}
	}
}

// generateCandidateIP maps the trailing 24 bits of the node id, plus the
// probe offset, into the host range.  Deterministic: a restarted node visits
// the same sequence.
func (n *Negotiator) generateCandidateIP(offset uint32) uint32 {
	h := uint32(n.nodeID[proto.NodeIDSize-1]) |
		uint32(n.nodeID[proto.NodeIDSize-2])<<8 |
		uint32(n.nodeID[proto.NodeIDSize-3])<<16
	h = (h + offset) & 0x00FFFFFF
	hostMask := ^n.subnetMask
	maxHosts := hostMask - 1
	if maxHosts == 0 {
		maxHosts = 1
	}
	hostPart := (h % maxHosts) + 1
	return (n.baseIP & n.subnetMask) | hostPart
}

// findNextAvailableIP walks forward from a candidate, skipping used
// addresses and wrapping within the host range.  Never returns the zero host
// part; the broadcast host part is returned only in a /31, where host part 1
// is the only non-zero one.
func (n *Negotiator) findNextAvailableIP(startIP uint32) uint32 {
	hostMask := ^n.subnetMask
	maxHosts := hostMask - 1
	if maxHosts == 0 {
		maxHosts = 1
	}
	hostPart := startIP & hostMask
	if hostPart == 0 || hostPart >= hostMask {
		hostPart = 1
	}
	candidate := (n.baseIP & n.subnetMask) | hostPart
	var attempts uint32
	for attempts < maxHosts {
		_, used := n.usedIPs.Get(candidate)
		if !used {
			break
		}
		hostPart++
		if hostPart >= hostMask {
			hostPart = 1
		}
		candidate = (n.baseIP & n.subnetMask) | hostPart
		attempts++
	}
	return candidate
}

// CheckTimeout decides a probe whose collection window has elapsed.  Callers
// must invoke this at least every 50ms while the negotiator is running.
func (n *Negotiator) CheckTimeout() {
	n.mu.Lock()
	if n.phase != PhaseProbing || n.now().Sub(n.probeStart) < proto.ProbeTimeout {
		n.mu.Unlock()
		return
	}
	conflicts := n.conflicts
	n.conflicts = nil

	nowMs := n.now().UnixMilli()
	canClaim := true
	var losers []uint64
	for _, c := range conflicts {
		age := nowMs - c.lastHeartbeatMs
		if age >= proto.HeartbeatExpiry.Milliseconds() {
			log.Infof("ignoring stale claimant %s (heartbeat age %dms)", c.nodeID, age)
			continue
		}
		if n.nodeID.HasPriority(c.nodeID) {
			losers = append(losers, c.sender)
		} else {
			canClaim = false
			break
		}
	}

	var emit func()
	if canClaim {
		claimed := n.candidateIP
		n.phase = PhaseStable
		n.localIP = claimed
		n.usedIPs.Set(claimed, struct{}{})
		log.Infof("negotiation success, local address %s", proto.FormatIPv4(claimed))
		release := (&proto.ForcedRelease{IP: claimed, WinnerNodeID: n.nodeID}).Marshal()
		announce := (&proto.AddressAnnounce{IP: claimed, NodeID: n.nodeID}).Marshal()
		emit = func() {
			for _, loser := range losers {
				if n.send != nil {
					n.send(proto.MsgTypeForcedRelease, release, loser, true)
				}
			}
			if n.broadcast != nil {
				n.broadcast(proto.MsgTypeAddressAnnounce, announce, true)
			}
			if n.success != nil {
				n.success(claimed, n.nodeID)
			}
		}
	} else {
		log.Infof("lost arbitration for %s, reselecting", proto.FormatIPv4(n.candidateIP))
		n.probeOffset++
		emit = n.startNegotiationLocked()
	}
	n.mu.Unlock()
	emit()
}

// HandleProbeRequest answers probes against our claim or contends for our candidate
func (n *Negotiator) HandleProbeRequest(req *proto.ProbeRequest, sender uint64) {
	n.mu.Lock()
	shouldRespond := false
	var emit func()
	switch {
	case n.phase == PhaseStable && req.IP == n.localIP:
		shouldRespond = true
	case n.phase == PhaseProbing && req.IP == n.candidateIP:
		if n.nodeID.HasPriority(req.NodeID) {
			shouldRespond = true
		} else {
			log.Infof("lost probe contention for %s, reselecting", proto.FormatIPv4(n.candidateIP))
			n.probeOffset++
			emit = n.startNegotiationLocked()
		}
	}
	if shouldRespond {
		resp := &proto.ProbeResponse{
			IP:              req.IP,
			NodeID:          n.nodeID,
			LastHeartbeatMs: n.now().UnixMilli(),
		}
		emit = func() {
			if n.send != nil {
				n.send(proto.MsgTypeProbeResponse, resp.Marshal(), sender, true)
			}
		}
	}
	n.mu.Unlock()
	if emit != nil {
		emit()
	}
}

// HandleProbeResponse accumulates conflicts against the current candidate
func (n *Negotiator) HandleProbeResponse(resp *proto.ProbeResponse, sender uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.phase != PhaseProbing || resp.IP != n.candidateIP {
		return
	}
	n.conflicts = append(n.conflicts, conflict{
		nodeID:          resp.NodeID,
		lastHeartbeatMs: resp.LastHeartbeatMs,
		sender:          sender,
	})
	log.Debugf("conflict response for %s from node %s", proto.FormatIPv4(resp.IP), resp.NodeID)
}

// HandleAddressAnnounce resolves claims that collide with ours and marks
// everything else used
func (n *Negotiator) HandleAddressAnnounce(announce *proto.AddressAnnounce, sender uint64) {
	n.mu.Lock()
	if announce.IP == n.localIP && n.phase == PhaseStable {
		var emit func()
		if !n.nodeID.HasPriority(announce.NodeID) {
			log.Warnf("address conflict on %s, reselecting", proto.FormatIPv4(announce.IP))
			n.probeOffset++
			n.localIP = 0
			emit = n.startNegotiationLocked()
		} else {
			release := (&proto.ForcedRelease{IP: announce.IP, WinnerNodeID: n.nodeID}).Marshal()
			emit = func() {
				if n.send != nil {
					n.send(proto.MsgTypeForcedRelease, release, sender, true)
				}
			}
		}
		n.mu.Unlock()
		emit()
		return
	}
	n.mu.Unlock()
	n.MarkUsed(announce.IP)
}

// HandleForcedRelease gives up our claim or candidate when ordered off by a
// higher-priority node
func (n *Negotiator) HandleForcedRelease(release *proto.ForcedRelease, sender uint64) {
	n.mu.Lock()
	shouldRelease := false
	if release.IP == n.localIP && n.phase == PhaseStable {
		shouldRelease = !n.nodeID.HasPriority(release.WinnerNodeID)
	} else if release.IP == n.candidateIP && n.phase == PhaseProbing {
		shouldRelease = !n.nodeID.HasPriority(release.WinnerNodeID)
	}
	var emit func()
	if shouldRelease {
		log.Warnf("forced release of %s, reselecting", proto.FormatIPv4(release.IP))
		n.probeOffset++
		n.localIP = 0
		n.phase = PhaseIdle
		emit = n.startNegotiationLocked()
	}
	n.mu.Unlock()
	if emit != nil {
		emit()
	}
}

// SendAddressAnnounce broadcasts our current claim
func (n *Negotiator) SendAddressAnnounce() {
	n.mu.Lock()
	if n.phase != PhaseStable || n.localIP == 0 {
		n.mu.Unlock()
		return
	}
	announce := (&proto.AddressAnnounce{IP: n.localIP, NodeID: n.nodeID}).Marshal()
	n.mu.Unlock()
	if n.broadcast != nil {
		n.broadcast(proto.MsgTypeAddressAnnounce, announce, true)
	}
}

// SendAddressAnnounceTo unicasts our current claim to one peer
func (n *Negotiator) SendAddressAnnounceTo(peer uint64) {
	n.mu.Lock()
	if n.phase != PhaseStable || n.localIP == 0 {
		n.mu.Unlock()
		return
	}
	announce := (&proto.AddressAnnounce{IP: n.localIP, NodeID: n.nodeID}).Marshal()
	n.mu.Unlock()
	if n.send != nil {
		n.send(proto.MsgTypeAddressAnnounce, announce, peer, true)
	}
}
