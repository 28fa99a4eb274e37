package heartbeat

import (
	"context"
	"time"

	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/x/syncro"
	"github.com/moeleak/connecttool/pkg/x/timerunner"
	log "github.com/sirupsen/logrus"
)

// Manager broadcasts the local node's liveness and tracks every node heard
// from.  It owns the node table and its ipv4 reverse map; the two are always
// mutated together under one lock so they can never disagree.

// NodeInfo is one entry of the node table
type NodeInfo struct {
	NodeID        proto.NodeID
	UserID        uint64
	IP            uint32
	LastHeartbeat time.Time
	Name          string
	IsLocal       bool
}

// IsActive reports whether the node has been heard from recently
func (ni *NodeInfo) IsActive(now time.Time) bool {
	return now.Sub(ni.LastHeartbeat) < proto.HeartbeatExpiry
}

// IsLeaseExpired reports whether the node's entry should be erased
func (ni *NodeInfo) IsLeaseExpired(now time.Time) bool {
	return now.Sub(ni.LastHeartbeat) >= proto.LeaseExpiry
}

// SendFunc broadcasts a control message to all peers
type SendFunc func(t proto.MsgType, payload []byte, reliable bool)

// ExpiredFunc is called for each node whose lease expires
type ExpiredFunc func(nodeID proto.NodeID, ip uint32)

type tables struct {
	nodes map[proto.NodeID]*NodeInfo
	byIP  map[uint32]proto.NodeID
}

type Manager struct {
	localNodeID syncro.Var[proto.NodeID]
	localIP     syncro.Var[uint32]
	tables      syncro.Var[tables]
	lastSent    syncro.Var[time.Time]

	send    SendFunc
	expired ExpiredFunc

	now func() time.Time
}

// New returns a stopped Manager; call Initialize and Start once an address is claimed
func New() *Manager {
	m := &Manager{
		now: time.Now,
	}
	m.resetTables()
	return m
}

func (m *Manager) resetTables() {
	m.tables.Set(tables{
		nodes: make(map[proto.NodeID]*NodeInfo),
		byIP:  make(map[uint32]proto.NodeID),
	})
}

// SetSendCallback wires the heartbeat broadcast path
func (m *Manager) SetSendCallback(send SendFunc) {
	m.send = send
}

// SetNodeExpiredCallback wires lease-expiry notification
func (m *Manager) SetNodeExpiredCallback(expired ExpiredFunc) {
	m.expired = expired
}

// Initialize records the local identity and claimed address
func (m *Manager) Initialize(nodeID proto.NodeID, localIP uint32) {
	m.localNodeID.Set(nodeID)
	m.localIP.Set(localIP)
	m.lastSent.Set(m.now())
}

// UpdateLocalIP changes the address carried in subsequent heartbeats
func (m *Manager) UpdateLocalIP(ip uint32) {
	m.localIP.Set(ip)
}

// Reset clears all state
func (m *Manager) Reset() {
	m.resetTables()
	m.localNodeID.Set(proto.NodeID{})
	m.localIP.Set(0)
	m.lastSent.Set(m.now())
}

// Start runs the periodic worker until ctx is cancelled.  The worker ticks
// once a second: it broadcasts a heartbeat when the interval has elapsed and
// sweeps expired leases on every tick.
func (m *Manager) Start(ctx context.Context) {
	timerunner.New(ctx, m.tick, timerunner.Periodic(time.Second))
	log.Debug("heartbeat manager started")
}

func (m *Manager) tick() {
	now := m.now()
	if m.localIP.Get() != 0 && now.Sub(m.lastSent.Get()) >= proto.HeartbeatInterval {
		m.sendHeartbeat()
		m.lastSent.Set(now)
	}
	m.checkExpiredLeases()
}

func (m *Manager) sendHeartbeat() {
	if m.send == nil || m.localIP.Get() == 0 {
		return
	}
	hb := &proto.Heartbeat{
		IP:          m.localIP.Get(),
		NodeID:      m.localNodeID.Get(),
		TimestampMs: m.now().UnixMilli(),
	}
	m.send(proto.MsgTypeHeartbeat, hb.Marshal(), true)
}

func (m *Manager) checkExpiredLeases() {
	now := m.now()
	type expiredNode struct {
		nodeID proto.NodeID
		ip     uint32
	}
	var expired []expiredNode
	m.tables.WorkWith(func(t *tables) {
		for id, info := range t.nodes {
			if !info.IsLocal && info.IsLeaseExpired(now) {
				log.Infof("node %s lease expired", id)
				expired = append(expired, expiredNode{nodeID: id, ip: info.IP})
				delete(t.byIP, info.IP)
				delete(t.nodes, id)
			}
		}
	})
	if m.expired != nil {
		for _, e := range expired {
			m.expired(e.nodeID, e.ip)
		}
	}
}

// HandleHeartbeat upserts the node table from a received heartbeat
func (m *Manager) HandleHeartbeat(hb *proto.Heartbeat, peerUserID uint64, peerName string) {
	m.tables.WorkWith(func(t *tables) {
		info, ok := t.nodes[hb.NodeID]
		if ok {
			info.LastHeartbeat = m.now()
			return
		}
		t.nodes[hb.NodeID] = &NodeInfo{
			NodeID:        hb.NodeID,
			UserID:        peerUserID,
			IP:            hb.IP,
			LastHeartbeat: m.now(),
			Name:          peerName,
			IsLocal:       false,
		}
		t.byIP[hb.IP] = hb.NodeID
	})
}

// RegisterNode inserts or replaces a node table entry
func (m *Manager) RegisterNode(nodeID proto.NodeID, userID uint64, ip uint32, name string) {
	m.tables.WorkWith(func(t *tables) {
		t.nodes[nodeID] = &NodeInfo{
			NodeID:        nodeID,
			UserID:        userID,
			IP:            ip,
			LastHeartbeat: m.now(),
			Name:          name,
			IsLocal:       nodeID == m.localNodeID.Get(),
		}
		t.byIP[ip] = nodeID
	})
}

// UnregisterNode removes a node and its reverse mapping
func (m *Manager) UnregisterNode(nodeID proto.NodeID) {
	m.tables.WorkWith(func(t *tables) {
		info, ok := t.nodes[nodeID]
		if !ok {
			return
		}
		delete(t.byIP, info.IP)
		delete(t.nodes, nodeID)
	})
}

// FindNodeByIP looks up the owner of an address
func (m *Manager) FindNodeByIP(ip uint32) (proto.NodeID, bool) {
	var nodeID proto.NodeID
	var ok bool
	m.tables.WorkWithReadOnly(func(t tables) {
		nodeID, ok = t.byIP[ip]
	})
	return nodeID, ok
}

// Nodes returns a snapshot of the node table
func (m *Manager) Nodes() map[proto.NodeID]NodeInfo {
	out := make(map[proto.NodeID]NodeInfo)
	m.tables.WorkWithReadOnly(func(t tables) {
		for id, info := range t.nodes {
			out[id] = *info
		}
	})
	return out
}

// DetectConflict checks an observed source address against the recorded
// owner.  If a different node owns the address: when the recorded owner has
// priority, the claimant's user id is returned so the caller can order it to
// release; otherwise ownership transfers to the claimant and the old owner's
// user id is returned.  The second result is false when there is no conflict
// or the conflicting party is unknown.
func (m *Manager) DetectConflict(sourceIP uint32, senderNodeID proto.NodeID) (uint64, bool) {
	var conflictUserID uint64
	var found bool
	m.tables.WorkWith(func(t *tables) {
		owner, ok := t.byIP[sourceIP]
		if !ok || owner == senderNodeID {
			return
		}
		log.Warnf("packet-level conflict on %s: owner %s vs claimant %s",
			proto.FormatIPv4(sourceIP), owner, senderNodeID)
		if owner.HasPriority(senderNodeID) {
			info, ok := t.nodes[senderNodeID]
			if ok {
				conflictUserID = info.UserID
				found = true
			}
		} else {
			info, ok := t.nodes[owner]
			if ok {
				conflictUserID = info.UserID
				t.byIP[sourceIP] = senderNodeID
				found = true
			}
		}
	})
	return conflictUserID, found
}
