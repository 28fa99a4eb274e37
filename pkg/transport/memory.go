package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/x/broker"
	"github.com/moeleak/connecttool/pkg/x/syncro"
	log "github.com/sirupsen/logrus"
)

// The memory incarnation links transports through an in-process network.
// It is the reference implementation of the contract and the substrate for
// every concurrent test; its status and saturation hooks let tests script
// backpressure and supervisor scenarios that are hard to produce on a real
// wire.

const memoryInboxSize = 8192

// statusEventBuffer bounds how many status changes can queue per listener
// before a publish waits on it
const statusEventBuffer = 16

// MemoryNetwork is a set of in-process transports that can reach each other
type MemoryNetwork struct {
	ctx   context.Context
	nodes syncro.Map[uint64, *MemoryTransport]
}

// NewMemoryNetwork creates an empty in-process network
func NewMemoryNetwork(ctx context.Context) *MemoryNetwork {
	return &MemoryNetwork{ctx: ctx}
}

// Join adds a node to the network and returns its transport
func (mn *MemoryNetwork) Join(userID uint64) *MemoryTransport {
	t := &MemoryTransport{
		network: mn,
		userID:  userID,
		inbox:   make(chan Message, memoryInboxSize),
		events:  broker.New(mn.ctx, broker.Buffered[StatusChange](statusEventBuffer)),
	}
	mn.nodes.Set(userID, t)
	return t
}

type memPeer struct {
	state   ConnState
	session uuid.UUID
}

// MemoryTransport implements Transport over a MemoryNetwork
type MemoryTransport struct {
	network *MemoryNetwork
	userID  uint64
	inbox   chan Message
	events  broker.Broker[StatusChange]
	peers   syncro.Map[uint64, *memPeer]

	// test hooks
	statusOverride syncro.Map[uint64, RealtimeStatus]
	forceLimit     syncro.Map[uint64, bool]
	relayDials     syncro.Var[[]uint64]
}

func (t *MemoryTransport) LocalUserID() uint64 {
	return t.userID
}

func (t *MemoryTransport) deliver(peer uint64, data []byte, flags SendFlags, reliable bool) error {
	target, ok := t.network.nodes.Get(peer)
	if !ok {
		return ErrNoConnection
	}
	if _, ok = t.peers.Get(peer); !ok {
		return ErrNoConnection
	}
	msg := Message{Peer: t.userID, Data: append([]byte(nil), data...), Flags: flags}
	select {
	case target.inbox <- msg:
		return nil
	default:
		if reliable {
			return ErrLimitExceeded
		}
		return nil // unreliable messages drop silently under pressure
	}
}

func (t *MemoryTransport) SendReliable(peer uint64, data []byte) error {
	if forced, _ := t.forceLimit.Get(peer); forced {
		return ErrLimitExceeded
	}
	return t.deliver(peer, data, 0, true)
}

func (t *MemoryTransport) SendUnreliable(peer uint64, data []byte, flags SendFlags) error {
	return t.deliver(peer, data, flags, false)
}

func (t *MemoryTransport) BroadcastReliable(data []byte) {
	for _, peer := range t.peers.Keys() {
		err := t.SendReliable(peer, data)
		if err != nil {
			log.Debugf("broadcast to %d failed: %s", peer, err)
		}
	}
}

func (t *MemoryTransport) BroadcastUnreliable(data []byte, flags SendFlags) {
	for _, peer := range t.peers.Keys() {
		_ = t.SendUnreliable(peer, data, flags)
	}
}

func (t *MemoryTransport) Poll() []Message {
	var msgs []Message
	for len(msgs) < 64 {
		select {
		case msg := <-t.inbox:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
	return msgs
}

func (t *MemoryTransport) RealtimeStatus(peer uint64) (RealtimeStatus, bool) {
	if status, ok := t.statusOverride.Get(peer); ok {
		return status, true
	}
	p, ok := t.peers.Get(peer)
	if !ok {
		return RealtimeStatus{}, false
	}
	return RealtimeStatus{
		State:         p.state,
		PingMs:        1,
		QualityLocal:  1.0,
		QualityRemote: 1.0,
	}, true
}

func (t *MemoryTransport) Peers() []uint64 {
	return t.peers.Keys()
}

func (t *MemoryTransport) AddPeer(peer uint64) {
	if peer == t.userID {
		return
	}
	if _, ok := t.peers.Get(peer); ok {
		return
	}
	t.peers.Set(peer, &memPeer{state: StateConnected, session: uuid.New()})
	// open the session eagerly so the first real message finds it warm
	err := t.SendReliable(peer, proto.EncodeMessage(proto.MsgTypeSessionHello, nil))
	if err != nil {
		log.Debugf("session hello to %d failed: %s", peer, err)
	}
	t.events.Publish(StatusChange{Peer: peer, Old: StateNone, New: StateConnected})
}

func (t *MemoryTransport) RemovePeer(peer uint64) {
	p, ok := t.peers.Get(peer)
	if !ok {
		return
	}
	t.peers.Delete(peer)
	t.events.Publish(StatusChange{Peer: peer, Old: p.state, New: StateClosedByPeer})
}

func (t *MemoryTransport) SyncPeers(desired []uint64) {
	want := make(map[uint64]struct{}, len(desired))
	for _, peer := range desired {
		want[peer] = struct{}{}
		t.AddPeer(peer)
	}
	for _, peer := range t.peers.Keys() {
		if _, ok := want[peer]; !ok {
			t.RemovePeer(peer)
		}
	}
}

func (t *MemoryTransport) AttachListener() <-chan StatusChange {
	return t.events.Subscribe()
}

func (t *MemoryTransport) DetachListener(ch <-chan StatusChange) {
	t.events.Unsubscribe(ch)
}

func (t *MemoryTransport) ClosePeer(peer uint64, reason string) {
	p, ok := t.peers.Get(peer)
	if !ok {
		return
	}
	t.peers.Delete(peer)
	t.events.Publish(StatusChange{Peer: peer, Old: p.state, New: StateProblemDetected, Reason: reason})
}

func (t *MemoryTransport) CloseAll() {
	for _, peer := range t.peers.Keys() {
		t.ClosePeer(peer, "shutting down")
	}
}

// Reconnect implements Reconnector; the memory network records relay-only
// dials so supervisor tests can assert on them.
func (t *MemoryTransport) Reconnect(peer uint64, relayOnly bool) error {
	if relayOnly {
		t.relayDials.WorkWith(func(d *[]uint64) {
			*d = append(*d, peer)
		})
	}
	t.peers.Set(peer, &memPeer{state: StateConnected, session: uuid.New()})
	t.events.Publish(StatusChange{Peer: peer, Old: StateConnecting, New: StateConnected})
	return nil
}

// SetStatusOverride scripts the realtime status reported for a peer
func (t *MemoryTransport) SetStatusOverride(peer uint64, status RealtimeStatus) {
	t.statusOverride.Set(peer, status)
}

// ClearStatusOverride removes a scripted status
func (t *MemoryTransport) ClearStatusOverride(peer uint64) {
	t.statusOverride.Delete(peer)
}

// ForceLimitExceeded makes reliable sends to a peer fail with ErrLimitExceeded
func (t *MemoryTransport) ForceLimitExceeded(peer uint64, forced bool) {
	t.forceLimit.Set(peer, forced)
}

// RelayDials returns the peers redialed relay-only
func (t *MemoryTransport) RelayDials() []uint64 {
	var out []uint64
	t.relayDials.WorkWithReadOnly(func(d []uint64) {
		out = append(out, d...)
	})
	return out
}
