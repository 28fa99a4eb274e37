package vpn

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/moeleak/connecttool/pkg/heartbeat"
	"github.com/moeleak/connecttool/pkg/negotiator"
	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/transport"
	"github.com/moeleak/connecttool/pkg/tun"
	"github.com/moeleak/connecttool/pkg/x/syncro"
	"github.com/moeleak/connecttool/pkg/x/timerunner"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Bridge connects a TUN device to the overlay.  It owns the IP negotiator
// and the heartbeat manager, keeps the routing table keyed by virtual IPv4,
// classifies packets read from the device, and demultiplexes incoming
// overlay messages into the negotiator, the heartbeat table or the device.

// RouteEntry is one row of the routing table
type RouteEntry struct {
	UserID  uint64
	IP      uint32
	Name    string
	IsLocal bool
	NodeID  proto.NodeID
}

// Statistics is a snapshot of the bridge's rolling counters
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsDropped  uint64
}

// Config carries the bridge's settings
type Config struct {
	// Device is the TUN device name; empty picks a platform default
	Device string
	// Subnet is the virtual subnet carried over the overlay
	Subnet *net.IPNet
	// MTU for the TUN device
	MTU int
	// NameOf resolves a user id to a display name; may be nil
	NameOf func(userID uint64) string
}

const negotiatorPollInterval = 50 * time.Millisecond

type Bridge struct {
	t   transport.Transport
	dev tun.Device
	cfg Config

	neg *negotiator.Negotiator
	hb  *heartbeat.Manager

	baseIP     uint32
	subnetMask uint32

	ctx     context.Context
	running atomic.Bool
	localIP syncro.Var[uint32]
	routes  syncro.Var[map[uint32]RouteEntry]
	stats   syncro.Var[Statistics]
}

// New constructs a Bridge over a transport and device
func New(t transport.Transport, dev tun.Device, cfg Config) (*Bridge, error) {
	if cfg.Subnet == nil {
		return nil, fmt.Errorf("no virtual subnet configured")
	}
	baseIP := proto.IPToUint32(cfg.Subnet.IP)
	subnetMask := proto.MaskToUint32(cfg.Subnet.Mask)
	if baseIP == 0 || subnetMask == 0 {
		return nil, fmt.Errorf("invalid virtual subnet %s", cfg.Subnet)
	}
	if cfg.MTU <= 0 {
		cfg.MTU = 1400
	}
	b := &Bridge{
		t:          t,
		dev:        dev,
		cfg:        cfg,
		baseIP:     baseIP,
		subnetMask: subnetMask,
		neg:        negotiator.New(t.LocalUserID(), baseIP, subnetMask),
		hb:         heartbeat.New(),
	}
	b.routes.Set(make(map[uint32]RouteEntry))
	return b, nil
}

// Start opens the device and begins negotiation.  The bridge runs until ctx
// is cancelled; cancelling closes the device, which unblocks the read loop.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bridge already running")
	}
	b.ctx = ctx
	err := b.dev.Open(b.cfg.Device, b.cfg.MTU)
	if err != nil {
		b.running.Store(false)
		return fmt.Errorf("error opening tun device: %w", err)
	}

	b.neg.SetCallbacks(b.sendVpnMessage, b.broadcastVpnMessage)
	b.neg.SetSuccessCallback(b.onNegotiationSuccess)
	b.hb.SetSendCallback(func(t proto.MsgType, payload []byte, reliable bool) {
		b.broadcastVpnMessage(t, payload, reliable)
	})
	b.hb.SetNodeExpiredCallback(b.onNodeExpired)

	b.neg.StartNegotiation()
	go b.tunReadLoop()
	timerunner.New(ctx, b.neg.CheckTimeout, timerunner.Periodic(negotiatorPollInterval))
	go b.peerEventLoop()
	go func() {
		<-ctx.Done()
		b.running.Store(false)
		_ = b.dev.Close()
	}()
	log.WithField("chan", "net").Info("vpn bridge started")
	return nil
}

// LocalIP returns the negotiated address, or 0
func (b *Bridge) LocalIP() uint32 {
	return b.localIP.Get()
}

// DeviceName returns the TUN device name
func (b *Bridge) DeviceName() string {
	return b.dev.Name()
}

// Phase returns the negotiator's phase
func (b *Bridge) Phase() negotiator.Phase {
	return b.neg.Phase()
}

// Routes returns a snapshot of the routing table
func (b *Bridge) Routes() map[uint32]RouteEntry {
	out := make(map[uint32]RouteEntry)
	b.routes.WorkWithReadOnly(func(routes map[uint32]RouteEntry) {
		for ip, entry := range routes {
			out[ip] = entry
		}
	})
	return out
}

// LookupName resolves a display name to its virtual address
func (b *Bridge) LookupName(name string) (uint32, bool) {
	var ip uint32
	var ok bool
	b.routes.WorkWithReadOnly(func(routes map[uint32]RouteEntry) {
		for _, entry := range routes {
			if entry.Name == name {
				ip = entry.IP
				ok = true
				return
			}
		}
	})
	return ip, ok
}

// Statistics returns a snapshot of the counters
func (b *Bridge) Statistics() Statistics {
	return b.stats.Get()
}

func (b *Bridge) nameOf(userID uint64) string {
	if b.cfg.NameOf == nil {
		return ""
	}
	return b.cfg.NameOf(userID)
}

// tunReadLoop reads packets from the device, classifies and forwards them
func (b *Bridge) tunReadLoop() {
	buf := make([]byte, 65536)
	for b.running.Load() {
		n, err := b.dev.Read(buf)
		if err != nil {
			if b.running.Load() && b.ctx.Err() == nil {
				log.WithField("chan", "net").Warnf("tun read error: %s", err)
			}
			return
		}
		if n <= 0 {
			continue
		}
		b.forwardFromTun(buf[:n])
	}
}

func (b *Bridge) forwardFromTun(datagram []byte) {
	src, dest := proto.DatagramAddrs(datagram)
	if dest == 0 {
		b.stats.WorkWith(func(s *Statistics) { s.PacketsDropped++ })
		return
	}
	localIP := b.localIP.Get()

	switch {
	case dest == localIP:
		b.loopback(datagram)
	case proto.IsBroadcast(dest, b.baseIP, b.subnetMask):
		wrapped := proto.EncodeMessage(proto.MsgTypeIPPacket, proto.WrapIPPacket(b.neg.NodeID(), src, datagram))
		peerCount := uint64(len(b.t.Peers()))
		b.t.BroadcastUnreliable(wrapped, transport.FlagNoNagle|transport.FlagNoDelay)
		b.stats.WorkWith(func(s *Statistics) {
			s.PacketsSent += peerCount
			s.BytesSent += uint64(len(datagram)) * peerCount
		})
	default:
		entry, found := b.routeFor(dest)
		switch {
		case found && entry.IsLocal:
			b.loopback(datagram)
		case found:
			wrapped := proto.EncodeMessage(proto.MsgTypeIPPacket, proto.WrapIPPacket(b.neg.NodeID(), src, datagram))
			err := b.t.SendUnreliable(entry.UserID, wrapped, transport.FlagNoNagle|transport.FlagNoDelay)
			if err != nil {
				b.stats.WorkWith(func(s *Statistics) { s.PacketsDropped++ })
				return
			}
			b.stats.WorkWith(func(s *Statistics) {
				s.PacketsSent++
				s.BytesSent += uint64(len(datagram))
			})
		default:
			b.stats.WorkWith(func(s *Statistics) { s.PacketsDropped++ })
		}
	}
}

func (b *Bridge) loopback(datagram []byte) {
	_, err := b.dev.Write(datagram)
	if err != nil {
		b.stats.WorkWith(func(s *Statistics) { s.PacketsDropped++ })
		return
	}
	b.stats.WorkWith(func(s *Statistics) {
		s.PacketsReceived++
		s.BytesReceived += uint64(len(datagram))
	})
}

func (b *Bridge) routeFor(ip uint32) (RouteEntry, bool) {
	var entry RouteEntry
	var found bool
	b.routes.WorkWithReadOnly(func(routes map[uint32]RouteEntry) {
		entry, found = routes[ip]
	})
	return entry, found
}

// HandleMessage demultiplexes one overlay message from a peer
func (b *Bridge) HandleMessage(msg transport.Message) {
	msgType, payload, err := proto.DecodeMessage(msg.Data)
	if err != nil {
		log.WithField("chan", "net").Debugf("dropping malformed vpn message from %d: %s", msg.Peer, err)
		return
	}
	switch msgType {
	case proto.MsgTypeIPPacket:
		b.handleIPPacket(payload, msg.Peer)
	case proto.MsgTypeRouteUpdate:
		b.handleRouteUpdate(payload, msg.Peer)
	case proto.MsgTypeProbeRequest:
		req, perr := proto.ParseProbeRequest(payload)
		if perr == nil {
			b.neg.HandleProbeRequest(req, msg.Peer)
		}
	case proto.MsgTypeProbeResponse:
		resp, perr := proto.ParseProbeResponse(payload)
		if perr == nil {
			b.neg.HandleProbeResponse(resp, msg.Peer)
		}
	case proto.MsgTypeAddressAnnounce:
		b.handleAddressAnnounce(payload, msg.Peer)
	case proto.MsgTypeForcedRelease:
		rel, perr := proto.ParseForcedRelease(payload)
		if perr == nil {
			b.neg.HandleForcedRelease(rel, msg.Peer)
		}
	case proto.MsgTypeHeartbeat:
		hb, perr := proto.ParseHeartbeat(payload)
		if perr == nil {
			b.hb.HandleHeartbeat(hb, msg.Peer, b.nameOf(msg.Peer))
		}
	default:
		log.WithField("chan", "net").Debugf("unknown vpn message type %d from %d", msgType, msg.Peer)
	}
}

func (b *Bridge) handleIPPacket(payload []byte, sender uint64) {
	wrapper, datagram, err := proto.UnwrapIPPacket(payload)
	if err != nil {
		b.stats.WorkWith(func(s *Statistics) { s.PacketsDropped++ })
		return
	}
	if wrapper.SenderNodeID == b.neg.NodeID() {
		// our own packet came back; never relay it again
		return
	}
	_, dest := proto.DatagramAddrs(datagram)

	// keep the overlay's view of address ownership in sync with observed traffic
	conflictIP := wrapper.SourceIP
	if conflictIP == 0 {
		conflictIP = dest
	}
	conflictUser, conflicted := b.hb.DetectConflict(conflictIP, wrapper.SenderNodeID)
	if conflicted && conflictUser != b.t.LocalUserID() {
		winner, ok := b.hb.FindNodeByIP(conflictIP)
		if ok {
			release := &proto.ForcedRelease{IP: conflictIP, WinnerNodeID: winner}
			b.sendVpnMessage(proto.MsgTypeForcedRelease, release.Marshal(), conflictUser, true)
		}
	}

	localIP := b.localIP.Get()
	if dest == localIP || proto.IsBroadcast(dest, b.baseIP, b.subnetMask) {
		_, werr := b.dev.Write(datagram)
		if werr != nil {
			b.stats.WorkWith(func(s *Statistics) { s.PacketsDropped++ })
			return
		}
		b.stats.WorkWith(func(s *Statistics) {
			s.PacketsReceived++
			s.BytesReceived += uint64(len(datagram))
		})
		return
	}
	// one relay hop at most: never back toward the peer we got it from
	entry, found := b.routeFor(dest)
	if found && !entry.IsLocal && entry.UserID != sender {
		b.sendVpnMessage(proto.MsgTypeIPPacket, payload, entry.UserID, false)
	}
}

func (b *Bridge) handleRouteUpdate(payload []byte, sender uint64) {
	changed := false
	for _, pair := range proto.ParseRoutePairs(payload) {
		if pair.UserID == b.t.LocalUserID() {
			continue
		}
		if _, exists := b.routeFor(pair.IP); exists {
			continue
		}
		if !proto.SubnetContains(b.baseIP, b.subnetMask, pair.IP) {
			continue
		}
		b.updateRoute(proto.GenerateNodeID(pair.UserID), pair.UserID, pair.IP, b.nameOf(pair.UserID))
		changed = true
	}
	if changed {
		log.WithField("chan", "net").Debugf("routes updated from %d", sender)
	}
}

func (b *Bridge) handleAddressAnnounce(payload []byte, sender uint64) {
	announce, err := proto.ParseAddressAnnounce(payload)
	if err != nil {
		return
	}
	_, isKnown := b.routeFor(announce.IP)
	b.neg.HandleAddressAnnounce(announce, sender)
	b.updateRoute(announce.NodeID, sender, announce.IP, b.nameOf(sender))
	if !isKnown {
		b.broadcastRouteUpdate()
	}
}

// onNegotiationSuccess configures the device and brings the overlay up
func (b *Bridge) onNegotiationSuccess(ip uint32, nodeID proto.NodeID) {
	b.localIP.Set(ip)
	log.WithField("chan", "net").Infof("claimed %s on %s", proto.FormatIPv4(ip), b.dev.Name())
	err := b.dev.SetIPv4(ip, b.subnetMask)
	if err == nil {
		err = b.dev.SetUp(true)
	}
	if err != nil {
		log.WithField("chan", "net").Errorf("could not configure tun device: %s", err)
		b.running.Store(false)
		_ = b.dev.Close()
		return
	}
	// route installation is best-effort: a failure degrades, it does not abort
	err = b.dev.AddRoute(b.baseIP, b.subnetMask)
	if err != nil {
		log.WithField("chan", "net").Warnf("could not add subnet route: %s", err)
	}

	b.updateRoute(nodeID, b.t.LocalUserID(), ip, b.nameOf(b.t.LocalUserID()))
	b.hb.Initialize(nodeID, ip)
	b.hb.RegisterNode(nodeID, b.t.LocalUserID(), ip, b.nameOf(b.t.LocalUserID()))
	b.hb.Start(b.ctx)
	b.broadcastRouteUpdate()
}

func (b *Bridge) onNodeExpired(nodeID proto.NodeID, ip uint32) {
	b.removeRoute(ip)
	b.neg.MarkUnused(ip)
	log.WithField("chan", "net").Infof("expired node %s released %s", nodeID, proto.FormatIPv4(ip))
}

// peerEventLoop reacts to transport-level joins and leaves
func (b *Bridge) peerEventLoop() {
	events := b.t.AttachListener()
	defer b.t.DetachListener(events)
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.New {
			case transport.StateConnected:
				b.onPeerJoined(ev.Peer)
			case transport.StateClosedByPeer:
				b.onPeerLeft(ev.Peer)
			}
		}
	}
}

// onPeerJoined brings a new peer up to date with our claim and routes
func (b *Bridge) onPeerJoined(peer uint64) {
	if b.neg.Phase() != negotiator.PhaseStable {
		return
	}
	log.WithField("chan", "net").Infof("peer %d joined, sending address and routes", peer)
	b.neg.SendAddressAnnounceTo(peer)
	b.sendRouteUpdateTo(peer)
}

// onPeerLeft removes everything the peer owned
func (b *Bridge) onPeerLeft(peer uint64) {
	var removed []RouteEntry
	b.routes.WorkWith(func(routes *map[uint32]RouteEntry) {
		for ip, entry := range *routes {
			if entry.UserID == peer {
				removed = append(removed, entry)
				delete(*routes, ip)
			}
		}
	})
	for _, entry := range removed {
		b.hb.UnregisterNode(entry.NodeID)
		b.neg.MarkUnused(entry.IP)
		log.WithField("chan", "net").Infof("peer %d left, released %s", peer, proto.FormatIPv4(entry.IP))
	}
}

// RebroadcastState re-announces our address and routes; used after reconnects
func (b *Bridge) RebroadcastState() {
	if b.neg.Phase() != negotiator.PhaseStable {
		return
	}
	b.neg.SendAddressAnnounce()
	b.broadcastRouteUpdate()
}

// updateRoute inserts or replaces a routing entry.  A user moving to a new
// address loses its old entries; the negotiator learns the address is taken.
func (b *Bridge) updateRoute(nodeID proto.NodeID, userID uint64, ip uint32, name string) {
	entry := RouteEntry{
		UserID:  userID,
		IP:      ip,
		Name:    name,
		IsLocal: userID == b.t.LocalUserID(),
		NodeID:  nodeID,
	}
	b.routes.WorkWith(func(routes *map[uint32]RouteEntry) {
		for oldIP, old := range *routes {
			if old.UserID == userID && oldIP != ip {
				delete(*routes, oldIP)
			}
		}
		(*routes)[ip] = entry
	})
	b.neg.MarkUsed(ip)
	log.WithField("chan", "net").Debugf("route %s -> %d (%s)", proto.FormatIPv4(ip), userID, name)
}

func (b *Bridge) removeRoute(ip uint32) {
	b.routes.WorkWith(func(routes *map[uint32]RouteEntry) {
		delete(*routes, ip)
	})
}

func (b *Bridge) routePairs() []proto.RoutePair {
	var pairs []proto.RoutePair
	b.routes.WorkWithReadOnly(func(routes map[uint32]RouteEntry) {
		for ip, entry := range routes {
			pairs = append(pairs, proto.RoutePair{UserID: entry.UserID, IP: ip})
		}
	})
	slices.SortFunc(pairs, func(a, b proto.RoutePair) int {
		if a.IP < b.IP {
			return -1
		}
		if a.IP > b.IP {
			return 1
		}
		return 0
	})
	return pairs
}

func (b *Bridge) broadcastRouteUpdate() {
	pairs := b.routePairs()
	log.WithField("chan", "net").Debugf("broadcasting route update with %d entries", len(pairs))
	b.broadcastVpnMessage(proto.MsgTypeRouteUpdate, proto.MarshalRoutePairs(pairs), true)
}

func (b *Bridge) sendRouteUpdateTo(peer uint64) {
	pairs := b.routePairs()
	b.sendVpnMessage(proto.MsgTypeRouteUpdate, proto.MarshalRoutePairs(pairs), peer, true)
}

func (b *Bridge) sendVpnMessage(t proto.MsgType, payload []byte, peer uint64, reliable bool) {
	msg := proto.EncodeMessage(t, payload)
	var err error
	if reliable {
		err = b.t.SendReliable(peer, msg)
	} else {
		err = b.t.SendUnreliable(peer, msg, transport.FlagNoNagle|transport.FlagNoDelay)
	}
	if err != nil {
		log.WithField("chan", "net").Debugf("send of type %d to %d failed: %s", t, peer, err)
	}
}

func (b *Bridge) broadcastVpnMessage(t proto.MsgType, payload []byte, reliable bool) {
	msg := proto.EncodeMessage(t, payload)
	if reliable {
		b.t.BroadcastReliable(msg)
	} else {
		b.t.BroadcastUnreliable(msg, transport.FlagNoNagle|transport.FlagNoDelay)
	}
}
