package vpn

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/transport"
)

// fakeDevice is an in-memory tun.Device
type fakeDevice struct {
	mu     sync.Mutex
	readCh chan []byte
	closed chan struct{}
	writes [][]byte
	opened bool
	up     bool
	ip     uint32
	mask   uint32
	routes []uint32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		readCh: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) Open(name string, mtu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		d.opened = false
		close(d.closed)
	}
	return nil
}

func (d *fakeDevice) Read(buf []byte) (int, error) {
	select {
	case pkt := <-d.readCh:
		return copy(buf, pkt), nil
	case <-d.closed:
		return 0, fmt.Errorf("device closed")
	}
}

func (d *fakeDevice) Write(packet []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, append([]byte(nil), packet...))
	return len(packet), nil
}

func (d *fakeDevice) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.writes)
}

func (d *fakeDevice) Name() string { return "tun-test" }

func (d *fakeDevice) SetIPv4(ip uint32, mask uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ip, d.mask = ip, mask
	return nil
}

func (d *fakeDevice) AddRoute(network uint32, mask uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, network)
	return nil
}

func (d *fakeDevice) SetMTU(mtu int) error { return nil }

func (d *fakeDevice) SetUp(up bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.up = up
	return nil
}

func testSubnet(t *testing.T) *net.IPNet {
	t.Helper()
	_, ipnet, err := net.ParseCIDR("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	return ipnet
}

// ipv4Datagram builds a minimal IPv4 header
func ipv4Datagram(src, dest uint32, payloadLen int) []byte {
	pkt := make([]byte, 20+payloadLen)
	pkt[0] = 0x45
	pkt[8] = 64
	copy(pkt[12:16], proto.Uint32ToIP(src).To4())
	copy(pkt[16:20], proto.Uint32ToIP(dest).To4())
	return pkt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestBridge(t *testing.T) (*Bridge, *fakeDevice, *transport.MemoryTransport) {
	t.Helper()
	ctx := t.Context()
	mn := transport.NewMemoryNetwork(ctx)
	mt := mn.Join(1)
	dev := newFakeDevice()
	b, err := New(mt, dev, Config{Subnet: testSubnet(t), MTU: 1400})
	if err != nil {
		t.Fatal(err)
	}
	return b, dev, mt
}

func TestBroadcastFanOut(t *testing.T) {
	ctx := t.Context()
	mn := transport.NewMemoryNetwork(ctx)
	mt := mn.Join(1)
	peers := []*transport.MemoryTransport{mn.Join(2), mn.Join(3), mn.Join(4)}
	mt.SyncPeers([]uint64{2, 3, 4})
	dev := newFakeDevice()
	b, err := New(mt, dev, Config{Subnet: testSubnet(t), MTU: 1400})
	if err != nil {
		t.Fatal(err)
	}
	err = b.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "negotiation", func() bool { return b.LocalIP() != 0 })

	pktLen := 60
	dg := ipv4Datagram(b.LocalIP(), proto.ParseIPv4("10.255.255.255"), pktLen-20)
	dev.readCh <- dg

	for i, p := range peers {
		got := false
		waitFor(t, fmt.Sprintf("broadcast at peer %d", i+2), func() bool {
			for _, msg := range p.Poll() {
				mt, payload, derr := proto.DecodeMessage(msg.Data)
				if derr == nil && mt == proto.MsgTypeIPPacket {
					_, inner, uerr := proto.UnwrapIPPacket(payload)
					if uerr == nil && len(inner) == pktLen {
						got = true
					}
				}
			}
			return got
		})
	}
	waitFor(t, "stats", func() bool {
		s := b.Statistics()
		return s.PacketsSent == 3 && s.BytesSent == uint64(3*pktLen)
	})
}

func TestIncomingPacketForLocal(t *testing.T) {
	b, dev, _ := newTestBridge(t)
	b.localIP.Set(proto.ParseIPv4("10.0.0.1"))
	dg := ipv4Datagram(proto.ParseIPv4("10.0.0.2"), proto.ParseIPv4("10.0.0.1"), 40)
	payload := proto.WrapIPPacket(proto.GenerateNodeID(2), proto.ParseIPv4("10.0.0.2"), dg)
	b.HandleMessage(transport.Message{Peer: 2, Data: proto.EncodeMessage(proto.MsgTypeIPPacket, payload)})
	if dev.writeCount() != 1 {
		t.Fatalf("device writes: %d", dev.writeCount())
	}
	s := b.Statistics()
	if s.PacketsReceived != 1 || s.BytesReceived != uint64(len(dg)) {
		t.Fatalf("stats: %+v", s)
	}
}

func TestIncomingPacketRelayedOnce(t *testing.T) {
	ctx := t.Context()
	mn := transport.NewMemoryNetwork(ctx)
	mt := mn.Join(1)
	peer3 := mn.Join(3)
	mt.SyncPeers([]uint64{2, 3})
	dev := newFakeDevice()
	b, err := New(mt, dev, Config{Subnet: testSubnet(t), MTU: 1400})
	if err != nil {
		t.Fatal(err)
	}
	b.localIP.Set(proto.ParseIPv4("10.0.0.1"))
	destIP := proto.ParseIPv4("10.0.0.3")
	b.updateRoute(proto.GenerateNodeID(3), 3, destIP, "carol")

	dg := ipv4Datagram(proto.ParseIPv4("10.0.0.2"), destIP, 40)
	payload := proto.WrapIPPacket(proto.GenerateNodeID(2), proto.ParseIPv4("10.0.0.2"), dg)
	b.HandleMessage(transport.Message{Peer: 2, Data: proto.EncodeMessage(proto.MsgTypeIPPacket, payload)})

	waitFor(t, "relay to peer 3", func() bool {
		for _, msg := range peer3.Poll() {
			mtype, _, derr := proto.DecodeMessage(msg.Data)
			if derr == nil && mtype == proto.MsgTypeIPPacket {
				return true
			}
		}
		return false
	})
	if dev.writeCount() != 0 {
		t.Fatal("relayed packet must not hit the local device")
	}
}

func TestOwnPacketNeverRelayed(t *testing.T) {
	b, dev, _ := newTestBridge(t)
	b.localIP.Set(proto.ParseIPv4("10.0.0.1"))
	dg := ipv4Datagram(proto.ParseIPv4("10.0.0.1"), proto.ParseIPv4("10.0.0.1"), 40)
	payload := proto.WrapIPPacket(b.neg.NodeID(), proto.ParseIPv4("10.0.0.1"), dg)
	b.HandleMessage(transport.Message{Peer: 2, Data: proto.EncodeMessage(proto.MsgTypeIPPacket, payload)})
	if dev.writeCount() != 0 {
		t.Fatal("our own packet came back and was processed")
	}
}

func TestRouteUpdateFiltering(t *testing.T) {
	b, _, _ := newTestBridge(t)
	existing := proto.ParseIPv4("10.0.0.9")
	b.updateRoute(proto.GenerateNodeID(9), 9, existing, "dave")

	pairs := []proto.RoutePair{
		{UserID: 1, IP: proto.ParseIPv4("10.0.0.50")},   // self: ignored
		{UserID: 5, IP: existing},                       // duplicate ip: ignored
		{UserID: 6, IP: proto.ParseIPv4("192.168.1.6")}, // outside subnet: ignored
		{UserID: 7, IP: proto.ParseIPv4("10.0.0.7")},    // accepted
	}
	b.HandleMessage(transport.Message{
		Peer: 9,
		Data: proto.EncodeMessage(proto.MsgTypeRouteUpdate, proto.MarshalRoutePairs(pairs)),
	})

	routes := b.Routes()
	if len(routes) != 2 {
		t.Fatalf("route count: %d (%+v)", len(routes), routes)
	}
	if routes[existing].UserID != 9 {
		t.Fatal("existing route was overwritten")
	}
	entry, ok := routes[proto.ParseIPv4("10.0.0.7")]
	if !ok || entry.UserID != 7 {
		t.Fatalf("accepted route missing: %+v", routes)
	}
}

func TestRouteTableInvariants(t *testing.T) {
	b, _, _ := newTestBridge(t)
	oldIP := proto.ParseIPv4("10.0.0.20")
	newIP := proto.ParseIPv4("10.0.0.21")
	b.updateRoute(proto.GenerateNodeID(2), 2, oldIP, "bob")
	b.updateRoute(proto.GenerateNodeID(2), 2, newIP, "bob")
	routes := b.Routes()
	if len(routes) != 1 {
		t.Fatalf("reassignment left %d entries", len(routes))
	}
	if _, ok := routes[newIP]; !ok {
		t.Fatal("new address missing after reassignment")
	}
	// at most one local entry
	b.updateRoute(proto.GenerateNodeID(1), 1, proto.ParseIPv4("10.0.0.1"), "self")
	locals := 0
	for _, entry := range b.Routes() {
		if entry.IsLocal {
			locals++
		}
	}
	if locals != 1 {
		t.Fatalf("local entries: %d", locals)
	}
}

func TestPacketLevelConflictEmitsForcedRelease(t *testing.T) {
	ctx := t.Context()
	mn := transport.NewMemoryNetwork(ctx)
	mt := mn.Join(1)
	offender := mn.Join(200)
	mt.SyncPeers([]uint64{100, 200})
	dev := newFakeDevice()
	b, err := New(mt, dev, Config{Subnet: testSubnet(t), MTU: 1400})
	if err != nil {
		t.Fatal(err)
	}
	b.localIP.Set(proto.ParseIPv4("10.0.0.1"))

	contested := proto.ParseIPv4("10.0.0.5")
	var ownerID, claimantID proto.NodeID
	ownerID[0] = 0xFF
	claimantID[0] = 0x01
	b.hb.RegisterNode(ownerID, 100, contested, "owner")
	b.hb.RegisterNode(claimantID, 200, proto.ParseIPv4("10.0.0.6"), "claimant")

	dg := ipv4Datagram(contested, proto.ParseIPv4("10.0.0.1"), 40)
	payload := proto.WrapIPPacket(claimantID, contested, dg)
	b.HandleMessage(transport.Message{Peer: 200, Data: proto.EncodeMessage(proto.MsgTypeIPPacket, payload)})

	var release *proto.ForcedRelease
	waitFor(t, "forced release to offender", func() bool {
		for _, msg := range offender.Poll() {
			mtype, p, derr := proto.DecodeMessage(msg.Data)
			if derr == nil && mtype == proto.MsgTypeForcedRelease {
				release, _ = proto.ParseForcedRelease(p)
				return true
			}
		}
		return false
	})
	if release.IP != contested || release.WinnerNodeID != ownerID {
		t.Fatalf("release: %+v", release)
	}
	owner, _ := b.hb.FindNodeByIP(contested)
	if owner != ownerID {
		t.Fatal("reverse map must be unchanged when the owner wins")
	}
}

func TestPeerLeftCleansUp(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ip := proto.ParseIPv4("10.0.0.30")
	nodeID := proto.GenerateNodeID(3)
	b.updateRoute(nodeID, 3, ip, "carol")
	b.hb.RegisterNode(nodeID, 3, ip, "carol")
	b.onPeerLeft(3)
	if len(b.Routes()) != 0 {
		t.Fatal("routes not removed on peer leave")
	}
	if _, ok := b.hb.FindNodeByIP(ip); ok {
		t.Fatal("node not unregistered on peer leave")
	}
	if _, used := b.LookupName("carol"); used {
		t.Fatal("name still resolvable after leave")
	}
}

func TestAnnounceUpsertsRouteAndRebroadcasts(t *testing.T) {
	ctx := t.Context()
	mn := transport.NewMemoryNetwork(ctx)
	mt := mn.Join(1)
	other := mn.Join(3)
	mt.SyncPeers([]uint64{2, 3})
	dev := newFakeDevice()
	b, err := New(mt, dev, Config{Subnet: testSubnet(t), MTU: 1400})
	if err != nil {
		t.Fatal(err)
	}
	announced := proto.ParseIPv4("10.0.0.40")
	announce := &proto.AddressAnnounce{IP: announced, NodeID: proto.GenerateNodeID(2)}
	b.HandleMessage(transport.Message{
		Peer: 2,
		Data: proto.EncodeMessage(proto.MsgTypeAddressAnnounce, announce.Marshal()),
	})
	if _, ok := b.Routes()[announced]; !ok {
		t.Fatal("announce did not create a route")
	}
	waitFor(t, "route update rebroadcast", func() bool {
		for _, msg := range other.Poll() {
			mtype, _, derr := proto.DecodeMessage(msg.Data)
			if derr == nil && mtype == proto.MsgTypeRouteUpdate {
				return true
			}
		}
		return false
	})
}
