package discovery

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/transport"
	"github.com/moeleak/connecttool/pkg/x/syncro"
	log "github.com/sirupsen/logrus"
)

// Bridge carries LAN service-discovery broadcasts over the tunnel.  On the
// client side, local UDP broadcasts to the well-known port are tagged with a
// request id and forwarded to the host; the host re-broadcasts them on its
// LAN and returns whatever answers under the id of the most recent request.
// Correlation is best-effort: unknown ids are dropped.

// Port is the well-known LAN discovery port
const Port = 4445

const readBufSize = 64 * 1024

type Bridge struct {
	t      transport.Transport
	peer   uint64
	isHost bool

	conn    *net.UDPConn
	running atomic.Bool

	nextRequestID atomic.Uint32
	pending       syncro.Map[uint16, *net.UDPAddr]
	activeRequest syncro.Var[activeRequest]
}

type activeRequest struct {
	id    uint16
	valid bool
}

// New returns a Bridge tunneling discovery traffic to the given peer
func New(t transport.Transport, peer uint64, isHost bool) *Bridge {
	return &Bridge{
		t:      t,
		peer:   peer,
		isHost: isHost,
	}
}

// Start binds the discovery port and begins relaying
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		b.running.Store(false)
		return err
	}
	b.conn = conn
	go b.readLoop()
	go func() {
		<-ctx.Done()
		b.Stop()
	}()
	role := "client"
	if b.isHost {
		role = "host"
	}
	log.WithField("chan", "net").Infof("discovery bridge listening on udp/%d as %s", Port, role)
	return nil
}

// Stop closes the socket, unblocking the read loop
func (b *Bridge) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	_ = b.conn.Close()
}

func (b *Bridge) readLoop() {
	buf := make([]byte, readBufSize)
	for b.running.Load() {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		b.handleLocalPacket(buf[:n], addr)
	}
}

// handleLocalPacket forwards a LAN-originated packet over the tunnel
func (b *Bridge) handleLocalPacket(data []byte, origin *net.UDPAddr) {
	if !b.isHost {
		// a local client is asking; remember where to return the answer
		id := uint16(b.nextRequestID.Add(1))
		b.pending.Set(id, origin)
		b.sendToTunnel(proto.DiscoveryRequest, id, data)
		return
	}
	// a LAN server answered the re-broadcast request
	active := b.activeRequest.Get()
	if !active.valid {
		return
	}
	b.sendToTunnel(proto.DiscoveryResponse, active.id, data)
}

func (b *Bridge) sendToTunnel(frameType uint8, id uint16, payload []byte) {
	frame := proto.BuildDiscoveryFrame(frameType, id, payload)
	err := b.t.SendReliable(b.peer, frame)
	if err != nil {
		log.WithField("chan", "net").Debugf("discovery forward failed: %s", err)
	}
}

// HandleFrame processes a bridged discovery frame from the tunnel
func (b *Bridge) HandleFrame(data []byte) {
	frameType, id, payload, err := proto.ParseDiscoveryFrame(data)
	if err != nil {
		return
	}
	switch {
	case frameType == proto.DiscoveryRequest && b.isHost:
		b.forwardToBroadcast(id, payload)
	case frameType == proto.DiscoveryResponse && !b.isHost:
		b.forwardResponseToLocal(id, payload)
	}
}

// forwardToBroadcast re-broadcasts a tunneled request on the local LAN
func (b *Bridge) forwardToBroadcast(id uint16, payload []byte) {
	b.activeRequest.Set(activeRequest{id: id, valid: true})
	if b.conn == nil {
		return
	}
	_, err := b.conn.WriteToUDP(payload, &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: Port,
	})
	if err != nil {
		log.WithField("chan", "net").Warnf("discovery broadcast failed: %s", err)
	}
}

// forwardResponseToLocal returns a tunneled answer to its original asker
func (b *Bridge) forwardResponseToLocal(id uint16, payload []byte) {
	origin, ok := b.pending.Get(id)
	if !ok {
		return
	}
	if b.conn == nil {
		return
	}
	_, err := b.conn.WriteToUDP(payload, origin)
	if err != nil {
		log.WithField("chan", "net").Warnf("discovery response to %s failed: %s", origin, err)
	}
}
