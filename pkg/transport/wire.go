package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/x/broker"
	"github.com/moeleak/connecttool/pkg/x/makecert"
	"github.com/moeleak/connecttool/pkg/x/syncro"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

// The wire incarnation carries the contract over QUIC: one bidirectional
// stream per peer carries length-prefixed reliable messages, QUIC datagrams
// carry unreliable messages, and a lightweight ping exchange over datagrams
// feeds the realtime status.  The substrate is assumed to authenticate
// peers, so the TLS layer runs on ad-hoc self-signed material.

const (
	wireALPN = "connecttool-overlay"
	// sendBufferLimit mirrors the substrate's reliable send buffer; once this
	// many bytes are queued but unwritten, reliable sends are refused.
	sendBufferLimit = 8 * 1024 * 1024
	sendQueueLen    = 1024
	maxFrameSize    = 16 * 1024 * 1024
)

// Datagram kinds
const (
	dgramData = 0
	dgramPing = 1
	dgramPong = 2
)

// AddrBook resolves a peer's user id to a dialable address
type AddrBook func(peer uint64) (string, bool)

type wireSession struct {
	token   uuid.UUID
	peer    uint64
	conn    *quic.Conn
	stream  *quic.Stream
	sendQ   chan []byte
	pending atomic.Int64
	pingMs  atomic.Int64
	state   syncro.Var[ConnState]
	cancel  context.CancelFunc
}

// WireTransport implements Transport over QUIC
type WireTransport struct {
	ctx         context.Context
	localUserID uint64
	listener    *quic.Listener
	tlsConf     *tls.Config
	quicConf    *quic.Config
	addrBook    AddrBook
	relayAddr   string
	preferRelay atomic.Bool
	relayDialed syncro.Map[uint64, bool]
	sessions    syncro.Map[uint64, *wireSession]
	inbox       chan Message
	events      broker.Broker[StatusChange]
}

// NewWire starts a wire transport listening on listenAddr.  addrBook maps
// peer user ids to dial addresses; relayAddr, when set, is the fallback
// target for relay-only retries.
func NewWire(ctx context.Context, localUserID uint64, listenAddr string, addrBook AddrBook, relayAddr string) (*WireTransport, error) {
	cert, err := makecert.MakeSelfSigned("connecttool", 365, nil, []string{"connecttool"})
	if err != nil {
		return nil, fmt.Errorf("error generating transport certificate: %w", err)
	}
	t := &WireTransport{
		ctx:         ctx,
		localUserID: localUserID,
		tlsConf: &tls.Config{
			Certificates:       []tls.Certificate{cert.TLSCert},
			InsecureSkipVerify: true, // the substrate authenticates; TLS is transport plumbing
			NextProtos:         []string{wireALPN},
		},
		quicConf: &quic.Config{
			EnableDatagrams: true,
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 5 * time.Second,
		},
		addrBook:  addrBook,
		relayAddr: relayAddr,
		inbox:     make(chan Message, memoryInboxSize),
		events:    broker.New(ctx, broker.Buffered[StatusChange](statusEventBuffer)),
	}
	t.listener, err = quic.ListenAddr(listenAddr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("error listening for overlay transport: %w", err)
	}
	go t.acceptLoop()
	go func() {
		<-ctx.Done()
		t.CloseAll()
		_ = t.listener.Close()
	}()
	log.WithField("chan", "substrate").Infof("overlay transport listening on %s", t.listener.Addr())
	return t, nil
}

// Addr returns the transport's listen address
func (t *WireTransport) Addr() string {
	return t.listener.Addr().String()
}

func (t *WireTransport) LocalUserID() uint64 {
	return t.localUserID
}

func (t *WireTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				log.WithField("chan", "substrate").Warnf("transport accept error: %s", err)
			}
			return
		}
		go t.handleIncoming(conn)
	}
}

func (t *WireTransport) handleIncoming(conn *quic.Conn) {
	stream, err := conn.AcceptStream(t.ctx)
	if err != nil {
		if t.ctx.Err() == nil {
			log.WithField("chan", "substrate").Warnf("transport stream accept error: %s", err)
		}
		return
	}
	hello, err := readFrame(stream)
	if err != nil || len(hello) != 8 {
		log.WithField("chan", "substrate").Warnf("bad transport hello from %s", conn.RemoteAddr())
		_ = conn.CloseWithError(1, "bad hello")
		return
	}
	peer := binary.LittleEndian.Uint64(hello)
	t.registerSession(peer, conn, stream)
}

// registerSession installs a session, suppressing any duplicate to the same
// peer by closing the older one.
func (t *WireTransport) registerSession(peer uint64, conn *quic.Conn, stream *quic.Stream) *wireSession {
	sessCtx, sessCancel := context.WithCancel(t.ctx)
	sess := &wireSession{
		token:  uuid.New(),
		peer:   peer,
		conn:   conn,
		stream: stream,
		sendQ:  make(chan []byte, sendQueueLen),
		cancel: sessCancel,
	}
	sess.state.Set(StateConnected)
	var old *wireSession
	t.sessions.WorkWith(func(m *map[uint64]*wireSession) {
		old = (*m)[peer]
		(*m)[peer] = sess
	})
	if old != nil {
		log.WithField("chan", "substrate").Infof("closing duplicate session to %d (token %s)", peer, old.token)
		t.teardownSession(old, "replace duplicate session")
	}
	go t.sessionWriteLoop(sessCtx, sess)
	go t.sessionStreamReadLoop(sessCtx, sess)
	go t.sessionDatagramLoop(sessCtx, sess)
	go t.sessionPingLoop(sessCtx, sess)
	t.events.Publish(StatusChange{Peer: peer, Old: StateConnecting, New: StateConnected})
	log.WithField("chan", "substrate").Infof("session %s to %d established", sess.token, peer)
	return sess
}

func (t *WireTransport) teardownSession(sess *wireSession, reason string) {
	sess.cancel()
	_ = sess.conn.CloseWithError(0, reason)
}

// Dial opens a session to a peer at a known address
func (t *WireTransport) Dial(peer uint64, addr string, relayOnly bool) error {
	if relayOnly {
		if t.relayAddr == "" {
			return fmt.Errorf("no relay address configured")
		}
		addr = t.relayAddr
		t.relayDialed.Set(peer, true)
	} else if t.preferRelay.Load() && t.relayAddr != "" {
		addr = t.relayAddr
	}
	t.events.Publish(StatusChange{Peer: peer, Old: StateNone, New: StateConnecting})
	dialCtx, dialCancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer dialCancel()
	conn, err := quic.DialAddr(dialCtx, addr, t.tlsConf, t.quicConf)
	if err != nil {
		t.events.Publish(StatusChange{Peer: peer, Old: StateConnecting, New: StateProblemDetected, Reason: err.Error()})
		return fmt.Errorf("error dialing %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(1, "no stream")
		t.events.Publish(StatusChange{Peer: peer, Old: StateConnecting, New: StateProblemDetected, Reason: err.Error()})
		return fmt.Errorf("error opening stream to %s: %w", addr, err)
	}
	hello := make([]byte, 8)
	binary.LittleEndian.PutUint64(hello, t.localUserID)
	err = writeFrame(stream, hello)
	if err != nil {
		_ = conn.CloseWithError(1, "hello failed")
		return fmt.Errorf("error sending hello to %s: %w", addr, err)
	}
	t.registerSession(peer, conn, stream)
	return nil
}

// Reconnect implements Reconnector
func (t *WireTransport) Reconnect(peer uint64, relayOnly bool) error {
	if sess, ok := t.sessions.Get(peer); ok {
		t.sessions.Delete(peer)
		t.teardownSession(sess, "reconnecting")
	}
	addr, ok := t.addrBook(peer)
	if !ok && !relayOnly {
		return fmt.Errorf("no address known for peer %d", peer)
	}
	return t.Dial(peer, addr, relayOnly)
}

// ApplyPathPreference implements PathTuner.  When the relay estimate is
// clearly better than the direct path, new dials go through the relay.
func (t *WireTransport) ApplyPathPreference(directPingMs int, relayPingMs int) {
	hasDirect := directPingMs >= 0
	hasRelay := relayPingMs >= 0
	switch {
	case hasDirect && (!hasRelay || directPingMs <= relayPingMs+10):
		t.preferRelay.Store(false)
	case hasRelay && (!hasDirect || relayPingMs+15 <= directPingMs):
		t.preferRelay.Store(true)
	}
	log.WithField("chan", "substrate").Infof("path preference: direct=%dms relay=%dms preferRelay=%v",
		directPingMs, relayPingMs, t.preferRelay.Load())
}

func (t *WireTransport) sessionWriteLoop(ctx context.Context, sess *wireSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sess.sendQ:
			err := writeFrame(sess.stream, data)
			sess.pending.Add(-int64(len(data)))
			if err != nil {
				if ctx.Err() == nil {
					log.WithField("chan", "substrate").Warnf("stream write error to %d: %s", sess.peer, err)
					t.dropSession(sess, StateProblemDetected, err.Error())
				}
				return
			}
		}
	}
}

func (t *WireTransport) sessionStreamReadLoop(ctx context.Context, sess *wireSession) {
	for {
		data, err := readFrame(sess.stream)
		if err != nil {
			if ctx.Err() == nil && t.ctx.Err() == nil {
				reason := StateClosedByPeer
				if err != io.EOF {
					reason = StateProblemDetected
				}
				t.dropSession(sess, reason, err.Error())
			}
			return
		}
		select {
		case t.inbox <- Message{Peer: sess.peer, Data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *WireTransport) sessionDatagramLoop(ctx context.Context, sess *wireSession) {
	for {
		data, err := sess.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(data) < 1 {
			continue
		}
		switch data[0] {
		case dgramData:
			msg := Message{Peer: sess.peer, Data: data[1:], Flags: FlagNoNagle | FlagNoDelay}
			select {
			case t.inbox <- msg:
			default:
				// unreliable path: drop under pressure
			}
		case dgramPing:
			pong := append([]byte{dgramPong}, data[1:]...)
			_ = sess.conn.SendDatagram(pong)
		case dgramPong:
			if len(data) == 9 {
				sentNanos := int64(binary.LittleEndian.Uint64(data[1:]))
				rtt := time.Since(time.Unix(0, sentNanos))
				sess.pingMs.Store(rtt.Milliseconds())
			}
		}
	}
}

func (t *WireTransport) sessionPingLoop(ctx context.Context, sess *wireSession) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := make([]byte, 9)
			ping[0] = dgramPing
			binary.LittleEndian.PutUint64(ping[1:], uint64(time.Now().UnixNano()))
			_ = sess.conn.SendDatagram(ping)
		}
	}
}

func (t *WireTransport) dropSession(sess *wireSession, newState ConnState, reason string) {
	removed := false
	t.sessions.WorkWith(func(m *map[uint64]*wireSession) {
		if (*m)[sess.peer] == sess {
			delete(*m, sess.peer)
			removed = true
		}
	})
	if removed {
		old := sess.state.Get()
		sess.state.Set(newState)
		t.teardownSession(sess, reason)
		t.events.Publish(StatusChange{Peer: sess.peer, Old: old, New: newState, Reason: reason})
	}
}

func (t *WireTransport) SendReliable(peer uint64, data []byte) error {
	sess, ok := t.sessions.Get(peer)
	if !ok {
		return ErrNoConnection
	}
	if sess.pending.Load()+int64(len(data)) > sendBufferLimit {
		return ErrLimitExceeded
	}
	queued := append([]byte(nil), data...)
	sess.pending.Add(int64(len(queued)))
	select {
	case sess.sendQ <- queued:
		return nil
	default:
		sess.pending.Add(-int64(len(queued)))
		return ErrLimitExceeded
	}
}

func (t *WireTransport) SendUnreliable(peer uint64, data []byte, flags SendFlags) error {
	sess, ok := t.sessions.Get(peer)
	if !ok {
		return ErrNoConnection
	}
	dgram := make([]byte, 1+len(data))
	dgram[0] = dgramData
	copy(dgram[1:], data)
	err := sess.conn.SendDatagram(dgram)
	if err != nil {
		// datagram too large or not supported: fall back to the stream
		return t.SendReliable(peer, data)
	}
	return nil
}

func (t *WireTransport) BroadcastReliable(data []byte) {
	for _, peer := range t.sessions.Keys() {
		err := t.SendReliable(peer, data)
		if err != nil {
			log.WithField("chan", "substrate").Debugf("broadcast to %d failed: %s", peer, err)
		}
	}
}

func (t *WireTransport) BroadcastUnreliable(data []byte, flags SendFlags) {
	for _, peer := range t.sessions.Keys() {
		_ = t.SendUnreliable(peer, data, flags)
	}
}

func (t *WireTransport) Poll() []Message {
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

func (t *WireTransport) RealtimeStatus(peer uint64) (RealtimeStatus, bool) {
	sess, ok := t.sessions.Get(peer)
	if !ok {
		return RealtimeStatus{}, false
	}
	return RealtimeStatus{
		State:           sess.state.Get(),
		PingMs:          int(sess.pingMs.Load()),
		QualityLocal:    1.0,
		QualityRemote:   1.0,
		PendingReliable: int(sess.pending.Load()),
	}, true
}

func (t *WireTransport) Peers() []uint64 {
	return t.sessions.Keys()
}

func (t *WireTransport) AddPeer(peer uint64) {
	if peer == t.localUserID {
		return
	}
	if _, ok := t.sessions.Get(peer); ok {
		return
	}
	addr, ok := t.addrBook(peer)
	if !ok {
		log.WithField("chan", "substrate").Debugf("no address for peer %d, waiting for inbound", peer)
		return
	}
	go func() {
		err := t.Dial(peer, addr, false)
		if err != nil {
			log.WithField("chan", "substrate").Warnf("dial to %d failed: %s", peer, err)
			return
		}
		err = t.SendReliable(peer, proto.EncodeMessage(proto.MsgTypeSessionHello, nil))
		if err != nil {
			log.WithField("chan", "substrate").Debugf("session hello to %d failed: %s", peer, err)
		}
	}()
}

func (t *WireTransport) RemovePeer(peer uint64) {
	sess, ok := t.sessions.Get(peer)
	if !ok {
		return
	}
	t.sessions.Delete(peer)
	t.teardownSession(sess, "peer removed")
	t.relayDialed.Delete(peer)
	t.events.Publish(StatusChange{Peer: peer, Old: sess.state.Get(), New: StateClosedByPeer, Reason: "peer removed"})
}

func (t *WireTransport) SyncPeers(desired []uint64) {
	want := make(map[uint64]struct{}, len(desired))
	for _, peer := range desired {
		want[peer] = struct{}{}
		t.AddPeer(peer)
	}
	for _, peer := range t.sessions.Keys() {
		if _, ok := want[peer]; !ok {
			t.RemovePeer(peer)
		}
	}
}

func (t *WireTransport) AttachListener() <-chan StatusChange {
	return t.events.Subscribe()
}

func (t *WireTransport) DetachListener(ch <-chan StatusChange) {
	t.events.Unsubscribe(ch)
}

func (t *WireTransport) ClosePeer(peer uint64, reason string) {
	sess, ok := t.sessions.Get(peer)
	if !ok {
		return
	}
	t.sessions.Delete(peer)
	t.teardownSession(sess, reason)
	t.events.Publish(StatusChange{Peer: peer, Old: sess.state.Get(), New: StateProblemDetected, Reason: reason})
}

func (t *WireTransport) CloseAll() {
	for _, peer := range t.sessions.Keys() {
		t.ClosePeer(peer, "shutting down")
	}
}

// writeFrame writes a length-prefixed frame to the stream
func writeFrame(stream *quic.Stream, data []byte) error {
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, uint32(len(data)))
	_, err := stream.Write(hdr)
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

// readFrame reads a length-prefixed frame from the stream
func readFrame(stream *quic.Stream) ([]byte, error) {
	hdr := make([]byte, 4)
	_, err := io.ReadFull(stream, hdr)
	if err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(hdr)
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	data := make([]byte, length)
	_, err = io.ReadFull(stream, data)
	if err != nil {
		return nil, err
	}
	return data, nil
}
