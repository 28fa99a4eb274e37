package mux

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/transport"
	"github.com/moeleak/connecttool/pkg/x/syncro"
	"github.com/moeleak/connecttool/pkg/x/timerunner"
	log "github.com/sirupsen/logrus"
)

// Endpoint is one end of an id-multiplexed TCP tunnel.  Local TCP sockets
// are keyed by 6-character session ids; their bytes are framed and carried
// reliably over a single transport connection.  Backpressure is driven by
// the substrate's pending-reliable byte count: beyond the high watermark
// sends are refused and queued per session, readers pause, and a flush timer
// drains the queues once the count falls back under the low watermark.

const (
	// Chunk is the largest payload carried in one tunnel frame
	Chunk = 32 * 1024
	// HighWater is the pending-reliable byte count that triggers backpressure
	HighWater = 6 * 1024 * 1024
	// LowWater is the hysteresis threshold that releases backpressure
	LowWater = 4 * 1024 * 1024

	backoffInit     = 5 * time.Millisecond
	backoffSendCap  = 100 * time.Millisecond
	backoffWaterCap = 200 * time.Millisecond

	readBufSize   = 64 * 1024
	writeQueueLen = 256
)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

type client struct {
	id      string
	conn    net.Conn
	writeCh chan []byte
	resume  chan struct{}
	done    chan struct{}
	closed  atomic.Bool
}

// shut closes the client exactly once
func (c *client) shut() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		_ = c.conn.Close()
	}
}

type Endpoint struct {
	ctx       context.Context
	t         transport.Transport
	peer      uint64
	isHost    bool
	localPort int

	clients syncro.Map[string, *client]
	missing syncro.Map[string, struct{}]

	qmu     sync.Mutex
	pending map[string][][]byte
	order   []string

	blocked     atomic.Bool
	backoff     atomic.Int64 // nanoseconds
	lastBlocked syncro.Var[time.Time]

	pmu    sync.Mutex
	paused map[string]*client

	flusher timerunner.TimeRunner

	// OnLocalData taps every chunk read from a local socket; the listener
	// uses it to echo traffic to its other local clients.  May be nil.
	OnLocalData func(id string, data []byte)
	// OnClientClosed is called after a session is removed.  May be nil.
	OnClientClosed func(id string)

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// New returns an Endpoint tunneling to the given peer.  In host mode,
// frames for unknown ids open new local TCP connections to localPort.
func New(ctx context.Context, t transport.Transport, peer uint64, isHost bool, localPort int) *Endpoint {
	e := &Endpoint{
		ctx:       ctx,
		t:         t,
		peer:      peer,
		isHost:    isHost,
		localPort: localPort,
		pending:   make(map[string][][]byte),
		paused:    make(map[string]*client),
	}
	e.backoff.Store(int64(backoffInit))
	e.flusher = timerunner.New(ctx, e.flushPending)
	go func() {
		<-ctx.Done()
		e.closeAll()
	}()
	return e
}

func (e *Endpoint) closeAll() {
	for _, id := range e.clients.Keys() {
		e.RemoveClient(id)
	}
}

// AddClient registers a local socket under a fresh session id and starts
// reading from it
func (e *Endpoint) AddClient(conn net.Conn) string {
	var id string
	e.clients.WorkWith(func(m *map[string]*client) {
		for {
			id = randomID()
			if _, ok := (*m)[id]; !ok {
				break
			}
		}
		c := &client{
			id:      id,
			conn:    conn,
			writeCh: make(chan []byte, writeQueueLen),
			resume:  make(chan struct{}, 1),
			done:    make(chan struct{}),
		}
		(*m)[id] = c
		go e.readLoop(c)
		go e.writeLoop(c)
	})
	e.missing.Delete(id)
	log.WithField("chan", "net").Infof("added tunnel client %s", id)
	return id
}

func randomID() string {
	b := make([]byte, proto.MuxIDLen)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}

// adoptClient registers a socket under an id chosen by the remote side
func (e *Endpoint) adoptClient(id string, conn net.Conn) *client {
	c := &client{
		id:      id,
		conn:    conn,
		writeCh: make(chan []byte, writeQueueLen),
		resume:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	e.clients.Set(id, c)
	go e.readLoop(c)
	go e.writeLoop(c)
	return c
}

// RemoveClient closes a session and drops everything queued for it.
// Idempotent.
func (e *Endpoint) RemoveClient(id string) bool {
	c, existed := e.clients.Get(id)
	if existed {
		e.clients.Delete(id)
		c.shut()
	}
	e.missing.Delete(id)
	e.pmu.Lock()
	if pc, ok := e.paused[id]; ok {
		delete(e.paused, id)
		select {
		case pc.resume <- struct{}{}:
		default:
		}
	}
	e.pmu.Unlock()

	shouldResume := false
	e.qmu.Lock()
	if _, ok := e.pending[id]; ok {
		delete(e.pending, id)
		e.removeFromOrder(id)
	}
	if len(e.pending) == 0 {
		e.blocked.Store(false)
		shouldResume = true
	}
	e.qmu.Unlock()
	if shouldResume {
		e.resumePausedReads()
	}
	if existed {
		log.WithField("chan", "net").Infof("removed tunnel client %s", id)
		if e.OnClientClosed != nil {
			e.OnClientClosed(id)
		}
	}
	return existed
}

// GetClient looks up a session's socket
func (e *Endpoint) GetClient(id string) (net.Conn, bool) {
	c, ok := e.clients.Get(id)
	if !ok {
		return nil, false
	}
	return c.conn, true
}

// ClientCount returns the number of live sessions
func (e *Endpoint) ClientCount() int {
	return e.clients.Len()
}

// BytesTransferred returns (local-to-tunnel, tunnel-to-local) byte counts
func (e *Endpoint) BytesTransferred() (uint64, uint64) {
	return e.bytesOut.Load(), e.bytesIn.Load()
}

// readLoop pulls bytes from a local socket into the tunnel, pausing itself
// while the transport is saturated
func (e *Endpoint) readLoop(c *client) {
	buf := make([]byte, readBufSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if !c.closed.Load() && e.ctx.Err() == nil {
				log.WithField("chan", "net").Infof("tunnel client %s closed: %s", c.id, err)
				e.SendFrame(c.id, nil, proto.MuxFrameDisconnect)
				e.RemoveClient(c.id)
			}
			return
		}
		if n == 0 {
			continue
		}
		e.bytesOut.Add(uint64(n))
		if e.OnLocalData != nil {
			e.OnLocalData(c.id, buf[:n])
		}
		e.SendFrame(c.id, buf[:n], proto.MuxFrameData)
		if e.blocked.Load() {
			// stop issuing reads until the flush drains the queues
			e.pmu.Lock()
			e.paused[c.id] = c
			e.pmu.Unlock()
			select {
			case <-c.resume:
			case <-e.ctx.Done():
				return
			}
			if c.closed.Load() {
				return
			}
		}
	}
}

// writeLoop serializes writes to a local socket, preserving frame order
func (e *Endpoint) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.writeCh:
			_, err := c.conn.Write(data)
			if err != nil {
				if !c.closed.Load() {
					log.WithField("chan", "net").Warnf("write to tunnel client %s failed: %s", c.id, err)
					e.RemoveClient(c.id)
				}
				return
			}
			e.bytesIn.Add(uint64(len(data)))
		}
	}
}

// SendFrame carries data (or a control frame) for a session over the
// tunnel, splitting payloads larger than Chunk into consecutive data frames.
func (e *Endpoint) SendFrame(id string, data []byte, frameType uint32) {
	anyBlocked := false
	push := func(chunk []byte, t uint32) {
		frame, err := proto.BuildMuxFrame(id, t, chunk)
		if err != nil {
			log.WithField("chan", "net").Errorf("bad mux frame: %s", err)
			return
		}
		if anyBlocked || e.isSendSaturated() {
			anyBlocked = true
			e.enqueue(id, frame)
			return
		}
		if !e.trySend(frame) {
			anyBlocked = true
			e.enqueue(id, frame)
		}
	}
	if frameType == proto.MuxFrameData && len(data) > Chunk {
		for offset := 0; offset < len(data); offset += Chunk {
			end := offset + Chunk
			if end > len(data) {
				end = len(data)
			}
			push(data[offset:end], proto.MuxFrameData)
		}
	} else {
		push(data, frameType)
	}
	if anyBlocked {
		e.blocked.Store(true)
		e.lastBlocked.Set(time.Now())
	}
}

// trySend attempts one reliable send.  A refusal means "enqueue and retry".
func (e *Endpoint) trySend(frame []byte) bool {
	if len(frame) == 0 {
		return true
	}
	if e.isSendSaturated() {
		return false
	}
	err := e.t.SendReliable(e.peer, frame)
	if err == nil {
		e.backoff.Store(int64(backoffInit))
		return true
	}
	if err == transport.ErrLimitExceeded {
		e.lastBlocked.Set(time.Now())
		e.growBackoff(backoffSendCap)
		e.blocked.Store(true)
		return false
	}
	// anything else is fatal for this frame; the status loop will notice a
	// dead session, so do not wedge the queue over it
	log.WithField("chan", "net").Warnf("tunnel send failed: %s", err)
	return true
}

func (e *Endpoint) growBackoff(limit time.Duration) {
	current := time.Duration(e.backoff.Load())
	next := current * 2
	if next > limit {
		next = limit
	}
	e.backoff.Store(int64(next))
}

// isSendSaturated consults the blocked flag and the substrate's realtime
// pending-reliable count, with hysteresis between the two watermarks.
func (e *Endpoint) isSendSaturated() bool {
	if e.blocked.Load() {
		if time.Since(e.lastBlocked.Get()) < time.Duration(e.backoff.Load()) {
			return true
		}
		// backoff elapsed: re-check the watermarks but keep the flag until a
		// send actually succeeds
	}
	status, ok := e.t.RealtimeStatus(e.peer)
	if ok {
		if status.PendingReliable >= HighWater {
			e.lastBlocked.Set(time.Now())
			e.growBackoff(backoffWaterCap)
			e.blocked.Store(true)
			return true
		}
		if status.PendingReliable <= LowWater {
			e.blocked.Store(false)
			e.backoff.Store(int64(backoffInit))
			return false
		}
	}
	return e.blocked.Load()
}

func (e *Endpoint) enqueue(id string, frame []byte) {
	e.qmu.Lock()
	if _, ok := e.pending[id]; !ok {
		e.order = append(e.order, id)
	}
	e.pending[id] = append(e.pending[id], frame)
	e.qmu.Unlock()
	e.scheduleFlush()
}

func (e *Endpoint) scheduleFlush() {
	delay := backoffInit
	if e.blocked.Load() {
		backoff := time.Duration(e.backoff.Load())
		if backoff > delay {
			delay = backoff
		}
	}
	e.flusher.RunWithin(delay)
}

func (e *Endpoint) removeFromOrder(id string) {
	for i, queued := range e.order {
		if queued == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			return
		}
	}
}

// flushPending drains the per-session queues in insertion order, stopping
// the moment a send is refused.  When everything drains, paused readers
// restart.
func (e *Endpoint) flushPending() {
	if e.isSendSaturated() {
		e.scheduleFlush()
		return
	}
	for {
		e.qmu.Lock()
		if len(e.order) == 0 {
			e.blocked.Store(false)
			e.qmu.Unlock()
			e.resumePausedReads()
			return
		}
		id := e.order[0]
		queue := e.pending[id]
		if len(queue) == 0 {
			delete(e.pending, id)
			e.removeFromOrder(id)
			e.qmu.Unlock()
			continue
		}
		frame := queue[0]
		e.qmu.Unlock()

		if !e.trySend(frame) {
			e.blocked.Store(true)
			e.scheduleFlush()
			return
		}

		e.qmu.Lock()
		// the session may have been removed while the send was in flight
		if queue, ok := e.pending[id]; ok && len(queue) > 0 {
			e.pending[id] = queue[1:]
			if len(e.pending[id]) == 0 {
				delete(e.pending, id)
				e.removeFromOrder(id)
			}
		}
		e.qmu.Unlock()
	}
}

// resumePausedReads restarts every reader parked by backpressure
func (e *Endpoint) resumePausedReads() {
	e.pmu.Lock()
	toResume := make([]*client, 0, len(e.paused))
	for _, c := range e.paused {
		toResume = append(toResume, c)
	}
	e.paused = make(map[string]*client)
	e.pmu.Unlock()
	for _, c := range toResume {
		select {
		case c.resume <- struct{}{}:
		default:
		}
	}
}

// HandleFrame demultiplexes one tunnel frame from the peer
func (e *Endpoint) HandleFrame(data []byte) {
	id, frameType, payload, err := proto.ParseMuxFrame(data)
	if err != nil {
		log.WithField("chan", "net").Warnf("invalid tunnel frame: %s", err)
		return
	}
	switch frameType {
	case proto.MuxFrameData:
		c, ok := e.clients.Get(id)
		if !ok && e.isHost && e.localPort > 0 {
			conn, derr := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", e.localPort))
			if derr != nil {
				log.WithField("chan", "net").Warnf("could not open local connection for %s: %s", id, derr)
				e.SendFrame(id, nil, proto.MuxFrameDisconnect)
				return
			}
			if tcpConn, isTCP := conn.(*net.TCPConn); isTCP {
				_ = tcpConn.SetNoDelay(true)
			}
			log.WithField("chan", "net").Infof("opened local connection for tunnel id %s", id)
			c = e.adoptClient(id, conn)
			ok = true
		}
		if !ok {
			if err := e.missing.Create(id, struct{}{}); err == nil {
				log.WithField("chan", "net").Warnf("no tunnel client for id %s", id)
			}
			e.SendFrame(id, nil, proto.MuxFrameDisconnect)
			return
		}
		e.missing.Delete(id)
		select {
		case c.writeCh <- append([]byte(nil), payload...):
		case <-c.done:
		case <-e.ctx.Done():
		}
	case proto.MuxFrameDisconnect:
		if e.RemoveClient(id) {
			log.WithField("chan", "net").Infof("tunnel client %s disconnected by peer", id)
		}
	default:
		log.WithField("chan", "net").Warnf("unknown tunnel frame type %d", frameType)
	}
}
