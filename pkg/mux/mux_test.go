package mux

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/moeleak/connecttool/pkg/proto"
	"github.com/moeleak/connecttool/pkg/transport"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// frameLog records tunnel frames crossing the pump
type frameLog struct {
	mu     sync.Mutex
	frames [][]byte
}

func (fl *frameLog) add(data []byte) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.frames = append(fl.frames, append([]byte(nil), data...))
}

func (fl *frameLog) dataFrames(id string) [][]byte {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	var out [][]byte
	for _, f := range fl.frames {
		fid, ftype, payload, err := proto.ParseMuxFrame(f)
		if err == nil && fid == id && ftype == proto.MuxFrameData {
			out = append(out, payload)
		}
	}
	return out
}

// pump shuttles frames from a transport into an endpoint
func pump(ctx context.Context, from *transport.MemoryTransport, to *Endpoint, logTo *frameLog) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			msgs := from.Poll()
			for _, msg := range msgs {
				mt, _, err := proto.DecodeMessage(msg.Data)
				if err == nil && mt == proto.MsgTypeSessionHello && len(msg.Data) == proto.HeaderSize {
					continue
				}
				if logTo != nil {
					logTo.add(msg.Data)
				}
				to.HandleFrame(msg.Data)
			}
			if len(msgs) == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()
}

// tunnelPair builds two linked endpoints: a connector at user 1 and a host
// at user 2 whose unknown ids dial the given local port.
func tunnelPair(t *testing.T, ctx context.Context, hostPort int) (*Endpoint, *Endpoint, *transport.MemoryTransport, *transport.MemoryTransport, *frameLog) {
	t.Helper()
	mn := transport.NewMemoryNetwork(ctx)
	t1 := mn.Join(1)
	t2 := mn.Join(2)
	t1.AddPeer(2)
	t2.AddPeer(1)
	e1 := New(ctx, t1, 2, false, 0)
	e2 := New(ctx, t2, 1, true, hostPort)
	toHost := &frameLog{}
	pump(ctx, t2, e2, toHost) // frames sent by e1 arrive at t2 and feed e2
	pump(ctx, t1, e1, nil)
	return e1, e2, t1, t2, toHost
}

// localEchoServer accepts one connection and records everything it reads
type localEchoServer struct {
	li       net.Listener
	mu       sync.Mutex
	received []byte
	conns    []net.Conn
}

func newLocalServer(t *testing.T, ctx context.Context) *localEchoServer {
	t.Helper()
	li, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &localEchoServer{li: li}
	go func() {
		for {
			conn, aerr := li.Accept()
			if aerr != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go func() {
				buf := make([]byte, 64*1024)
				for {
					n, rerr := conn.Read(buf)
					if n > 0 {
						s.mu.Lock()
						s.received = append(s.received, buf[:n]...)
						s.mu.Unlock()
					}
					if rerr != nil {
						return
					}
				}
			}()
		}
	}()
	go func() {
		<-ctx.Done()
		_ = li.Close()
	}()
	return s
}

func (s *localEchoServer) port() int {
	return s.li.Addr().(*net.TCPAddr).Port
}

func (s *localEchoServer) bytesReceived() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.received...)
}

func TestFragmentRoundTrip(t *testing.T) {
	ctx := t.Context()
	local := newLocalServer(t, ctx)
	e1, _, _, _, toHost := tunnelPair(t, ctx, local.port())

	clientSide, appSide := net.Pipe()
	id := e1.AddClient(clientSide)

	payload := make([]byte, 40000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	go func() {
		_, _ = appSide.Write(payload)
	}()

	waitFor(t, "40000 bytes at the host's local socket", func() bool {
		return len(local.bytesReceived()) == len(payload)
	})
	if !bytes.Equal(local.bytesReceived(), payload) {
		t.Fatal("bytes corrupted through the tunnel")
	}
	frames := toHost.dataFrames(id)
	if len(frames) != 2 {
		t.Fatalf("frame count: %d", len(frames))
	}
	if len(frames[0]) != Chunk || len(frames[1]) != 40000-Chunk {
		t.Fatalf("frame sizes: %d, %d", len(frames[0]), len(frames[1]))
	}
}

func TestChunkBoundaries(t *testing.T) {
	for _, size := range []int{Chunk, Chunk + 1, 2*Chunk - 1} {
		size := size
		t.Run(fmt.Sprintf("%d", size), func(t *testing.T) {
			ctx := t.Context()
			local := newLocalServer(t, ctx)
			e1, _, _, _, _ := tunnelPair(t, ctx, local.port())
			clientSide, appSide := net.Pipe()
			e1.AddClient(clientSide)
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i)
			}
			go func() {
				_, _ = appSide.Write(payload)
			}()
			waitFor(t, "delivery", func() bool {
				return len(local.bytesReceived()) == size
			})
			if !bytes.Equal(local.bytesReceived(), payload) {
				t.Fatal("bytes corrupted through the tunnel")
			}
		})
	}
}

func TestBackpressureBlockAndResume(t *testing.T) {
	ctx := t.Context()
	mn := transport.NewMemoryNetwork(ctx)
	t1 := mn.Join(1)
	t2 := mn.Join(2)
	t1.AddPeer(2)
	t2.AddPeer(1)
	e1 := New(ctx, t1, 2, false, 0)

	// saturate: pending-reliable over the high watermark
	t1.SetStatusOverride(2, transport.RealtimeStatus{
		State:           transport.StateConnected,
		PingMs:          5,
		QualityLocal:    1,
		QualityRemote:   1,
		PendingReliable: 7 * 1024 * 1024,
	})

	clientSide, appSide := net.Pipe()
	id := e1.AddClient(clientSide)
	go func() {
		_, _ = appSide.Write([]byte("first chunk"))
	}()

	waitFor(t, "blocked flag", func() bool { return e1.blocked.Load() })
	waitFor(t, "backoff growth", func() bool {
		return time.Duration(e1.backoff.Load()) >= 20*time.Millisecond
	})
	if msgs := t2.Poll(); len(msgs) > 1 { // the session hello may be present
		for _, m := range msgs {
			if _, ftype, _, err := proto.ParseMuxFrame(m.Data); err == nil && ftype == proto.MuxFrameData {
				t.Fatal("data escaped while saturated")
			}
		}
	}

	// reader must be parked: a second write cannot be consumed yet
	secondDone := make(chan struct{})
	go func() {
		_, _ = appSide.Write([]byte("second chunk"))
		close(secondDone)
	}()
	select {
	case <-secondDone:
		t.Fatal("reader consumed data while paused")
	case <-time.After(100 * time.Millisecond):
	}

	// fall below the low watermark: everything drains and the reader resumes
	t1.SetStatusOverride(2, transport.RealtimeStatus{
		State:           transport.StateConnected,
		PingMs:          5,
		QualityLocal:    1,
		QualityRemote:   1,
		PendingReliable: 3 * 1024 * 1024,
	})
	var got []byte
	waitFor(t, "both chunks delivered", func() bool {
		for _, m := range t2.Poll() {
			fid, ftype, payload, err := proto.ParseMuxFrame(m.Data)
			if err == nil && fid == id && ftype == proto.MuxFrameData {
				got = append(got, payload...)
			}
		}
		return string(got) == "first chunksecond chunk"
	})
	waitFor(t, "blocked flag cleared", func() bool { return !e1.blocked.Load() })
	if backoff := time.Duration(e1.backoff.Load()); backoff != backoffInit {
		t.Fatalf("backoff not reset: %v", backoff)
	}
}

func TestRemoveClientIdempotent(t *testing.T) {
	ctx := t.Context()
	mn := transport.NewMemoryNetwork(ctx)
	t1 := mn.Join(1)
	mn.Join(2)
	t1.AddPeer(2)
	e := New(ctx, t1, 2, false, 0)
	clientSide, _ := net.Pipe()
	id := e.AddClient(clientSide)
	if !e.RemoveClient(id) {
		t.Fatal("first remove must report removal")
	}
	if e.RemoveClient(id) {
		t.Fatal("second remove must be a no-op")
	}
	if e.ClientCount() != 0 {
		t.Fatal("client count after removal")
	}
}

func TestHostOpensLocalConnection(t *testing.T) {
	ctx := t.Context()
	local := newLocalServer(t, ctx)
	mn := transport.NewMemoryNetwork(ctx)
	t1 := mn.Join(1)
	t2 := mn.Join(2)
	t1.AddPeer(2)
	t2.AddPeer(1)
	e2 := New(ctx, t2, 1, true, local.port())

	frame, err := proto.BuildMuxFrame("abc123", proto.MuxFrameData, []byte("knock knock"))
	if err != nil {
		t.Fatal(err)
	}
	e2.HandleFrame(frame)
	waitFor(t, "payload at the local server", func() bool {
		return string(local.bytesReceived()) == "knock knock"
	})
	if _, ok := e2.GetClient("abc123"); !ok {
		t.Fatal("host did not adopt the session id")
	}
}

func TestUnknownIdGetsDisconnect(t *testing.T) {
	ctx := t.Context()
	mn := transport.NewMemoryNetwork(ctx)
	t1 := mn.Join(1)
	t2 := mn.Join(2)
	t1.AddPeer(2)
	t2.AddPeer(1)
	// not a host: nothing to auto-open
	e1 := New(ctx, t1, 2, false, 0)

	frame, err := proto.BuildMuxFrame("nosuch", proto.MuxFrameData, []byte("hello?"))
	if err != nil {
		t.Fatal(err)
	}
	e1.HandleFrame(frame)
	waitFor(t, "disconnect frame back at the peer", func() bool {
		for _, m := range t2.Poll() {
			id, ftype, _, perr := proto.ParseMuxFrame(m.Data)
			if perr == nil && id == "nosuch" && ftype == proto.MuxFrameDisconnect {
				return true
			}
		}
		return false
	})
}

func TestDisconnectFrameRemovesClient(t *testing.T) {
	ctx := t.Context()
	mn := transport.NewMemoryNetwork(ctx)
	t1 := mn.Join(1)
	mn.Join(2)
	t1.AddPeer(2)
	e := New(ctx, t1, 2, false, 0)
	clientSide, _ := net.Pipe()
	id := e.AddClient(clientSide)
	frame, err := proto.BuildMuxFrame(id, proto.MuxFrameDisconnect, nil)
	if err != nil {
		t.Fatal(err)
	}
	e.HandleFrame(frame)
	if e.ClientCount() != 0 {
		t.Fatal("disconnect frame did not remove the client")
	}
}
