package transport

import (
	"context"
	"testing"

	"github.com/moeleak/connecttool/pkg/proto"
	"go.uber.org/goleak"
)

func TestMemoryPairDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemoryNetwork(ctx)
	a := net.Join(1)
	b := net.Join(2)
	a.AddPeer(2)
	b.AddPeer(1)

	err := a.SendReliable(2, []byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	msgs := b.Poll()
	// the session hello from AddPeer arrives first
	var payloads []string
	for _, m := range msgs {
		if m.Peer != 1 {
			t.Fatalf("wrong peer attribution: %d", m.Peer)
		}
		mt, _, derr := proto.DecodeMessage(m.Data)
		if derr == nil && mt == proto.MsgTypeSessionHello {
			continue
		}
		payloads = append(payloads, string(m.Data))
	}
	if len(payloads) != 1 || payloads[0] != "ping" {
		t.Fatalf("payloads: %v", payloads)
	}
}

func TestMemorySendWithoutSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemoryNetwork(ctx)
	a := net.Join(1)
	net.Join(2)
	err := a.SendReliable(2, []byte("x"))
	if err != ErrNoConnection {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
}

func TestMemoryBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemoryNetwork(ctx)
	a := net.Join(1)
	peers := []*MemoryTransport{net.Join(2), net.Join(3), net.Join(4)}
	a.SyncPeers([]uint64{2, 3, 4})
	a.BroadcastUnreliable([]byte("hello"), FlagNoNagle|FlagNoDelay)
	for i, p := range peers {
		found := false
		for _, m := range p.Poll() {
			if string(m.Data) == "hello" {
				found = true
				if m.Flags&FlagNoNagle == 0 {
					t.Error("flags not carried")
				}
			}
		}
		if !found {
			t.Errorf("peer %d did not receive the broadcast", i+2)
		}
	}
}

func TestMemoryForceLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemoryNetwork(ctx)
	a := net.Join(1)
	net.Join(2)
	a.AddPeer(2)
	a.ForceLimitExceeded(2, true)
	if err := a.SendReliable(2, []byte("x")); err != ErrLimitExceeded {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	a.ForceLimitExceeded(2, false)
	if err := a.SendReliable(2, []byte("x")); err != nil {
		t.Fatal(err)
	}
}

func TestMemorySyncPeersRemoves(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemoryNetwork(ctx)
	a := net.Join(1)
	net.Join(2)
	net.Join(3)
	a.SyncPeers([]uint64{2, 3})
	if len(a.Peers()) != 2 {
		t.Fatalf("peer count: %d", len(a.Peers()))
	}
	a.SyncPeers([]uint64{3})
	peers := a.Peers()
	if len(peers) != 1 || peers[0] != 3 {
		t.Fatalf("peers after sync: %v", peers)
	}
}

func TestStatusListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := NewMemoryNetwork(ctx)
	a := net.Join(1)
	net.Join(2)
	events := a.AttachListener()
	done := make(chan StatusChange, 2)
	go func() {
		for ev := range events {
			done <- ev
		}
	}()
	a.AddPeer(2)
	ev := <-done
	if ev.Peer != 2 || ev.New != StateConnected {
		t.Fatalf("join event: %+v", ev)
	}
	a.RemovePeer(2)
	ev = <-done
	if ev.Peer != 2 || ev.New != StateClosedByPeer {
		t.Fatalf("leave event: %+v", ev)
	}
	a.DetachListener(events)
}
