package transport

import (
	"context"
	"time"

	"github.com/moeleak/connecttool/pkg/proto"
	log "github.com/sirupsen/logrus"
)

// Poller drains the transport and dispatches messages to their consumers.
// The poll delay adapts: it drops to zero while messages flow and grows
// linearly to MaxDelay when the link is quiet.  The L3 path uses a 1ms
// ceiling so TUN traffic never sits in the substrate's queue for long.

const (
	// PollMaxDelayCoarse is the idle poll ceiling for the TCP multiplex path
	PollMaxDelayCoarse = 10 * time.Millisecond
	// PollMaxDelayFine is the idle poll ceiling for the L3 path
	PollMaxDelayFine = time.Millisecond
)

// Dispatch names the consumers of inbound messages.  Discovery receives
// bridged LAN discovery frames and session hellos are consumed.  When VPN is
// set it receives every other message and Mux receives nothing; otherwise
// Mux receives everything else.  Nil consumers drop.
type Dispatch struct {
	Discovery func(msg Message)
	VPN       func(msg Message)
	Mux       func(msg Message)
}

type Poller struct {
	t        Transport
	d        Dispatch
	maxDelay time.Duration
}

// NewPoller returns a Poller with the given dispatch table
func NewPoller(t Transport, d Dispatch, maxDelay time.Duration) *Poller {
	if maxDelay == 0 {
		maxDelay = PollMaxDelayCoarse
	}
	return &Poller{t: t, d: d, maxDelay: maxDelay}
}

// Run polls until ctx is cancelled.  It never blocks on a read: Poll is
// non-blocking and the only waiting is the adaptive delay.
func (p *Poller) Run(ctx context.Context) {
	delay := time.Duration(0)
	for {
		if ctx.Err() != nil {
			return
		}
		msgs := p.t.Poll()
		for _, msg := range msgs {
			p.dispatch(msg)
		}
		if len(msgs) > 0 {
			delay = 0
			continue
		}
		delay += time.Millisecond
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) dispatch(msg Message) {
	if proto.IsDiscoveryFrame(msg.Data) {
		if p.d.Discovery != nil {
			p.d.Discovery(msg)
		}
		return
	}
	if len(msg.Data) == proto.HeaderSize && proto.MsgType(msg.Data[0]) == proto.MsgTypeSessionHello {
		// session-open control frame; consumed here in either mode
		return
	}
	if p.d.VPN != nil {
		t, _, err := proto.DecodeMessage(msg.Data)
		if err != nil {
			log.WithField("chan", "net").Debugf("dropping malformed message from %d: %s", msg.Peer, err)
			return
		}
		if t == proto.MsgTypeSessionHello {
			// control-only; consumed here
			return
		}
		p.d.VPN(msg)
		return
	}
	if p.d.Mux != nil {
		p.d.Mux(msg)
	}
}
