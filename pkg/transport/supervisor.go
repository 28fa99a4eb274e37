package transport

import (
	"context"
	"strings"
	"time"

	pq "github.com/jupp0r/go-priority-queue"
	"github.com/moeleak/connecttool/pkg/x/syncro"
	"github.com/moeleak/connecttool/pkg/x/timerunner"
	log "github.com/sirupsen/logrus"
)

// Supervisor watches peer sessions and drives the direct-vs-relay choice.
// It tears down connections stuck finding a route, falls back to relay-only
// when a connected path stays unusable, and retries relay-only after
// NAT-traversal failures.  Relay fallback is attempted at most once per
// peer session.

const (
	supervisorTick = 100 * time.Millisecond
	// routeStallLimit is how long a session may sit in Connecting/FindingRoute
	routeStallLimit = 8 * time.Second
	// badSampleLimit is how many consecutive poor-quality samples trigger fallback
	badSampleLimit = 120
	// qualityFloor is the connection quality below which a sample counts as bad
	qualityFloor = 0.2
)

type peerHealth struct {
	connectingSince time.Time
	badSamples      int
	relayTried      bool
	relayPending    bool
	nextCheck       time.Time
}

type Supervisor struct {
	t      Transport
	health syncro.Map[uint64, *peerHealth]
	checkQ pq.PriorityQueue
	queued map[uint64]struct{}
	// pendingEvents decouples the status listener from the health state:
	// all peerHealth mutation happens on the tick goroutine.
	pendingEvents syncro.Var[[]StatusChange]
	now           func() time.Time
}

// NewSupervisor returns a Supervisor for a transport
func NewSupervisor(t Transport) *Supervisor {
	return &Supervisor{
		t:      t,
		checkQ: pq.New(),
		queued: make(map[uint64]struct{}),
		now:    time.Now,
	}
}

// Run starts the status listener and the periodic health check
func (s *Supervisor) Run(ctx context.Context) {
	events := s.t.AttachListener()
	go func() {
		defer s.t.DetachListener(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.pendingEvents.WorkWith(func(pending *[]StatusChange) {
					*pending = append(*pending, ev)
				})
			}
		}
	}()
	timerunner.New(ctx, s.tick, timerunner.Periodic(supervisorTick))
}

func (s *Supervisor) handleEvent(ev StatusChange) {
	switch ev.New {
	case StateConnected:
		h := s.healthFor(ev.Peer)
		h.connectingSince = time.Time{}
		h.badSamples = 0
	case StateClosedByPeer:
		s.health.Delete(ev.Peer)
	case StateProblemDetected:
		failedWhileConnecting := ev.Old == StateConnecting || ev.Old == StateFindingRoute
		diag := strings.ToLower(ev.Reason)
		natFailure := strings.Contains(diag, "ice") ||
			strings.Contains(diag, "nat traversal") ||
			strings.Contains(diag, "timed out attempting to connect")
		if failedWhileConnecting || natFailure {
			h := s.healthFor(ev.Peer)
			if !h.relayTried {
				h.relayPending = true
				log.WithField("chan", "substrate").Infof("queued relay-only retry to %d after failure: %s", ev.Peer, ev.Reason)
			}
		}
	}
}

func (s *Supervisor) healthFor(peer uint64) *peerHealth {
	h, _ := s.health.GetOrCreate(peer, func() *peerHealth {
		return &peerHealth{}
	})
	return h
}

// tick examines every peer whose check deadline has come due.  Deadlines
// live in a priority queue so a tick stays cheap when many peers are idle;
// checkQ and queued are only touched from the timerunner goroutine.
func (s *Supervisor) tick() {
	var events []StatusChange
	s.pendingEvents.WorkWith(func(pending *[]StatusChange) {
		events = *pending
		*pending = nil
	})
	for _, ev := range events {
		s.handleEvent(ev)
	}
	now := s.now()
	live := make(map[uint64]struct{})
	for _, peer := range s.t.Peers() {
		live[peer] = struct{}{}
		if _, ok := s.queued[peer]; !ok {
			s.queued[peer] = struct{}{}
			s.checkQ.Insert(peer, float64(now.UnixNano()))
		}
	}
	for s.checkQ.Len() > 0 {
		item, err := s.checkQ.Pop()
		if err != nil {
			return
		}
		peer := item.(uint64)
		h, ok := s.health.Get(peer)
		if ok && h.nextCheck.After(now) {
			// queue is deadline-ordered; nothing further is due
			s.checkQ.Insert(peer, float64(h.nextCheck.UnixNano()))
			return
		}
		if _, ok := live[peer]; !ok {
			delete(s.queued, peer)
			s.health.Delete(peer)
			continue
		}
		s.checkPeer(peer)
		if h, ok = s.health.Get(peer); ok {
			h.nextCheck = now.Add(supervisorTick)
		}
		s.checkQ.Insert(peer, float64(now.Add(supervisorTick).UnixNano()))
	}
}

func (s *Supervisor) checkPeer(peer uint64) {
	status, ok := s.t.RealtimeStatus(peer)
	if !ok {
		s.health.Delete(peer)
		return
	}
	h := s.healthFor(peer)

	if h.relayPending && !h.relayTried {
		h.relayPending = false
		s.fallbackToRelay(peer, h, "queued after traversal failure")
		return
	}

	switch status.State {
	case StateConnecting, StateFindingRoute:
		if h.connectingSince.IsZero() {
			h.connectingSince = s.now()
		} else if s.now().Sub(h.connectingSince) > routeStallLimit && !h.relayTried {
			s.fallbackToRelay(peer, h, "route finding stalled")
		}
	case StateConnected:
		h.connectingSince = time.Time{}
		bad := status.PingMs <= 0 ||
			status.QualityLocal < qualityFloor ||
			status.QualityRemote < qualityFloor
		if bad {
			h.badSamples++
		} else {
			h.badSamples = 0
		}
		if h.badSamples >= badSampleLimit && !h.relayTried {
			s.fallbackToRelay(peer, h, "sustained poor quality")
		}
	}
}

func (s *Supervisor) fallbackToRelay(peer uint64, h *peerHealth, reason string) {
	h.relayTried = true
	h.badSamples = 0
	h.connectingSince = time.Time{}
	log.WithField("chan", "substrate").Warnf("falling back to relay for %d: %s", peer, reason)
	r, ok := s.t.(Reconnector)
	if !ok {
		log.WithField("chan", "substrate").Debugf("transport cannot reconnect; closing %d instead", peer)
		s.t.ClosePeer(peer, reason)
		return
	}
	err := r.Reconnect(peer, true)
	if err != nil {
		log.WithField("chan", "substrate").Warnf("relay-only reconnect to %d failed: %s", peer, err)
	}
}

// TunePaths applies the startup path preference: the relay round trip is
// estimated as twice the best local-to-relay leg, and the transport is
// biased toward whichever class measures better.
func (s *Supervisor) TunePaths(directPingMs int, relayPopPingMs int) {
	tuner, ok := s.t.(PathTuner)
	if !ok {
		return
	}
	relayEstimate := -1
	if relayPopPingMs >= 0 {
		relayEstimate = relayPopPingMs * 2
	}
	tuner.ApplyPathPreference(directPingMs, relayEstimate)
}
