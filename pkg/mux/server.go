package mux

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/moeleak/connecttool/pkg/x/syncro"
	log "github.com/sirupsen/logrus"
)

// Server is the local TCP listener feeding the tunnel.  Every accepted
// socket becomes a multiplexer session; bytes read locally also fan out to
// the other local clients, so several local programs see each other's
// traffic the way they would on a shared segment.

type Server struct {
	port     int
	endpoint *Endpoint
	listener net.Listener
	clients  syncro.Map[string, net.Conn]

	// OnClientCount is called with the live client count after every change.
	// May be nil.
	OnClientCount func(count int)
}

// NewServer returns a Server feeding the given endpoint
func NewServer(port int, endpoint *Endpoint) *Server {
	s := &Server{
		port:     port,
		endpoint: endpoint,
	}
	endpoint.OnLocalData = s.fanOut
	endpoint.OnClientClosed = s.onClosed
	return s
}

// Start binds the listener and begins accepting
func (s *Server) Start(ctx context.Context) error {
	li, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("error binding tunnel listener: %w", err)
	}
	s.listener = li
	go func() {
		<-ctx.Done()
		_ = li.Close()
	}()
	go s.acceptLoop(ctx)
	log.WithField("chan", "net").Infof("tunnel listener started on port %d", s.port)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	var tempDelay time.Duration
	for {
		conn, err := s.listener.Accept()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.WithField("chan", "net").Warnf("accept error: %s; retrying in %v", err, tempDelay)
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			// low latency between the local socket and the tunnel
			_ = tcpConn.SetNoDelay(true)
		}
		id := s.endpoint.AddClient(conn)
		s.clients.Set(id, conn)
		s.notifyCount()
	}
}

// fanOut echoes locally-read bytes to every other local client
func (s *Server) fanOut(fromID string, data []byte) {
	for _, id := range s.clients.Keys() {
		if id == fromID {
			continue
		}
		conn, ok := s.clients.Get(id)
		if !ok {
			continue
		}
		_, err := conn.Write(data)
		if err != nil {
			log.WithField("chan", "net").Debugf("local fan-out to %s failed: %s", id, err)
		}
	}
}

func (s *Server) onClosed(id string) {
	if _, ok := s.clients.Get(id); ok {
		s.clients.Delete(id)
		s.notifyCount()
	}
}

func (s *Server) notifyCount() {
	if s.OnClientCount != nil {
		s.OnClientCount(s.clients.Len())
	}
}

// ClientCount returns the number of locally accepted clients
func (s *Server) ClientCount() int {
	return s.clients.Len()
}
