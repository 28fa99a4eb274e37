package names

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/moeleak/connecttool/pkg/proto"
	log "github.com/sirupsen/logrus"
)

// Server answers A queries for peer display names inside the overlay, so
// peers are reachable as <name>.<domain> by virtual address.  It is a
// convenience surface: failure to bind is a warning for the caller, never a
// fatal condition.

type Server struct {
	Domain     string
	PacketConn net.PacketConn
	// LookupName resolves a display name to a virtual IPv4, 0 when unknown
	LookupName func(string) uint32
}

// Run serves DNS until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	domain := dns.Fqdn(s.Domain)
	handler := &dns.ServeMux{}
	handler.HandleFunc(domain, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Compress = false
		if r.Opcode == dns.OpcodeQuery {
			for _, q := range m.Question {
				if q.Qtype != dns.TypeA {
					continue
				}
				qs := strings.TrimSuffix(strings.ToLower(q.Name), ".")
				qs = strings.TrimSuffix(qs, strings.TrimSuffix(strings.ToLower(domain), "."))
				qs = strings.TrimSuffix(qs, ".")
				ip := s.LookupName(qs)
				if ip != 0 {
					rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, proto.FormatIPv4(ip)))
					if err == nil {
						m.Answer = append(m.Answer, rr)
						m.Authoritative = true
					}
				} else {
					m.SetRcode(r, dns.RcodeNameError)
				}
			}
		}
		_ = w.WriteMsg(m)
	})

	server := &dns.Server{
		PacketConn:   s.PacketConn,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errChan := make(chan error)
	go func() {
		err := server.ActivateAndServe()
		if err != nil && ctx.Err() == nil {
			errChan <- err
		}
	}()
	shutdown := func() {
		_ = s.PacketConn.Close()
		_ = server.Shutdown()
	}
	t := time.NewTimer(100 * time.Millisecond)
	select {
	case err := <-errChan:
		t.Stop()
		shutdown()
		return err
	case <-t.C:
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				shutdown()
				return
			case err := <-errChan:
				log.WithField("chan", "net").Warnf("dns error: %s", err)
			}
		}
	}()
	return nil
}
