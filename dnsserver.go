package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

///////////////////////////////////////////////////////////////////////////////
// Embedded DNS server
///////////////////////////////////////////////////////////////////////////////

// DNSLookup maps a fully qualified name (trailing dot included) to an
// address. Returning false produces an NXDOMAIN answer.
type DNSLookup func(name string) (IPv4, bool)

type dnsServer struct {
	log    *slog.Logger
	server *dns.Server
	lookup DNSLookup
}

// StartDNSServer answers A queries on UDP port 53 of this stack using
// lookup. Queries still arrive through Poll, so whatever drives the stack
// also drives the server.
func (s *Stack) StartDNSServer(lookup DNSLookup) error {
	if s.dnsServer != nil {
		return fmt.Errorf("dns server: %w", ErrPortInUse)
	}

	pc, err := s.ListenPacket(dnsServerPort)
	if err != nil {
		return fmt.Errorf("dns server: %w", err)
	}

	srv := &dnsServer{
		log:    s.logger,
		lookup: lookup,
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: pc,
	}

	s.dnsServer = srv

	go func() {
		if err := srv.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			srv.log.Error("dns server exited", "error", err)
		}
	}()

	return nil
}

// StopDNSServer shuts down the embedded DNS server, if running.
func (s *Stack) StopDNSServer() error {
	if s.dnsServer == nil {
		return nil
	}
	srv := s.dnsServer
	s.dnsServer = nil

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = srv.server.ShutdownContext(ctx)

	if srv.server.PacketConn != nil {
		return srv.server.PacketConn.Close()
	}
	return nil
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}

		ip, ok := s.lookup(q.Name)
		if !ok {
			s.log.Debug("dns: unknown name", "name", q.Name)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}

		rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, ip.String()))
		if err != nil {
			s.log.Debug("dns: create rr", "error", err)
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	_ = w.WriteMsg(m)
}
