// Package dnstest implements a responder.Responder that answers DNS-01
// challenges from a minimal authoritative TXT server built directly on
// github.com/miekg/dns, rather than delegating to challtestsrv. It gives
// tests a way to exercise a Responder backed by a real (if tiny) DNS wire
// protocol implementation, the same library cpu-acmeshell's vendored
// challenge test server is itself built on.
package dnstest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/cpu/certify-engine/acme/responder"
)

// Server is a single-zone, TXT-only authoritative DNS server for tests. It
// does not support HTTP-01; PublishHTTP01 always returns an error.
type Server struct {
	udp *dns.Server

	mu      sync.RWMutex
	records map[string][]string // fully qualified, lowercase owner name -> TXT values
}

var _ responder.Responder = (*Server)(nil)

// New starts a Server listening on addr (e.g. "127.0.0.1:5353") over UDP.
func New(addr string) (*Server, error) {
	s := &Server{records: make(map[string][]string)}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)

	s.udp = &dns.Server{Addr: addr, Net: "udp", Handler: mux}

	started := make(chan error, 1)
	go func() {
		started <- s.udp.ListenAndServe()
	}()

	// ActivateAndServe/ListenAndServe blocks; give it a moment to either
	// fail fast (bad address) or start listening.
	select {
	case err := <-started:
		if err != nil {
			return nil, fmt.Errorf("dnstest: %w", err)
		}
	case <-time.After(50 * time.Millisecond):
	}

	return s, nil
}

// Shutdown stops the underlying DNS server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.udp.ShutdownContext(ctx)
}

func (s *Server) handle(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeTXT {
			continue
		}
		owner := strings.ToLower(q.Name)

		s.mu.RLock()
		values := s.records[owner]
		s.mu.RUnlock()

		for _, v := range values {
			m.Answer = append(m.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 5},
				Txt: []string{v},
			})
		}
	}

	_ = w.WriteMsg(m)
}

type dns01Handle struct {
	owner string
}

// PublishHTTP01 is unsupported: this Server only answers DNS queries.
func (s *Server) PublishHTTP01(context.Context, string, string, string) (responder.Handle, error) {
	return nil, fmt.Errorf("dnstest: HTTP-01 is not supported by this responder")
}

// PublishDNS01 adds recordValue as a TXT answer for recordName. propagationDelay
// is honored as a sleep before returning, matching the Responder contract's
// "give the backing DNS infrastructure time to propagate" semantics, even
// though this in-process server has nothing to propagate to.
func (s *Server) PublishDNS01(ctx context.Context, recordName, recordValue string, propagationDelay int) (responder.Handle, error) {
	owner := dns.Fqdn(strings.ToLower(recordName))

	s.mu.Lock()
	s.records[owner] = append(s.records[owner], recordValue)
	s.mu.Unlock()

	if propagationDelay > 0 {
		select {
		case <-time.After(time.Duration(propagationDelay) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return dns01Handle{owner: owner}, nil
}

// Cleanup removes every TXT record published under handle's owner name.
func (s *Server) Cleanup(_ context.Context, handle responder.Handle) error {
	h, ok := handle.(dns01Handle)
	if !ok {
		return fmt.Errorf("dnstest: unrecognized handle type %T", handle)
	}
	s.mu.Lock()
	delete(s.records, h.owner)
	s.mu.Unlock()
	return nil
}
