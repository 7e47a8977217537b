// Package httptest implements a responder.Responder backed by
// github.com/letsencrypt/challtestsrv, the same in-process challenge server
// cpu-acmeshell's "solve" command drives via AddHTTPOneChallenge and
// AddDNSOneChallenge. It exists for this engine's own end-to-end tests,
// standing in for a caller's production web server / DNS zone.
package httptest

import (
	"context"
	"fmt"

	"github.com/letsencrypt/challtestsrv"

	"github.com/cpu/certify-engine/acme/responder"
)

// Server runs an in-memory HTTP-01 and DNS-01 challenge responder for tests.
type Server struct {
	srv *challtestsrv.ChallSrv
}

var _ responder.Responder = (*Server)(nil)

// Config selects the listen addresses for the underlying test server.
type Config struct {
	HTTPOneAddrs []string
	DNSOneAddrs  []string
}

// New starts a Server listening on the addresses in conf.
func New(conf Config) (*Server, error) {
	srv, err := challtestsrv.New(challtestsrv.Config{
		HTTPOneAddrs: conf.HTTPOneAddrs,
		DNSOneAddrs:  conf.DNSOneAddrs,
	})
	if err != nil {
		return nil, fmt.Errorf("httptest: %w", err)
	}
	srv.Run()
	return &Server{srv: srv}, nil
}

// Shutdown stops the underlying test server.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

// http01Handle identifies a published HTTP-01 challenge response for later
// Cleanup.
type http01Handle struct {
	token string
}

// PublishHTTP01 registers token/keyAuth with the underlying test server so a
// GET to /.well-known/acme-challenge/<token> on domain returns keyAuth.
// domain is accepted for interface symmetry with responder.Responder;
// challtestsrv's HTTP-01 listener answers for any Host header.
func (s *Server) PublishHTTP01(_ context.Context, _, token, keyAuth string) (responder.Handle, error) {
	s.srv.AddHTTPOneChallenge(token, keyAuth)
	return http01Handle{token: token}, nil
}

// dns01Handle identifies a published DNS-01 TXT record for later Cleanup.
type dns01Handle struct {
	recordName string
}

// PublishDNS01 registers a TXT record. challtestsrv keys its DNS-01 records
// by bare domain rather than the full "_acme-challenge." name, so recordName
// is stripped of that prefix before being handed to AddDNSOneChallenge.
func (s *Server) PublishDNS01(_ context.Context, recordName, recordValue string, _ int) (responder.Handle, error) {
	host := stripACMEChallengePrefix(recordName)
	s.srv.AddDNSOneChallenge(host, recordValue)
	return dns01Handle{recordName: host}, nil
}

// Cleanup retracts whatever handle refers to.
func (s *Server) Cleanup(_ context.Context, handle responder.Handle) error {
	switch h := handle.(type) {
	case http01Handle:
		s.srv.DeleteHTTPOneChallenge(h.token)
	case dns01Handle:
		s.srv.DeleteDNSOneChallenge(h.recordName)
	default:
		return fmt.Errorf("httptest: unrecognized handle type %T", handle)
	}
	return nil
}

func stripACMEChallengePrefix(recordName string) string {
	const prefix = "_acme-challenge."
	if len(recordName) > len(prefix) && recordName[:len(prefix)] == prefix {
		recordName = recordName[len(prefix):]
	}
	if n := len(recordName); n > 0 && recordName[n-1] == '.' {
		recordName = recordName[:n-1]
	}
	return recordName
}
