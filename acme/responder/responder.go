// Package responder defines the Challenge Responder interface the Order
// Orchestrator drives to satisfy ACME challenges, plus the httptest/dnstest
// implementations used by this engine's own tests. A production caller of
// the engine supplies its own Responder backed by a real web server or DNS
// zone; the engine never assumes how a challenge response is published.
//
// The interface is grounded on the shell commands/solve/solve.go driver,
// which calls challtestsrv's AddHTTPOneChallenge/AddDNSOneChallenge/
// AddTLSALPNChallenge to publish a challenge response, generalized here into
// a transport-agnostic Publish/Cleanup contract.
package responder

import "context"

// Handle identifies a published challenge response so it can later be
// cleaned up. Its meaning is private to the Responder implementation that
// issued it; callers only ever pass it back to Cleanup.
type Handle interface{}

// Responder publishes and retracts challenge responses on behalf of the
// Order Orchestrator. Implementations must be safe for concurrent use: the
// Orchestrator may drive multiple identifiers' challenges at once.
type Responder interface {
	// PublishHTTP01 makes keyAuth available at
	// http://domain/.well-known/acme-challenge/token, per RFC 8555 §8.3.
	PublishHTTP01(ctx context.Context, domain, token, keyAuth string) (Handle, error)

	// PublishDNS01 publishes a TXT record named recordName (conventionally
	// "_acme-challenge.<domain>.") with value recordValue, per RFC 8555
	// §8.4. propagationDelay, if non-zero, is how long PublishDNS01 should
	// wait after publishing before returning, to give the Responder's
	// backing DNS infrastructure time to propagate the record to the
	// resolvers the ACME server will query.
	PublishDNS01(ctx context.Context, recordName, recordValue string, propagationDelay int) (Handle, error)

	// Cleanup retracts whatever PublishHTTP01 or PublishDNS01 published for
	// handle. Cleanup is best-effort from the Orchestrator's perspective: a
	// Cleanup error is logged, never escalated to the caller of Run.
	Cleanup(ctx context.Context, handle Handle) error
}
