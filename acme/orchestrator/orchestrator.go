// Package orchestrator implements the Order Orchestrator: the state machine
// that drives one certificate order from creation through authorization,
// finalization, and download. It composes the Transport, Account Manager,
// an external Responder, and the Certificate Assembler, generalizing the
// order/authorization/challenge CRUD of acme/client/resources.go (CreateOrder,
// UpdateOrder, UpdateAuthz, UpdateChallenge, OrderByIndex, AuthzByIdentifier)
// into a single cancellable, retried, per-order-exclusive driver.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpu/certify-engine/acme/account"
	"github.com/cpu/certify-engine/acme/assembler"
	"github.com/cpu/certify-engine/acme/engineerrors"
	"github.com/cpu/certify-engine/acme/responder"
	"github.com/cpu/certify-engine/acme/transport"
)

// ChallengeType names an ACME challenge type this engine knows how to solve.
type ChallengeType string

const (
	HTTP01 ChallengeType = "http-01"
	DNS01  ChallengeType = "dns-01"
)

// Config configures an Orchestrator.
type Config struct {
	Transport  *transport.Transport
	Account    *account.Manager
	Responder  responder.Responder
	Assembler  *assembler.Assembler
	Logger     *zap.Logger
	// ChallengePreferences restricts which challenge types the Orchestrator
	// will attempt to solve. An empty set defaults to both HTTP-01 and
	// DNS-01 enabled.
	ChallengePreferences []ChallengeType
	// PropagationDelay is handed to Responder.PublishDNS01 verbatim.
	PropagationDelay int
}

func (c *Config) allowedChallenges() map[ChallengeType]bool {
	allowed := map[ChallengeType]bool{}
	if len(c.ChallengePreferences) == 0 {
		allowed[HTTP01] = true
		allowed[DNS01] = true
		return allowed
	}
	for _, ct := range c.ChallengePreferences {
		allowed[ct] = true
	}
	return allowed
}

// Orchestrator drives orders end to end. A single Orchestrator may drive
// many orders concurrently, but never the same order URI twice at once
// (enforced by its exclusivity registry).
type Orchestrator struct {
	transport *transport.Transport
	account   *account.Manager
	responder responder.Responder
	assembler *assembler.Assembler
	log       *zap.Logger
	allowed   map[ChallengeType]bool
	propDelay int

	mu          sync.Mutex
	inFlight    map[string]struct{}
	lastInitAt  time.Time
}

const idleTimeout = 30 * time.Minute

// New builds an Orchestrator from conf.
func New(conf Config) *Orchestrator {
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	return &Orchestrator{
		transport: conf.Transport,
		account:   conf.Account,
		responder: conf.Responder,
		assembler: conf.Assembler,
		log:       conf.Logger,
		allowed:   conf.allowedChallenges(),
		propDelay: conf.PropagationDelay,
		inFlight:  make(map[string]struct{}),
	}
}

// acquire registers orderURI as in-flight, returning an error if it already
// is. release must be called (typically via defer) once the run completes.
func (o *Orchestrator) acquire(orderURI string) (release func(), err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if orderURI != "" {
		if _, busy := o.inFlight[orderURI]; busy {
			return nil, engineerrors.New("orchestrator.run", engineerrors.Transient,
				fmt.Errorf("order %q is already being driven by another run", orderURI))
		}
		o.inFlight[orderURI] = struct{}{}
	}
	return func() {
		o.mu.Lock()
		delete(o.inFlight, orderURI)
		o.mu.Unlock()
	}, nil
}

// ensureFresh refetches the Transport's directory if it has never been
// fetched here or if more than idleTimeout has passed since the last refetch.
// Run calls do not reset that timer, and the nonce cache is not touched.
func (o *Orchestrator) ensureFresh(ctx context.Context) error {
	o.mu.Lock()
	last := o.lastInitAt
	o.mu.Unlock()

	if !last.IsZero() && time.Since(last) < idleTimeout {
		return nil
	}

	if err := o.transport.UpdateDirectory(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	o.lastInitAt = time.Now()
	o.mu.Unlock()
	return nil
}
