// Package engine composes the Transport, Account Manager, Order
// Orchestrator, Certificate Assembler, and Revoker into a single explicit
// handle a caller constructs and owns. There is deliberately no package-level
// singleton (§9 DESIGN NOTES: "Global account singleton" is named as a
// redesign target; this type is what the source's process-wide Orchestrator
// reference is replaced with).
package engine

import (
	"context"
	"crypto"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cpu/certify-engine/acme/account"
	"github.com/cpu/certify-engine/acme/assembler"
	"github.com/cpu/certify-engine/acme/issuercache"
	"github.com/cpu/certify-engine/acme/keys"
	"github.com/cpu/certify-engine/acme/orchestrator"
	"github.com/cpu/certify-engine/acme/resources"
	"github.com/cpu/certify-engine/acme/responder"
	"github.com/cpu/certify-engine/acme/revoker"
	"github.com/cpu/certify-engine/acme/transport"
	"github.com/cpu/certify-engine/storage"
)

// Config configures one Engine instance. Exactly one Transport, Account
// Manager, Orchestrator, Assembler, and Revoker are built from it; none of
// them are shared across Engine instances.
type Config struct {
	Transport transport.Config

	// Responder publishes HTTP-01/DNS-01 challenge responses. Required.
	Responder responder.Responder

	// AssetsDir is where the Assembler writes finished PKCS#12 artifacts.
	AssetsDir string

	// Storage optionally persists/restores account settings across process
	// restarts. If nil, the Engine does not persist account state.
	Storage storage.Storage

	// ChallengePreferences restricts which challenge types the Orchestrator
	// attempts. Empty means both HTTP-01 and DNS-01.
	ChallengePreferences []orchestrator.ChallengeType
	// PropagationDelaySeconds is handed to the Responder's PublishDNS01.
	PropagationDelaySeconds int

	Logger *zap.Logger
}

// Engine is the top-level handle a caller uses to register an account, run
// certificate orders to completion, and revoke issued certificates. Build
// one with New and keep it for the lifetime of the orders it drives; it is
// safe for concurrent use by multiple goroutines.
type Engine struct {
	transport    *transport.Transport
	account      *account.Manager
	orchestrator *orchestrator.Orchestrator
	assembler    *assembler.Assembler
	revoker      *revoker.Revoker
	issuerCache  *issuercache.Cache
	storage      storage.Storage
	log          *zap.Logger
}

// New builds an Engine, fetching the ACME directory and priming the nonce
// cache before returning.
func New(ctx context.Context, conf Config) (*Engine, error) {
	if conf.Responder == nil {
		return nil, fmt.Errorf("engine: Responder is required")
	}
	if conf.AssetsDir == "" {
		return nil, fmt.Errorf("engine: AssetsDir is required")
	}
	log := conf.Logger
	if log == nil {
		log = zap.NewNop()
	}
	conf.Transport.Logger = log

	t, err := transport.New(ctx, conf.Transport)
	if err != nil {
		return nil, fmt.Errorf("engine: building transport: %w", err)
	}

	am := account.New(t, log)

	cache := issuercache.New(log)
	cache.Refresh()

	asm := assembler.New(assembler.Config{
		AssetsDir:   conf.AssetsDir,
		IssuerCache: cache,
		Logger:      log,
	})

	orch := orchestrator.New(orchestrator.Config{
		Transport:            t,
		Account:              am,
		Responder:            conf.Responder,
		Assembler:            asm,
		Logger:               log,
		ChallengePreferences: conf.ChallengePreferences,
		PropagationDelay:     conf.PropagationDelaySeconds,
	})

	rev := revoker.New(t, am, log)

	return &Engine{
		transport:    t,
		account:      am,
		orchestrator: orch,
		assembler:    asm,
		revoker:      rev,
		issuerCache:  cache,
		storage:      conf.Storage,
		log:          log,
	}, nil
}

// RestoreAccount loads previously persisted account settings from the
// Engine's Storage and adopts them as the active account, without any
// network round-trip. Returns an error if the Engine has no Storage
// configured.
func (e *Engine) RestoreAccount() (*resources.Account, error) {
	if e.storage == nil {
		return nil, fmt.Errorf("engine: no Storage configured")
	}

	settings, err := e.storage.Load()
	if err != nil {
		return nil, err
	}

	signer, err := keys.UnmarshalSignerPEM([]byte(settings.AccountKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("engine: restoring account key: %w", err)
	}

	var contact []string
	if settings.AccountEmail != "" {
		contact = []string{"mailto:" + settings.AccountEmail}
	}

	acct := &resources.Account{
		ID:      settings.AccountURI,
		Contact: contact,
		Signer:  signer,
	}
	e.account.Adopt(acct)
	return acct, nil
}

// RegisterAccount creates an ACME account for key through the Account
// Manager's Register (a newAccount request without onlyReturnExisting); it
// does not call LookupExisting. If the Engine has Storage configured, the
// resulting settings are persisted immediately.
func (e *Engine) RegisterAccount(ctx context.Context, emails []string, key crypto.Signer) (*resources.Account, error) {
	acct, err := e.account.Register(ctx, emails, key)
	if err != nil {
		return nil, err
	}
	if e.storage != nil {
		if err := e.persistAccount(acct); err != nil {
			e.log.Warn("failed to persist account settings", zap.Error(err))
		}
	}
	return acct, nil
}

func (e *Engine) persistAccount(acct *resources.Account) error {
	keyPEM, err := keys.SignerToPEM(acct.Signer)
	if err != nil {
		return err
	}
	var email string
	if len(acct.Contact) > 0 {
		email = strings.TrimPrefix(acct.Contact[0], "mailto:")
	}
	return e.storage.Save(&storage.Settings{
		AccountEmail:  email,
		AccountURI:    acct.ID,
		AccountKeyPEM: keyPEM,
	})
}

// RunOrder drives req to completion via the Order Orchestrator, returning
// the finished certificate artifact.
func (e *Engine) RunOrder(ctx context.Context, req orchestrator.OrderRequest) (*resources.CertificateArtifact, error) {
	return e.orchestrator.Run(ctx, req)
}

// Revoke revokes a previously issued certificate, either from a persisted
// PKCS#12 artifact (password required) or a raw PEM certificate (password
// ignored).
func (e *Engine) Revoke(ctx context.Context, artifact []byte, password string, reason resources.RevocationReason, isPEM bool) error {
	if isPEM {
		return e.revoker.RevokePEM(ctx, artifact, reason)
	}
	return e.revoker.RevokePKCS12(ctx, artifact, password, reason)
}

// Account returns the currently active account, or nil if none has been
// registered or restored.
func (e *Engine) Account() *resources.Account {
	return e.account.Active()
}
