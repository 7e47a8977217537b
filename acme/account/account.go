// Package account implements the Account Manager: registering, looking up,
// updating, deactivating, and rolling over the keypair an Order Orchestrator
// authenticates its requests with. It is grounded on the account operations
// of acme/client/resources.go (CreateAccount, Rollover) and the shell
// commands that drove them (newAccount, deactivateAccount, rollover).
package account

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/cpu/certify-engine/acme"
	"github.com/cpu/certify-engine/acme/engineerrors"
	"github.com/cpu/certify-engine/acme/keys"
	"github.com/cpu/certify-engine/acme/resources"
	"github.com/cpu/certify-engine/acme/signer"
	"github.com/cpu/certify-engine/acme/transport"
	acmenet "github.com/cpu/certify-engine/net"
)

// Manager owns the active Account and its signing key. The key is
// exclusively owned here, per §3's invariant that the Signer only holds a
// non-owning reference; rotation (Rollover) takes an exclusive lock so no
// request is signed with a half-rotated key.
type Manager struct {
	transport *transport.Transport
	log       *zap.Logger

	mu      sync.RWMutex
	account *resources.Account
	signer  *signer.Signer
}

// New builds a Manager bound to t. A nil logger is treated as zap.NewNop().
func New(t *transport.Transport, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{transport: t, log: log}
}

// Active returns the currently active Account, or nil if none has been
// registered, looked up, or loaded yet.
func (m *Manager) Active() *resources.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account
}

// Signer returns the Signer wrapping the active account's key, or nil if no
// account is active.
func (m *Manager) Signer() *signer.Signer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signer
}

// Adopt installs acct and its key as the active account, without performing
// any network operation. Used to resume a session from a Storage-restored
// account.
func (m *Manager) Adopt(acct *resources.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = acct
	m.signer = signer.New(acct.Signer)
}

// newAccountRequest is the body of a newAccount request (RFC 8555 §7.3).
type newAccountRequest struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
}

// Register creates a new ACME account. If key is nil a fresh ECDSA P-256 key
// is generated. The resulting Account becomes the Manager's active account.
//
// Important: Register always agrees to the server's terms of service,
// matching acmeshell's acme/client/resources.go CreateAccount behavior.
func (m *Manager) Register(ctx context.Context, emails []string, key crypto.Signer) (*resources.Account, error) {
	acct, err := resources.NewAccount(emails, key)
	if err != nil {
		return nil, engineerrors.New("account.register", engineerrors.AccountInvalid, err)
	}

	acct, err = m.create(ctx, acct, false)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.account = acct
	m.signer = signer.New(acct.Signer)
	m.mu.Unlock()

	m.log.Info("registered account", zap.String("account_uri", acct.ID))
	return acct, nil
}

// LookupExisting finds the account already registered under key, without
// creating a new one, using the onlyReturnExisting flag (RFC 8555 §7.3).
func (m *Manager) LookupExisting(ctx context.Context, key crypto.Signer) (*resources.Account, error) {
	acct := &resources.Account{Signer: key}
	acct, err := m.create(ctx, acct, true)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.account = acct
	m.signer = signer.New(acct.Signer)
	m.mu.Unlock()

	return acct, nil
}

func (m *Manager) create(ctx context.Context, acct *resources.Account, onlyReturnExisting bool) (*resources.Account, error) {
	if acct.ID != "" {
		return nil, engineerrors.New("account.register", engineerrors.AccountInvalid,
			fmt.Errorf("account already has ID %q", acct.ID))
	}

	req := newAccountRequest{
		Contact:              acct.Contact,
		TermsOfServiceAgreed: true,
		OnlyReturnExisting:   onlyReturnExisting,
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, engineerrors.New("account.register", engineerrors.Transient, err)
	}

	newAcctURL, ok := m.transport.EndpointURL(ctx, acme.NewAccountEndpoint)
	if !ok {
		return nil, engineerrors.New("account.register", engineerrors.Transient,
			fmt.Errorf("directory missing %q endpoint", acme.NewAccountEndpoint))
	}

	resp, err := m.transport.Post(ctx, newAcctURL, reqBody, transport.SignOptions{
		Signer:   signer.New(acct.Signer),
		EmbedKey: true,
	})
	if err != nil {
		return nil, err
	}

	if resp.Raw.StatusCode != http.StatusCreated && resp.Raw.StatusCode != http.StatusOK {
		return nil, classifyAccountError("account.register", resp)
	}

	loc := resp.Raw.Header.Get("Location")
	if loc == "" {
		return nil, engineerrors.New("account.register", engineerrors.Transient,
			fmt.Errorf("server response carried no Location header"))
	}
	acct.ID = loc

	var body struct {
		Status  string   `json:"status"`
		Contact []string `json:"contact"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil {
		acct.Status = body.Status
		if len(body.Contact) > 0 {
			acct.Contact = body.Contact
		}
	}

	return acct, nil
}

// updateRequest carries the fields an account Update may change.
type updateRequest struct {
	Contact []string `json:"contact,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// Update changes the active account's contact emails.
func (m *Manager) Update(ctx context.Context, emails []string) error {
	m.mu.RLock()
	acct, s := m.account, m.signer
	m.mu.RUnlock()
	if acct == nil {
		return engineerrors.New("account.update", engineerrors.AccountInvalid,
			fmt.Errorf("no active account"))
	}

	contacts := make([]string, 0, len(emails))
	for _, e := range emails {
		if e != "" {
			contacts = append(contacts, "mailto:"+e)
		}
	}

	body, err := json.Marshal(updateRequest{Contact: contacts})
	if err != nil {
		return engineerrors.New("account.update", engineerrors.Transient, err)
	}

	resp, err := m.transport.Post(ctx, acct.ID, body, transport.SignOptions{Signer: s, KeyID: acct.ID})
	if err != nil {
		return err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return classifyAccountError("account.update", resp)
	}

	m.mu.Lock()
	acct.Contact = contacts
	m.mu.Unlock()
	return nil
}

// Deactivate marks the active account as deactivated with the server. A
// deactivated account can never be reactivated.
func (m *Manager) Deactivate(ctx context.Context) error {
	m.mu.RLock()
	acct, s := m.account, m.signer
	m.mu.RUnlock()
	if acct == nil {
		return engineerrors.New("account.deactivate", engineerrors.AccountInvalid,
			fmt.Errorf("no active account"))
	}

	body, err := json.Marshal(updateRequest{Status: acme.StatusDeactivated})
	if err != nil {
		return engineerrors.New("account.deactivate", engineerrors.Transient, err)
	}

	resp, err := m.transport.Post(ctx, acct.ID, body, transport.SignOptions{Signer: s, KeyID: acct.ID})
	if err != nil {
		return err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return classifyAccountError("account.deactivate", resp)
	}

	m.mu.Lock()
	acct.Status = acme.StatusDeactivated
	m.mu.Unlock()
	m.log.Info("deactivated account", zap.String("account_uri", acct.ID))
	return nil
}

// rolloverRequest is the inner JWS payload of a key-change request (RFC 8555
// §7.3.5).
type rolloverRequest struct {
	Account string `json:"account"`
	OldKey  any    `json:"oldKey"`
}

// Rollover replaces the active account's key with newKey. The inner JWS is
// signed by newKey (embedding it as a JWK); the outer JWS is signed by the
// current account key. Rollover holds Manager's write lock for the whole
// key change, so Active and Signer calls made meanwhile wait until the swap
// completes and then see the new key. A request that obtained the old
// signer before Rollover took the lock is not waited for and is sent signed
// with the old key.
func (m *Manager) Rollover(ctx context.Context, newKey crypto.Signer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.account == nil {
		return engineerrors.New("account.rollover", engineerrors.AccountInvalid,
			fmt.Errorf("no active account"))
	}

	targetURL, ok := m.transport.EndpointURL(ctx, acme.KeyChangeEndpoint)
	if !ok {
		return engineerrors.New("account.rollover", engineerrors.Transient,
			fmt.Errorf("directory missing %q endpoint", acme.KeyChangeEndpoint))
	}

	oldJWK := keys.JWKForSigner(m.signer.Key())
	innerBody, err := json.Marshal(rolloverRequest{Account: m.account.ID, OldKey: oldJWK})
	if err != nil {
		return engineerrors.New("account.rollover", engineerrors.Transient, err)
	}

	newSigner := signer.New(newKey)
	innerResult, err := newSigner.SignEmbedded(targetURL, innerBody, m.transport)
	if err != nil {
		return engineerrors.New("account.rollover", engineerrors.Transient, err)
	}

	resp, err := m.transport.Post(ctx, targetURL, innerResult.SerializedJWS,
		transport.SignOptions{Signer: m.signer, KeyID: m.account.ID})
	if err != nil {
		return err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return classifyAccountError("account.rollover", resp)
	}

	m.account.Signer = newKey
	m.signer = newSigner
	m.log.Info("rolled over account key", zap.String("account_uri", m.account.ID))
	return nil
}

func classifyAccountError(op string, resp *acmenet.Response) *engineerrors.Error {
	retryAfter := engineerrors.ParseRetryAfter(resp.Raw.Header.Get(acme.RetryAfterHeader))
	return engineerrors.FromHTTP(op, resp.Raw.StatusCode, resp.Body, retryAfter)
}
