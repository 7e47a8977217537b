// Package transport implements the authenticated HTTPS client every other
// core component is built on: directory caching, a single-slot nonce cache,
// JWS-signed POSTs (including POST-as-GET), and bad-nonce retry. It is
// grounded on acme/client/{client,directory,nonce,http,jws}.go, generalized
// to take a context.Context on every blocking call and to use zap for
// logging instead of the teacher's bare log.Printf calls.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cpu/certify-engine/acme"
	"github.com/cpu/certify-engine/acme/engineerrors"
	"github.com/cpu/certify-engine/acme/resources"
	"github.com/cpu/certify-engine/acme/signer"
	acmenet "github.com/cpu/certify-engine/net"
)

// Config configures a Transport.
type Config struct {
	// DirectoryURL is the ACME server's directory resource URL. Required.
	DirectoryURL string
	// CACertPath optionally pins the CA trust roots used for HTTPS
	// connections to the ACME server.
	CACertPath string
	// UserAgent overrides the default User-Agent string.
	UserAgent string
	// InsecureSkipVerify disables TLS validation for this Transport only.
	InsecureSkipVerify bool
	// PostAsGet, if true, uses POST-as-GET (RFC 8555 §6.3) instead of plain
	// GET for every read of an Order, Authorization, or Challenge resource.
	PostAsGet bool
	// Logger receives structured debug/info/warn logs. A nil Logger is
	// treated as zap.NewNop().
	Logger *zap.Logger
}

func (c *Config) normalize() error {
	c.DirectoryURL = strings.TrimSpace(c.DirectoryURL)
	if c.DirectoryURL == "" {
		return fmt.Errorf("transport: DirectoryURL must not be empty")
	}
	if _, err := url.Parse(c.DirectoryURL); err != nil {
		return fmt.Errorf("transport: DirectoryURL invalid: %w", err)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Transport is the authenticated ACME HTTPS client. A Transport is always
// bound to a single ACME server; it is never a package-level singleton (see
// §9 DESIGN NOTES).
type Transport struct {
	dirURL    *url.URL
	http      *acmenet.Client
	postAsGet bool
	log       *zap.Logger

	dirMu     sync.RWMutex
	directory map[string]any

	nonces chan string
}

// New builds a Transport from conf, fetching the ACME directory and priming
// the nonce cache before returning.
func New(ctx context.Context, conf Config) (*Transport, error) {
	if err := conf.normalize(); err != nil {
		return nil, err
	}

	httpClient, err := acmenet.New(acmenet.Config{
		CACertPath:         conf.CACertPath,
		UserAgent:          conf.UserAgent,
		InsecureSkipVerify: conf.InsecureSkipVerify,
		Logger:             conf.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	dirURL, _ := url.Parse(conf.DirectoryURL) // validated in normalize()

	t := &Transport{
		dirURL:    dirURL,
		http:      httpClient,
		postAsGet: conf.PostAsGet,
		log:       conf.Logger,
		nonces:    make(chan string, 1),
	}

	if err := t.UpdateDirectory(ctx); err != nil {
		return nil, err
	}
	if err := t.refreshNonce(ctx); err != nil {
		return nil, err
	}

	return t, nil
}

// PostAsGetEnabled reports whether this Transport reads resources via
// POST-as-GET rather than plain GET.
func (t *Transport) PostAsGetEnabled() bool {
	return t.postAsGet
}

// Directory returns the cached ACME directory resource, fetching it first if
// it has not yet been loaded.
func (t *Transport) Directory(ctx context.Context) (map[string]any, error) {
	t.dirMu.RLock()
	dir := t.directory
	t.dirMu.RUnlock()
	if dir != nil {
		return dir, nil
	}
	if err := t.UpdateDirectory(ctx); err != nil {
		return nil, err
	}
	t.dirMu.RLock()
	defer t.dirMu.RUnlock()
	return t.directory, nil
}

// UpdateDirectory refreshes the cached ACME directory resource.
//
// See https://datatracker.ietf.org/doc/html/rfc8555#section-7.1.1
func (t *Transport) UpdateDirectory(ctx context.Context) error {
	resp, err := t.http.Get(t.dirURL.String())
	if err != nil {
		return engineerrors.New("transport.directory", engineerrors.Transient, err)
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return engineerrors.New("transport.directory", engineerrors.Transient,
			fmt.Errorf("unexpected status %d fetching directory", resp.Raw.StatusCode))
	}

	var dir map[string]any
	if err := json.Unmarshal(resp.Body, &dir); err != nil {
		return engineerrors.New("transport.directory", engineerrors.Transient,
			fmt.Errorf("parsing directory JSON: %w", err))
	}

	t.dirMu.Lock()
	t.directory = dir
	t.dirMu.Unlock()
	t.log.Debug("updated ACME directory")
	return nil
}

// EndpointURL looks up a named endpoint (e.g. acme.NewAccountEndpoint) in
// the cached directory. The bool result is false if the directory has no
// such key or the key's value is not a non-empty string.
func (t *Transport) EndpointURL(ctx context.Context, name string) (string, bool) {
	dir, err := t.Directory(ctx)
	if err != nil {
		return "", false
	}
	raw, ok := dir[name]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

var _ signer.NonceSource = (*Transport)(nil)

// Nonce satisfies signer.NonceSource: it hands back the cached nonce and
// immediately refills the cache so a fresh nonce is always available for the
// next caller (mirroring acme/client/nonce.go's Nonce method).
func (t *Transport) Nonce() (string, error) {
	ctx := context.Background()
	select {
	case n := <-t.nonces:
		if err := t.refreshNonce(ctx); err != nil {
			// Return the nonce we did get; the caller can still use it
			// even if the refill failed.
			return n, nil
		}
		return n, nil
	default:
		if err := t.refreshNonce(ctx); err != nil {
			return "", err
		}
		return t.Nonce()
	}
}

// refreshNonce fetches a fresh nonce (via HEAD /new-nonce) and stores it in
// the single-slot cache, displacing any nonce already held.
func (t *Transport) refreshNonce(ctx context.Context) error {
	nonceURL, ok := t.EndpointURL(ctx, acme.NewNonceEndpoint)
	if !ok {
		return engineerrors.New("transport.nonce", engineerrors.Transient,
			fmt.Errorf("directory missing %q endpoint", acme.NewNonceEndpoint))
	}

	resp, err := t.http.Head(nonceURL)
	if err != nil {
		return engineerrors.New("transport.nonce", engineerrors.Transient, err)
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return engineerrors.New("transport.nonce", engineerrors.Transient,
			fmt.Errorf("newNonce returned status %d", resp.Raw.StatusCode))
	}

	nonce := resp.Raw.Header.Get(acme.ReplayNonceHeader)
	if nonce == "" {
		return engineerrors.New("transport.nonce", engineerrors.Transient,
			fmt.Errorf("newNonce response carried no %s header", acme.ReplayNonceHeader))
	}

	// Drain any stale nonce before storing the fresh one; the channel has
	// capacity 1 so this never blocks.
	select {
	case <-t.nonces:
	default:
	}
	t.nonces <- nonce
	t.log.Debug("refreshed nonce")
	return nil
}

// problemFromResponse attempts to parse an ACME problem document from an
// error HTTP response. It returns nil if the body does not look like a
// problem document.
func problemFromResponse(resp *acmenet.Response) *resources.Problem {
	var p resources.Problem
	if err := json.Unmarshal(resp.Body, &p); err != nil || p.Type == "" {
		return nil
	}
	p.Status = resp.Raw.StatusCode
	return &p
}
