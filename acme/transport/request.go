package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/cpu/certify-engine/acme"
	"github.com/cpu/certify-engine/acme/engineerrors"
	"github.com/cpu/certify-engine/acme/signer"
	acmenet "github.com/cpu/certify-engine/net"
)

// SignOptions selects how a request is authenticated: either by embedding
// the signer's public key as a JWK (only valid for newAccount-shaped
// requests) or by referencing an already-registered account via KeyID.
type SignOptions struct {
	Signer   *signer.Signer
	EmbedKey bool
	KeyID    string
}

func (o SignOptions) validate() error {
	if o.Signer == nil {
		return fmt.Errorf("transport: SignOptions.Signer must not be nil")
	}
	if o.EmbedKey == (o.KeyID != "") {
		return fmt.Errorf("transport: exactly one of EmbedKey or KeyID must be set")
	}
	return nil
}

// Get issues a plain (unauthenticated) GET request, used for reading the
// directory and, when PostAsGet is disabled, Order/Authorization/Challenge
// resources.
func (t *Transport) Get(ctx context.Context, url string) (*acmenet.Response, error) {
	resp, err := t.http.Get(url)
	if err != nil {
		return nil, engineerrors.New("transport.get", engineerrors.Transient, err)
	}
	return resp, nil
}

// Post signs body with opts and POSTs it to url, retrying exactly once,
// without counting against the caller's own retry budget, if the server
// rejects the request with a badNonce problem (§4.1).
func (t *Transport) Post(ctx context.Context, url string, body []byte, opts SignOptions) (*acmenet.Response, error) {
	if err := opts.validate(); err != nil {
		return nil, engineerrors.New("transport.post", engineerrors.Transient, err)
	}

	var resp *acmenet.Response
	attempt := func() error {
		signResult, err := t.signRequest(url, body, opts)
		if err != nil {
			return err
		}

		resp, err = t.http.Post(url, signResult.SerializedJWS)
		if err != nil {
			return engineerrors.New("transport.post", engineerrors.Transient, err)
		}

		if isBadNonce(resp) {
			return badNonceErr
		}
		return nil
	}

	if err := attempt(); err != nil {
		if err != badNonceErr {
			return nil, err
		}
		t.log.Warn("retrying request after badNonce", zap.String("url", url))
		if err := t.refreshNonce(ctx); err != nil {
			return nil, err
		}
		if err := attempt(); err != nil {
			if err == badNonceErr {
				return nil, engineerrors.New("transport.post", engineerrors.Transient,
					fmt.Errorf("server returned badNonce twice for %q", url))
			}
			return nil, err
		}
	}

	return resp, nil
}

// PostAsGet reads a resource via POST-as-GET: a JWS over an empty payload,
// authenticated with the caller's account KeyID (RFC 8555 §6.3).
func (t *Transport) PostAsGet(ctx context.Context, url string, opts SignOptions) (*acmenet.Response, error) {
	return t.Post(ctx, url, []byte(""), opts)
}

// FetchResource reads url either via POST-as-GET (if enabled for this
// Transport) or plain GET, whichever the Orchestrator/Account Manager's
// caller configured.
func (t *Transport) FetchResource(ctx context.Context, url string, opts SignOptions) (*acmenet.Response, error) {
	if t.postAsGet {
		return t.PostAsGet(ctx, url, opts)
	}
	return t.Get(ctx, url)
}

func (t *Transport) signRequest(url string, body []byte, opts SignOptions) (*signer.Result, error) {
	if opts.EmbedKey {
		return opts.Signer.SignEmbedded(url, body, t)
	}
	return opts.Signer.SignKeyID(url, opts.KeyID, body, t)
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const badNonceErr = sentinelError("transport: badNonce")

func isBadNonce(resp *acmenet.Response) bool {
	if resp.Raw.StatusCode != http.StatusBadRequest {
		return false
	}
	var problem struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(resp.Body, &problem); err != nil {
		return false
	}
	return problem.Type == acme.ProblemBadNonce
}
