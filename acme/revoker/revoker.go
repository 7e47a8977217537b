// Package revoker implements the Revoker: loading a previously assembled
// PKCS#12 artifact (or a raw PEM certificate), extracting its leaf, and
// submitting an ACME revocation request signed by the account key.
//
// Grounded on shell/commands/revokeCert/revokeCert.go: base64url-encode the
// leaf's DER, build {certificate, reason}, sign, and POST to the directory's
// revokeCert endpoint, treating any non-200 response as a failure.
package revoker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/cpu/certify-engine/acme"
	"github.com/cpu/certify-engine/acme/account"
	"github.com/cpu/certify-engine/acme/engineerrors"
	"github.com/cpu/certify-engine/acme/resources"
	"github.com/cpu/certify-engine/acme/transport"
)

// Revoker submits revocation requests against a single ACME server.
type Revoker struct {
	transport *transport.Transport
	account   *account.Manager
	log       *zap.Logger
}

// New builds a Revoker bound to t and the account manager am.
func New(t *transport.Transport, am *account.Manager, log *zap.Logger) *Revoker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Revoker{transport: t, account: am, log: log}
}

type revokeRequest struct {
	Certificate string                       `json:"certificate"`
	Reason      resources.RevocationReason   `json:"reason"`
}

// RevokePKCS12 decodes the PKCS#12 bundle pfxData (protected by password),
// extracts its leaf certificate, and revokes it with reason.
func (r *Revoker) RevokePKCS12(ctx context.Context, pfxData []byte, password string, reason resources.RevocationReason) error {
	_, leaf, _, err := pkcs12.DecodeChain(pfxData, password)
	if err != nil {
		return engineerrors.New("revoker.revoke", engineerrors.RevocationFailed,
			fmt.Errorf("decoding PKCS#12: %w", err))
	}
	return r.revokeDER(ctx, leaf.Raw, reason)
}

// RevokePEM revokes the first certificate found in a PEM-encoded file.
func (r *Revoker) RevokePEM(ctx context.Context, pemBytes []byte, reason resources.RevocationReason) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return engineerrors.New("revoker.revoke", engineerrors.RevocationFailed,
			fmt.Errorf("no CERTIFICATE PEM block found"))
	}
	return r.revokeDER(ctx, block.Bytes, reason)
}

func (r *Revoker) revokeDER(ctx context.Context, der []byte, reason resources.RevocationReason) error {
	acct := r.account.Active()
	if acct == nil {
		return engineerrors.New("revoker.revoke", engineerrors.AccountInvalid,
			fmt.Errorf("no active account"))
	}

	revokeURL, ok := r.transport.EndpointURL(ctx, acme.RevokeCertEndpoint)
	if !ok {
		return engineerrors.New("revoker.revoke", engineerrors.Transient,
			fmt.Errorf("directory missing %q endpoint", acme.RevokeCertEndpoint))
	}

	body, err := json.Marshal(revokeRequest{
		Certificate: base64.RawURLEncoding.EncodeToString(der),
		Reason:      reason,
	})
	if err != nil {
		return engineerrors.New("revoker.revoke", engineerrors.Transient, err)
	}

	resp, err := r.transport.Post(ctx, revokeURL, body, transport.SignOptions{
		Signer: r.account.Signer(), KeyID: acct.ID,
	})
	if err != nil {
		return err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return engineerrors.FromHTTP("revoker.revoke", resp.Raw.StatusCode, resp.Body,
			engineerrors.ParseRetryAfter(resp.Raw.Header.Get(acme.RetryAfterHeader)))
	}

	r.log.Info("revoked certificate", zap.Int("reason", int(reason)))
	return nil
}
