// Package signer produces JWS-signed ACME request bodies from an in-memory
// account (or one-off) private key. It is grounded on the signing logic of
// acme/client/jws.go, generalized so the caller supplies a nonce rather than
// the Signer reaching back into a Client for one.
package signer

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/certify-engine/acme/keys"
)

// NonceSource supplies a single-use nonce for the next JWS produced. It is
// satisfied by transport.Transport.
type NonceSource interface {
	Nonce() (string, error)
}

// Signer wraps a crypto.Signer (RSA or ECDSA) and produces the JWS envelopes
// ACME requests require.
type Signer struct {
	key crypto.Signer
}

// New wraps key in a Signer. key must be an *ecdsa.PrivateKey or
// *rsa.PrivateKey.
func New(key crypto.Signer) *Signer {
	return &Signer{key: key}
}

// Key returns the wrapped private key.
func (s *Signer) Key() crypto.Signer {
	return s.key
}

// Result holds the serialized JWS and the exact bytes that were signed, for
// logging and tests.
type Result struct {
	InputURL      string
	InputData     []byte
	SerializedJWS []byte
}

// SignEmbedded signs data for url, embedding the Signer's public key as
// a JWK rather than referencing an account KeyID. This is the form
// newAccount (and newAccount-with-onlyReturnExisting) requests must use,
// since no account URI exists yet to use as a kid.
func (s *Signer) SignEmbedded(url string, data []byte, nonces NonceSource) (*Result, error) {
	signingKey := keys.SigningKeyForSigner(s.key, "")

	joseSigner, err := jose.NewSigner(signingKey, &jose.SignerOptions{
		NonceSource: nonces,
		EmbedJWK:    true,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("signer: building embedded-key signer: %w", err)
	}
	return sign(joseSigner, url, data)
}

// SignKeyID signs data for url, referencing the account by keyID (its
// server-assigned URI) rather than embedding the public key. This is the
// form every authenticated ACME request other than account creation must
// use.
func (s *Signer) SignKeyID(url, keyID string, data []byte, nonces NonceSource) (*Result, error) {
	if keyID == "" {
		return nil, fmt.Errorf("signer: SignKeyID requires a non-empty keyID")
	}

	signingKey := keys.SigningKeyForSigner(s.key, keyID)

	joseSigner, err := jose.NewSigner(signingKey, &jose.SignerOptions{
		NonceSource: nonces,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("signer: building keyID signer: %w", err)
	}
	return sign(joseSigner, url, data)
}

func sign(joseSigner jose.Signer, url string, data []byte) (*Result, error) {
	signed, err := joseSigner.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("signer: signing payload: %w", err)
	}

	serialized := []byte(signed.FullSerialize())
	return &Result{
		InputURL:      url,
		InputData:     data,
		SerializedJWS: serialized,
	}, nil
}

// Thumbprint returns the base64url-encoded SHA-256 JWK thumbprint of the
// wrapped key, per RFC 7638.
func (s *Signer) Thumbprint() string {
	return keys.JWKThumbprint(s.key)
}

// KeyAuthorization returns token + "." + Thumbprint(), the key authorization
// value used by both HTTP-01 and DNS-01 challenge responses.
func (s *Signer) KeyAuthorization(token string) string {
	return keys.KeyAuth(s.key, token)
}

// DNSTxt returns the base64url(SHA-256(key authorization)) value a DNS-01
// challenge's TXT record must carry, per RFC 8555 §8.4.
func (s *Signer) DNSTxt(token string) string {
	keyAuth := s.KeyAuthorization(token)
	digest := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}
