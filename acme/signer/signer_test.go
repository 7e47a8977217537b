package signer

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/certify-engine/acme/keys"
)

type fixedNonceSource struct{ nonce string }

func (f fixedNonceSource) Nonce() (string, error) { return f.nonce, nil }

func testSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)
	return New(key)
}

func TestSignEmbeddedProducesJWKHeaderAndURL(t *testing.T) {
	s := testSigner(t)
	result, err := s.SignEmbedded("https://acme.example.com/new-account", []byte(`{"termsOfServiceAgreed":true}`), fixedNonceSource{"nonce-1"})
	require.NoError(t, err)

	parsed, err := jose.ParseSigned(string(result.SerializedJWS), []jose.SignatureAlgorithm{jose.ES256, jose.ES384, jose.ES512, jose.RS256})
	require.NoError(t, err)
	require.Len(t, parsed.Signatures, 1)

	header := parsed.Signatures[0].Protected
	assert.NotNil(t, header.JSONWebKey)
	assert.Empty(t, header.KeyID)
	assert.Equal(t, "nonce-1", header.Nonce)
}

func TestSignKeyIDRequiresNonEmptyKeyID(t *testing.T) {
	s := testSigner(t)
	_, err := s.SignKeyID("https://acme.example.com/order/1", "", []byte("{}"), fixedNonceSource{"nonce"})
	assert.Error(t, err)
}

func TestSignKeyIDEmbedsKeyIDNotJWK(t *testing.T) {
	s := testSigner(t)
	result, err := s.SignKeyID("https://acme.example.com/order/1", "https://acme.example.com/acct/7", []byte("{}"), fixedNonceSource{"nonce-2"})
	require.NoError(t, err)

	parsed, err := jose.ParseSigned(string(result.SerializedJWS), []jose.SignatureAlgorithm{jose.ES256, jose.ES384, jose.ES512, jose.RS256})
	require.NoError(t, err)
	header := parsed.Signatures[0].Protected
	assert.Nil(t, header.JSONWebKey)
	assert.Equal(t, "https://acme.example.com/acct/7", header.KeyID)
}

func TestKeyAuthorizationAndDNSTxt(t *testing.T) {
	s := testSigner(t)
	keyAuth := s.KeyAuthorization("token-abc")
	assert.Equal(t, "token-abc."+s.Thumbprint(), keyAuth)

	digest := sha256.Sum256([]byte(keyAuth))
	want := base64.RawURLEncoding.EncodeToString(digest[:])
	assert.Equal(t, want, s.DNSTxt("token-abc"))
}
