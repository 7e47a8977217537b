package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSignerForAlgProducesExpectedKeyShapes(t *testing.T) {
	rsaKey, err := NewSignerForAlg(RS256)
	require.NoError(t, err)
	assert.IsType(t, &rsa.PrivateKey{}, rsaKey)

	p256, err := NewSignerForAlg(ES256)
	require.NoError(t, err)
	ecKey, ok := p256.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.Equal(t, elliptic.P256(), ecKey.Curve)

	p384, err := NewSignerForAlg(ES384)
	require.NoError(t, err)
	assert.Equal(t, elliptic.P384(), p384.(*ecdsa.PrivateKey).Curve)

	p521, err := NewSignerForAlg(ES512)
	require.NoError(t, err)
	assert.Equal(t, elliptic.P521(), p521.(*ecdsa.PrivateKey).Curve)

	_, err = NewSignerForAlg("bogus")
	assert.Error(t, err)
}

func TestJWKThumbprintIsStableAndKeyAuthComposesToken(t *testing.T) {
	signer, err := NewSigner("ecdsa")
	require.NoError(t, err)

	thumb1 := JWKThumbprint(signer)
	thumb2 := JWKThumbprint(signer)
	assert.Equal(t, thumb1, thumb2)
	assert.NotEmpty(t, thumb1)

	auth := KeyAuth(signer, "token123")
	assert.Equal(t, "token123."+thumb1, auth)
}

func TestSignerToPEMRoundTripsThroughUnmarshalSignerPEM(t *testing.T) {
	for _, kind := range []string{"ecdsa", "rsa"} {
		signer, err := NewSigner(kind)
		require.NoError(t, err)

		pemStr, err := SignerToPEM(signer)
		require.NoError(t, err)
		assert.NotEmpty(t, pemStr)

		restored, err := UnmarshalSignerPEM([]byte(pemStr))
		require.NoError(t, err)
		assert.Equal(t, signer.Public(), restored.Public())
	}
}

func TestMarshalSignerUnmarshalSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner("rsa")
	require.NoError(t, err)

	der, keyType, err := MarshalSigner(signer)
	require.NoError(t, err)
	assert.Equal(t, "rsa", keyType)

	restored, err := UnmarshalSigner(der, keyType)
	require.NoError(t, err)
	assert.Equal(t, signer.Public(), restored.Public())
}

func TestPEMToDERValidatesBlockType(t *testing.T) {
	signer, err := NewSigner("ecdsa")
	require.NoError(t, err)
	pemStr, err := SignerToPEM(signer)
	require.NoError(t, err)

	_, err = PEMToDER([]byte(pemStr), "EC PRIVATE KEY")
	assert.NoError(t, err)

	_, err = PEMToDER([]byte(pemStr), "RSA PRIVATE KEY")
	assert.Error(t, err)
}
