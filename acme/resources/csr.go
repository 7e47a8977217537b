package resources

import (
	"crypto"
	"crypto/x509"

	"github.com/cpu/certify-engine/acme/keys"
)

// CsrMaterial bundles the private key and PKCS#10 CSR the Assembler builds
// at finalize time. The private key is retained only long enough to be
// embedded in the resulting PKCS#12 artifact.
type CsrMaterial struct {
	// KeyAlg names the requested key algorithm (RS256 by default). It is not
	// derived from a caller-supplied key, and it is empty when a
	// caller-supplied CSR is used.
	KeyAlg keys.KeyAlg
	// PrivateKey is the key the CSR's public component corresponds to.
	PrivateKey crypto.Signer
	// DER is the ASN.1 DER encoding of the CertificateRequest.
	DER []byte
}

// CertificateArtifact is the output of a successfully finalized and
// downloaded Order.
type CertificateArtifact struct {
	// Leaf is the parsed end-entity certificate.
	Leaf *x509.Certificate
	// LeafDER is the raw DER encoding of Leaf.
	LeafDER []byte
	// Chain holds the DER encoding of every certificate returned after the
	// leaf, ordered as the server returned them (intermediates, and
	// optionally a root), followed by any certificates the Assembler added
	// from its issuer cache.
	Chain [][]byte
	// CertID is a YYYYMMDD_<8 hex> identifier derived from Leaf.NotAfter and
	// used to name the PKCS#12 output file.
	CertID string
	// PKCS12 is the password-protected PKCS#12 bundle of Leaf + PrivateKey +
	// Chain, once assembled.
	PKCS12 []byte
	// FriendlyName is the "<primary domain> [Certify] <effectiveDate> to
	// <expiryDate>" label describing this artifact. go-pkcs12 does not carry
	// a friendly name through Encode, so this is tracked alongside the bytes
	// for callers that want to label the file themselves.
	FriendlyName string
	// Path is the file path PKCS12 was (or will be) written to.
	Path string
}

// RevocationReason mirrors the RFC 5280 §5.3.1 CRL reason codes ACME
// revocation requests carry. The zero value, Unspecified, is the engine's
// default (§9 Open Questions).
type RevocationReason int

const (
	Unspecified          RevocationReason = 0
	KeyCompromise        RevocationReason = 1
	CACompromise         RevocationReason = 2
	AffiliationChanged   RevocationReason = 3
	Superseded           RevocationReason = 4
	CessationOfOperation RevocationReason = 5
	CertificateHold      RevocationReason = 6
	RemoveFromCRL        RevocationReason = 8
	PrivilegeWithdrawn   RevocationReason = 9
	AACompromise         RevocationReason = 10
)
