// Package issuercache maintains a process-local, best-effort cache of root
// and intermediate CA certificates read from the host trust store. The
// Certificate Assembler consults it only to patch a server-supplied chain
// that is missing an intermediate; it is never treated as authoritative, and
// a failure to populate it is never fatal.
//
// The copy-on-refresh snapshot pattern (readers see an immutable slice via
// atomic.Pointer, writers swap the whole slice) is grounded in the same
// "never block a reader behind a writer" principle acmeshell's nonce cache
// applies to its single-slot channel (acme/client/nonce.go), generalized
// here from a single value to a snapshot collection.
package issuercache

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// trustBundlePaths lists the common locations a PEM bundle of CA
// certificates is found at on Linux distributions, mirroring the search
// order Go's own crypto/x509 SystemCertPool uses internally. The first
// bundle found is parsed; x509.CertPool itself does not expose the
// individual certificates it holds, so the cache reads the bundle directly
// rather than through a CertPool.
var trustBundlePaths = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/tls/cacert.pem",
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem",
}

// Cache holds the most recently loaded snapshot of trusted CA certificates.
type Cache struct {
	snapshot atomic.Pointer[[]*x509.Certificate]
	log      *zap.Logger
}

// New builds an empty Cache. Call Refresh to populate it; an unpopulated
// Cache simply contributes no certificates to a chain, never an error.
func New(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Cache{log: log}
	empty := []*x509.Certificate{}
	c.snapshot.Store(&empty)
	return c
}

// Refresh reloads the cache from the host's default trust store. Failure is
// logged and otherwise swallowed: the previous snapshot, if any, remains
// available to readers.
func (c *Cache) Refresh() {
	correlationID := uuid.New().String()

	var bundle []byte
	for _, path := range trustBundlePaths {
		data, err := os.ReadFile(path)
		if err == nil {
			bundle = data
			break
		}
	}
	if bundle == nil {
		c.log.Debug("issuer cache refresh found no host trust bundle",
			zap.String("correlation_id", correlationID))
		return
	}

	certs := parseCertificates(bundle)
	c.snapshot.Store(&certs)
	c.log.Debug("refreshed issuer cache",
		zap.String("correlation_id", correlationID), zap.Int("certificate_count", len(certs)))
}

func parseCertificates(bundle []byte) []*x509.Certificate {
	var certs []*x509.Certificate
	rest := bundle
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	return certs
}

// Snapshot returns the certificates currently cached. The returned slice must
// not be mutated by the caller; it is shared with other readers.
func (c *Cache) Snapshot() []*x509.Certificate {
	p := c.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

// FindByIssuer returns every cached certificate whose Subject matches issuer,
// a candidate set for patching a chain missing its issuing intermediate or
// root.
func (c *Cache) FindByIssuer(issuer []byte) []*x509.Certificate {
	var matches []*x509.Certificate
	for _, cert := range c.Snapshot() {
		if string(cert.RawSubject) == string(issuer) {
			matches = append(matches, cert)
		}
	}
	return matches
}

// AddCertificates merges extra certificates (e.g. ones bundled with the
// calling application) into the current snapshot. Used when the host trust
// store alone does not carry an issuing CA the Assembler needs.
func (c *Cache) AddCertificates(extra ...*x509.Certificate) {
	current := c.Snapshot()
	merged := make([]*x509.Certificate, 0, len(current)+len(extra))
	merged = append(merged, current...)
	merged = append(merged, extra...)
	c.snapshot.Store(&merged)
}
