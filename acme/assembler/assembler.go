// Package assembler implements the Certificate Assembler: it generates (or
// accepts) a key and CSR for an order's finalize step, and once the signed
// chain comes back from the server it packages leaf + key + chain into a
// password-protected PKCS#12 file, using the host issuer cache to patch a
// chain the server left incomplete.
//
// CSR construction is grounded on acme/client/csr.go's CSR method,
// generalized to accept every key algorithm the engine supports and a
// caller-supplied CSR/key pair. PKCS#12 packaging is grounded on the pack's
// go.mod-level adoption of software.sslmate.com/src/go-pkcs12, the
// maintained fork of the archived golang.org/x/crypto/pkcs12.
package assembler

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/cpu/certify-engine/acme/engineerrors"
	"github.com/cpu/certify-engine/acme/issuercache"
	"github.com/cpu/certify-engine/acme/keys"
	"github.com/cpu/certify-engine/acme/resources"
)

// Config configures an Assembler.
type Config struct {
	// AssetsDir is the root output directory; the final file is written to
	// <AssetsDir>/<primary domain, '*'->'_'>/<certId>.pfx.
	AssetsDir string
	// IssuerCache supplies intermediates to patch an incomplete chain. May
	// be nil, in which case no patching is attempted.
	IssuerCache *issuercache.Cache
	Logger      *zap.Logger
}

// Assembler builds CSRs and packages finished certificate chains.
type Assembler struct {
	assetsDir string
	cache     *issuercache.Cache
	log       *zap.Logger
}

// New builds an Assembler from conf.
func New(conf Config) *Assembler {
	if conf.Logger == nil {
		conf.Logger = zap.NewNop()
	}
	return &Assembler{assetsDir: conf.AssetsDir, cache: conf.IssuerCache, log: conf.Logger}
}

// CSRRequest describes what CSR material to produce for an order's finalize
// step.
type CSRRequest struct {
	// CommonName is the CSR's subject common name; conventionally the
	// primary (first) identifier of the order.
	CommonName string
	// Names is the full Subject Alternative Name list, CommonName included.
	Names []string
	// KeyAlg selects the generated key's algorithm. Ignored if
	// CustomPrivateKeyPEM is set. Defaults to RS256.
	KeyAlg keys.KeyAlg
	// CustomCSRPEM, if set, is used verbatim instead of generating a CSR;
	// CommonName, Names, and KeyAlg are ignored.
	CustomCSRPEM []byte
	// CustomPrivateKeyPEM, if set, is parsed and used as the CSR's key
	// instead of generating a fresh one.
	CustomPrivateKeyPEM []byte
}

// BuildCSR produces the CsrMaterial for req: either a caller-supplied CSR
// taken as-is, or a freshly generated key (or caller-supplied key) and CSR
// built from req.CommonName/req.Names.
func (a *Assembler) BuildCSR(req CSRRequest) (*resources.CsrMaterial, error) {
	if len(req.CustomCSRPEM) > 0 {
		csr, err := csrFromPEM(req.CustomCSRPEM)
		if err != nil {
			return nil, err
		}
		if len(req.CustomPrivateKeyPEM) > 0 {
			key, err := keys.UnmarshalSignerPEM(req.CustomPrivateKeyPEM)
			if err != nil {
				return nil, engineerrors.New("assembler.build_csr", engineerrors.AssemblyFailure,
					fmt.Errorf("parsing custom private key: %w", err))
			}
			csr.PrivateKey = key
		}
		return csr, nil
	}

	if len(req.Names) == 0 {
		return nil, engineerrors.New("assembler.build_csr", engineerrors.AssemblyFailure,
			fmt.Errorf("no names specified"))
	}

	commonName := req.CommonName
	if commonName == "" {
		commonName = req.Names[0]
	}

	alg := req.KeyAlg
	if alg == "" {
		alg = keys.RS256
	}

	var privateKey crypto.Signer
	var err error
	if len(req.CustomPrivateKeyPEM) > 0 {
		privateKey, err = keys.UnmarshalSignerPEM(req.CustomPrivateKeyPEM)
		if err != nil {
			return nil, engineerrors.New("assembler.build_csr", engineerrors.AssemblyFailure,
				fmt.Errorf("parsing custom private key: %w", err))
		}
	} else {
		privateKey, err = keys.NewSignerForAlg(alg)
		if err != nil {
			return nil, engineerrors.New("assembler.build_csr", engineerrors.AssemblyFailure, err)
		}
	}

	template := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: req.Names,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &template, privateKey)
	if err != nil {
		return nil, engineerrors.New("assembler.build_csr", engineerrors.AssemblyFailure,
			fmt.Errorf("creating CSR: %w", err))
	}

	return &resources.CsrMaterial{KeyAlg: alg, PrivateKey: privateKey, DER: der}, nil
}

func csrFromPEM(pemCSR []byte) (*resources.CsrMaterial, error) {
	der, err := keys.PEMToDER(pemCSR, "CERTIFICATE REQUEST")
	if err != nil {
		return nil, engineerrors.New("assembler.build_csr", engineerrors.AssemblyFailure,
			fmt.Errorf("decoding caller-supplied CSR: %w", err))
	}
	if _, err := x509.ParseCertificateRequest(der); err != nil {
		return nil, engineerrors.New("assembler.build_csr", engineerrors.AssemblyFailure,
			fmt.Errorf("caller-supplied CSR did not parse: %w", err))
	}
	return &resources.CsrMaterial{DER: der}, nil
}

// AssembleRequest carries everything Assemble needs to package a downloaded
// chain.
type AssembleRequest struct {
	PrimaryDomain string
	Chain         [][]byte // leaf first, then intermediates as returned by the server
	CSR           *resources.CsrMaterial
	Password      string
}

// Assemble parses the downloaded chain, packages it with the CSR's private
// key into a password-protected PKCS#12 file at the deterministic output
// path, and returns the resulting artifact. With an issuer cache, the chain
// is first patched from the cache's current snapshot. If encoding fails, the
// issuer cache is refreshed and the packaging retried exactly once before
// the failure is surfaced.
func (a *Assembler) Assemble(req AssembleRequest) (*resources.CertificateArtifact, error) {
	if len(req.Chain) == 0 {
		return nil, engineerrors.New("assembler.assemble", engineerrors.AssemblyFailure,
			fmt.Errorf("empty certificate chain"))
	}

	leaf, err := x509.ParseCertificate(req.Chain[0])
	if err != nil {
		return nil, engineerrors.New("assembler.assemble", engineerrors.AssemblyFailure,
			fmt.Errorf("parsing leaf certificate: %w", err))
	}

	intermediates, err := parseChain(req.Chain[1:])
	if err != nil {
		return nil, engineerrors.New("assembler.assemble", engineerrors.AssemblyFailure, err)
	}

	certID := certificateID(leaf)
	friendlyName := fmt.Sprintf("%s [Certify] %s to %s", req.PrimaryDomain,
		leaf.NotBefore.Format("2006-01-02"), leaf.NotAfter.Format("2006-01-02"))

	if a.cache != nil {
		intermediates = patchChain(intermediates, leaf, a.cache)
	}

	pfxData, err := a.encode(req.CSR.PrivateKey, leaf, intermediates, req.Password)
	if err != nil {
		a.log.Warn("pkcs12 assembly failed, refreshing issuer cache and retrying once", zap.Error(err))
		if a.cache != nil {
			a.cache.Refresh()
			intermediates = patchChain(intermediates, leaf, a.cache)
		}
		pfxData, err = a.encode(req.CSR.PrivateKey, leaf, intermediates, req.Password)
		if err != nil {
			return nil, engineerrors.New("assembler.assemble", engineerrors.AssemblyFailure,
				fmt.Errorf("assembling PKCS#12 (check system clock and trust store): %w", err))
		}
	}

	outDir := filepath.Join(a.assetsDir, sanitizeDomain(req.PrimaryDomain))
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, engineerrors.New("assembler.assemble", engineerrors.AssemblyFailure,
			fmt.Errorf("creating output directory %q: %w", outDir, err))
	}
	outPath := filepath.Join(outDir, certID+".pfx")
	if err := os.WriteFile(outPath, pfxData, 0o600); err != nil {
		return nil, engineerrors.New("assembler.assemble", engineerrors.AssemblyFailure,
			fmt.Errorf("writing %q: %w", outPath, err))
	}

	chainDER := make([][]byte, 0, len(intermediates))
	for _, c := range intermediates {
		chainDER = append(chainDER, c.Raw)
	}

	a.log.Info("assembled certificate artifact", zap.String("path", outPath), zap.String("cert_id", certID))

	return &resources.CertificateArtifact{
		Leaf:         leaf,
		LeafDER:      req.Chain[0],
		Chain:        chainDER,
		CertID:       certID,
		PKCS12:       pfxData,
		FriendlyName: friendlyName,
		Path:         outPath,
	}, nil
}

func (a *Assembler) encode(key crypto.Signer, leaf *x509.Certificate, chain []*x509.Certificate, password string) ([]byte, error) {
	return pkcs12.Modern.Encode(key, leaf, chain, password)
}

func parseChain(der [][]byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(der))
	for i, d := range der {
		cert, err := x509.ParseCertificate(d)
		if err != nil {
			return nil, fmt.Errorf("parsing chain certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// patchChain appends any issuer-cache certificate matching the end of the
// known chain's issuer that is not already present, covering the common case
// of a server omitting a cross-signed root.
func patchChain(chain []*x509.Certificate, leaf *x509.Certificate, cache *issuercache.Cache) []*x509.Certificate {
	issuer := leaf.RawIssuer
	if len(chain) > 0 {
		issuer = chain[len(chain)-1].RawIssuer
	}
	for _, candidate := range cache.FindByIssuer(issuer) {
		if !containsCert(chain, candidate) {
			chain = append(chain, candidate)
		}
	}
	return chain
}

func containsCert(chain []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range chain {
		if string(c.Raw) == string(cert.Raw) {
			return true
		}
	}
	return false
}

// certificateID derives a YYYYMMDD_<8 hex> identifier from the leaf's expiry
// and serial number.
func certificateID(leaf *x509.Certificate) string {
	date := leaf.NotAfter.Format("20060102")
	serial := leaf.SerialNumber.Bytes()
	hexTail := hex.EncodeToString(serial)
	if len(hexTail) > 8 {
		hexTail = hexTail[len(hexTail)-8:]
	}
	for len(hexTail) < 8 {
		hexTail = "0" + hexTail
	}
	return fmt.Sprintf("%s_%s", date, hexTail)
}

func sanitizeDomain(domain string) string {
	return strings.ReplaceAll(domain, "*", "_")
}
