// The certify-engine command line tool drives the engine through a single
// certificate order end to end: register or restore an account, place an
// order, answer its challenges with an in-process HTTP-01/DNS-01 responder,
// finalize, download, and assemble a PKCS#12 artifact. It contains no
// business logic of its own; it exists to exercise the engine's full surface
// without a GUI, in the spirit of acmeshell's own cmd/acmeshell driving the
// shell instead of this one-shot order.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/cpu/certify-engine/acme/keys"
	"github.com/cpu/certify-engine/acme/orchestrator"
	"github.com/cpu/certify-engine/acme/resources"
	"github.com/cpu/certify-engine/acme/responder/httptest"
	"github.com/cpu/certify-engine/acme/transport"
	acmecmd "github.com/cpu/certify-engine/cmd"
	"github.com/cpu/certify-engine/engine"
	"github.com/cpu/certify-engine/storage"
)

const (
	directoryDefault = "https://acme-staging-v02.api.letsencrypt.org/directory"
	accountDefault   = "certify-engine.account.yaml"
	assetsDefault    = "certify-engine.assets"
	httpPortDefault  = 5002
	dnsPortDefault   = 5253
)

func main() {
	directory := flag.String("directory", directoryDefault, "Directory URL for ACME server")
	caCert := flag.String("ca", "", "CA certificate bundle for verifying the ACME server's HTTPS endpoint")
	insecure := flag.Bool("insecure", false, "Disable TLS certificate verification for the ACME server (dangerous, test CAs only)")

	accountPath := flag.String("account", accountDefault, "YAML filepath to save/restore the ACME account")
	legacyAccountPath := flag.String("legacyAccount", "", "Optional legacy acmeshell JSON account file to migrate on first run")
	contact := flag.String("contact", "", "Contact email address for a newly registered ACME account")

	assetsDir := flag.String("assets", assetsDefault, "Directory PKCS#12 artifacts are written to")

	domain := flag.String("domain", "", "Primary domain to request a certificate for (required)")
	sans := flag.String("san", "", "Comma separated Subject Alternative Names")
	keyAlg := flag.String("keyAlg", string(keys.RS256), "CSR key algorithm: RS256, ES256, ES384, or ES512")
	password := flag.String("password", "", "Password protecting the resulting PKCS#12 artifact")
	resumeURI := flag.String("resume", "", "Order URI to resume instead of creating a new order")

	challengePreferences := flag.String("challenges", "http-01,dns-01", "Comma separated challenge types the orchestrator may use")
	httpPort := flag.Int("httpPort", httpPortDefault, "Port the internal HTTP-01 challenge responder listens on")
	dnsPort := flag.Int("dnsPort", dnsPortDefault, "Port the internal DNS-01 challenge responder listens on")
	propagationDelay := flag.Int("propagationDelay", 0, "Seconds to wait after publishing a DNS-01 record before requesting validation")

	revokePath := flag.String("revoke", "", "Path to a previously assembled PKCS#12 or PEM certificate to revoke instead of issuing one")
	revokePEM := flag.Bool("revokePEM", false, "Treat -revoke's file as a raw PEM certificate instead of a PKCS#12 bundle")
	revokeReason := flag.Int("revokeReason", int(resources.Unspecified), "RFC 5280 CRL reason code to submit with -revoke")

	verbose := flag.Bool("v", false, "Enable verbose (debug level) logging")

	flag.Parse()

	log := buildLogger(*verbose)
	defer log.Sync() //nolint:errcheck

	if *revokePath == "" && *domain == "" {
		acmecmd.FailOnError(fmt.Errorf("one of -domain or -revoke is required"), "invalid arguments")
	}

	responderSrv, err := httptest.New(httptest.Config{
		HTTPOneAddrs: []string{fmt.Sprintf("0.0.0.0:%d", *httpPort)},
		DNSOneAddrs:  []string{fmt.Sprintf("0.0.0.0:%d", *dnsPort)},
	})
	acmecmd.FailOnError(err, "starting challenge responder")
	go acmecmd.CatchSignals(responderSrv.Shutdown)

	eng, err := engine.New(context.Background(), engine.Config{
		Transport: transportConfig(*directory, *caCert, *insecure),
		Responder: responderSrv,
		AssetsDir: *assetsDir,
		Storage:   storage.NewFileStore(*accountPath, *legacyAccountPath),
		ChallengePreferences: parseChallengePreferences(*challengePreferences),
		PropagationDelaySeconds: *propagationDelay,
		Logger:                  log,
	})
	acmecmd.FailOnError(err, "building engine")

	if _, err := eng.RestoreAccount(); err != nil {
		log.Info("no restorable account found, registering a new one", zap.Error(err))
		var contacts []string
		if *contact != "" {
			contacts = []string{*contact}
		}
		_, err := eng.RegisterAccount(context.Background(), contacts, nil)
		acmecmd.FailOnError(err, "registering account")
	}

	if *revokePath != "" {
		runRevoke(eng, *revokePath, *revokePEM, resources.RevocationReason(*revokeReason))
		return
	}

	runOrder(eng, orchestrator.OrderRequest{
		PrimaryDomain:           *domain,
		SubjectAlternativeNames: splitCommaList(*sans),
		CSRKeyAlg:               keys.KeyAlg(strings.ToUpper(*keyAlg)),
		OrderResumeURI:          *resumeURI,
		Password:                *password,
	})
}

func buildLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		// zap's own config failed to build; fall back rather than leave the
		// CLI without any logger at all.
		return zap.NewNop()
	}
	return log
}

func transportConfig(directoryURL, caCert string, insecure bool) transport.Config {
	return transport.Config{
		DirectoryURL:       directoryURL,
		CACertPath:         caCert,
		InsecureSkipVerify: insecure,
	}
}

func runOrder(eng *engine.Engine, req orchestrator.OrderRequest) {
	artifact, err := eng.RunOrder(context.Background(), req)
	acmecmd.FailOnError(err, "running order")
	fmt.Printf("issued certificate for %q: %s\n", req.PrimaryDomain, artifact.Path)
}

func runRevoke(eng *engine.Engine, path string, isPEM bool, reason resources.RevocationReason) {
	data, err := os.ReadFile(path)
	acmecmd.FailOnError(err, "reading certificate to revoke")

	var password string
	if !isPEM {
		fmt.Print("PKCS#12 password: ")
		fmt.Scanln(&password)
	}

	err = eng.Revoke(context.Background(), data, password, reason, isPEM)
	acmecmd.FailOnError(err, "revoking certificate")
	fmt.Printf("revoked certificate at %q\n", path)
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseChallengePreferences(s string) []orchestrator.ChallengeType {
	var out []orchestrator.ChallengeType
	for _, part := range splitCommaList(s) {
		out = append(out, orchestrator.ChallengeType(part))
	}
	return out
}
