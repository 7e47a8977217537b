package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/cpu/certify-engine/acme/assembler"
	"github.com/cpu/certify-engine/acme/identifiers"
	"github.com/cpu/certify-engine/acme/keys"
	"github.com/cpu/certify-engine/acme/resources"
)

// OrderRequest describes one certificate order to run to completion. It
// mirrors the CLI/configuration surface named in §6: primary_domain,
// subject_alternative_names, csr_key_alg, custom_csr_pem, custom_private_
// key_pem, order_resume_uri. challenge_preferences and allow_invalid_tls are
// configured once on the Orchestrator/Transport rather than per-order, since
// both are process-wide policy in this implementation.
type OrderRequest struct {
	PrimaryDomain           string
	SubjectAlternativeNames []string
	CSRKeyAlg               keys.KeyAlg
	CustomCSRPEM            []byte
	CustomPrivateKeyPEM     []byte
	// OrderResumeURI, if set, resumes driving an existing order instead of
	// creating a new one.
	OrderResumeURI string
	// Password protects the resulting PKCS#12 artifact.
	Password string
}

// Run drives req's order through every state of §4.4's state machine:
// Draft/Created -> AuthorizationsPending -> AuthorizationsValid ->
// Finalizing -> Downloading -> Completed, returning the finished
// CertificateArtifact. Only one Run may drive a given order URI at a time;
// a concurrent attempt on the same OrderResumeURI fails immediately.
func (o *Orchestrator) Run(ctx context.Context, req OrderRequest) (*resources.CertificateArtifact, error) {
	if err := o.ensureFresh(ctx); err != nil {
		return nil, err
	}

	release, err := o.acquire(req.OrderResumeURI)
	if err != nil {
		return nil, err
	}
	defer release()

	names, err := identifiers.Normalize(req.PrimaryDomain, req.SubjectAlternativeNames)
	if err != nil {
		return nil, err
	}

	order, err := o.createOrResumeOrder(ctx, names, req.OrderResumeURI)
	if err != nil {
		return nil, err
	}
	o.log.Info("order active", zap.String("order", order.ID), zap.Strings("identifiers", names))

	for _, authzURI := range order.Authorizations {
		authz, err := o.fetchAuthorization(ctx, authzURI)
		if err != nil {
			return nil, err
		}
		if err := o.solveAuthorization(ctx, authz); err != nil {
			return nil, err
		}
	}

	return o.finalizeAndAssemble(ctx, order, names[0], assembler.CSRRequest{
		CommonName:          names[0],
		Names:               names,
		KeyAlg:              req.CSRKeyAlg,
		CustomCSRPEM:        req.CustomCSRPEM,
		CustomPrivateKeyPEM: req.CustomPrivateKeyPEM,
	}, req.Password)
}
