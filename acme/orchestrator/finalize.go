package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cpu/certify-engine/acme"
	"github.com/cpu/certify-engine/acme/assembler"
	"github.com/cpu/certify-engine/acme/engineerrors"
	"github.com/cpu/certify-engine/acme/resources"
	"github.com/cpu/certify-engine/acme/transport"
	"github.com/cpu/certify-engine/internal/pollutil"
)

type finalizeRequest struct {
	CSR string `json:"csr"`
}

// finalizeOrder submits csr to order's finalize URL (§4.4 step 5). The order
// must already be "ready"; call pollReady first.
func (o *Orchestrator) finalizeOrder(ctx context.Context, order *resources.Order, csr *resources.CsrMaterial) error {
	acct := o.account.Active()

	body, err := json.Marshal(finalizeRequest{CSR: base64.RawURLEncoding.EncodeToString(csr.DER)})
	if err != nil {
		return engineerrors.New("orchestrator.finalize", engineerrors.Transient, err)
	}

	resp, err := o.transport.Post(ctx, order.Finalize, body, transport.SignOptions{
		Signer: o.account.Signer(), KeyID: acct.ID,
	})
	if err != nil {
		return err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return engineerrors.FromHTTP("orchestrator.finalize", resp.Raw.StatusCode, resp.Body,
			engineerrors.ParseRetryAfter(resp.Raw.Header.Get(acme.RetryAfterHeader)))
	}

	var ob orderBody
	if err := json.Unmarshal(resp.Body, &ob); err != nil {
		return engineerrors.New("orchestrator.finalize", engineerrors.Transient,
			fmt.Errorf("parsing finalize response: %w", err))
	}
	order.Status = ob.Status
	order.Certificate = ob.Certificate
	return nil
}

// pollFinalized waits for order to reach "valid" (or report "invalid"),
// reusing the same schedule as pollReady since RFC 8555 gives no separate
// guidance for the post-finalize wait.
func (o *Orchestrator) pollFinalized(ctx context.Context, order *resources.Order) error {
	if order.Status == acme.StatusValid {
		return nil
	}

	sched := pollutil.Constant(5, 2*time.Second)
	err := pollutil.Poll(ctx, sched, func(ctx context.Context, attempt int) (bool, error) {
		fresh, err := o.fetchOrder(ctx, order.ID)
		if err != nil {
			return false, err
		}
		*order = *fresh
		return order.Status == acme.StatusValid || order.Status == acme.StatusInvalid, nil
	})
	if err != nil && err != pollutil.ErrExhausted {
		return err
	}
	if err == pollutil.ErrExhausted {
		return engineerrors.New("orchestrator.finalize", engineerrors.FinalizationTimeout,
			fmt.Errorf("order %q never reached %q after finalize", order.ID, acme.StatusValid))
	}
	if order.Status == acme.StatusInvalid {
		return engineerrors.New("orchestrator.finalize", engineerrors.FinalizationTimeout,
			fmt.Errorf("order %q went invalid after finalize", order.ID))
	}
	return nil
}

// downloadChain fetches the certificate chain once order.Status is "valid"
// (§4.4 step 6). The chain is returned as a slice of DER-encoded
// certificates, leaf first.
func (o *Orchestrator) downloadChain(ctx context.Context, order *resources.Order) ([][]byte, error) {
	if order.Certificate == "" {
		return nil, engineerrors.New("orchestrator.download", engineerrors.Transient,
			fmt.Errorf("order %q has no certificate URL", order.ID))
	}

	acct := o.account.Active()
	resp, err := o.transport.FetchResource(ctx, order.Certificate, transport.SignOptions{
		Signer: o.account.Signer(), KeyID: acct.ID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return nil, engineerrors.FromHTTP("orchestrator.download", resp.Raw.StatusCode, resp.Body,
			engineerrors.ParseRetryAfter(resp.Raw.Header.Get(acme.RetryAfterHeader)))
	}

	return splitPEMChain(resp.Body)
}

// splitPEMChain decodes a concatenated PEM certificate chain (as returned by
// the certificate download endpoint, RFC 8555 §7.4.2) into its individual
// DER-encoded certificates, preserving server order (leaf first).
func splitPEMChain(body []byte) ([][]byte, error) {
	var der [][]byte
	rest := body
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		der = append(der, block.Bytes)
	}
	if len(der) == 0 {
		return nil, engineerrors.New("orchestrator.download", engineerrors.Transient,
			fmt.Errorf("no PEM certificates found in download response"))
	}
	return der, nil
}

// finalizeAndAssemble drives order through finalize and download, then hands the chain to
// the Assembler. It is the tail half of Run, split out for readability.
func (o *Orchestrator) finalizeAndAssemble(ctx context.Context, order *resources.Order, primaryDomain string, csrReq assembler.CSRRequest, password string) (*resources.CertificateArtifact, error) {
	csr, err := o.assembler.BuildCSR(csrReq)
	if err != nil {
		return nil, err
	}

	if order.Status != acme.StatusValid {
		if err := o.pollReady(ctx, order); err != nil {
			return nil, err
		}

		if err := o.finalizeOrder(ctx, order, csr); err != nil {
			return nil, err
		}

		if err := o.pollFinalized(ctx, order); err != nil {
			return nil, err
		}
	}

	chain, err := o.downloadChain(ctx, order)
	if err != nil {
		return nil, err
	}

	o.log.Info("order finalized", zap.String("order", order.ID), zap.Int("chain_length", len(chain)))

	return o.assembler.Assemble(assembler.AssembleRequest{
		PrimaryDomain: primaryDomain,
		Chain:         chain,
		CSR:           csr,
		Password:      password,
	})
}
