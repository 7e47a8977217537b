package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cpu/certify-engine/acme"
	"github.com/cpu/certify-engine/acme/engineerrors"
	"github.com/cpu/certify-engine/acme/identifiers"
	"github.com/cpu/certify-engine/acme/resources"
	"github.com/cpu/certify-engine/acme/transport"
	"github.com/cpu/certify-engine/internal/pollutil"
)

type newOrderRequest struct {
	Identifiers []resources.Identifier `json:"identifiers"`
}

type orderBody struct {
	Status         string                  `json:"status"`
	Identifiers     []resources.Identifier `json:"identifiers"`
	Authorizations []string                `json:"authorizations"`
	Finalize       string                  `json:"finalize"`
	Certificate    string                  `json:"certificate"`
}

// createOrResumeOrder implements §4.4 step 1: if resumeURI is non-empty the
// existing order is fetched via FetchResource; otherwise a new order is
// created, retrying up to 3 times with a 1s backoff on Transient errors only
// (RateLimited/AccountInvalid/UserActionRequired surface immediately).
func (o *Orchestrator) createOrResumeOrder(ctx context.Context, names []string, resumeURI string) (*resources.Order, error) {
	if resumeURI != "" {
		return o.fetchOrder(ctx, resumeURI)
	}

	orderIdentifiers := identifiers.ToOrderIdentifiers(names)

	var order *resources.Order
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		order, lastErr = o.submitNewOrder(ctx, orderIdentifiers)
		if lastErr == nil {
			return order, nil
		}

		var engErr *engineerrors.Error
		if !asEngineError(lastErr, &engErr) || engErr.Kind != engineerrors.Transient {
			return nil, lastErr
		}

		if attempt < 3 {
			o.log.Warn("retrying order creation after transient error", zap.Int("attempt", attempt), zap.Error(lastErr))
			timer := time.NewTimer(time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, lastErr
}

func asEngineError(err error, target **engineerrors.Error) bool {
	e, ok := err.(*engineerrors.Error)
	if !ok {
		return false
	}
	*target = e
	return true
}

func (o *Orchestrator) submitNewOrder(ctx context.Context, ids []resources.Identifier) (*resources.Order, error) {
	acct := o.account.Active()
	if acct == nil {
		return nil, engineerrors.New("orchestrator.create_order", engineerrors.AccountInvalid,
			fmt.Errorf("no active account"))
	}

	newOrderURL, ok := o.transport.EndpointURL(ctx, acme.NewOrderEndpoint)
	if !ok {
		return nil, engineerrors.New("orchestrator.create_order", engineerrors.Transient,
			fmt.Errorf("directory missing %q endpoint", acme.NewOrderEndpoint))
	}

	body, err := json.Marshal(newOrderRequest{Identifiers: ids})
	if err != nil {
		return nil, engineerrors.New("orchestrator.create_order", engineerrors.Transient, err)
	}

	resp, err := o.transport.Post(ctx, newOrderURL, body, transport.SignOptions{
		Signer: o.account.Signer(), KeyID: acct.ID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Raw.StatusCode != http.StatusCreated {
		return nil, engineerrors.FromHTTP("orchestrator.create_order", resp.Raw.StatusCode, resp.Body,
			engineerrors.ParseRetryAfter(resp.Raw.Header.Get(acme.RetryAfterHeader)))
	}

	loc := resp.Raw.Header.Get("Location")
	var ob orderBody
	if err := json.Unmarshal(resp.Body, &ob); err != nil {
		return nil, engineerrors.New("orchestrator.create_order", engineerrors.Transient,
			fmt.Errorf("parsing order response: %w", err))
	}

	return &resources.Order{
		ID:             loc,
		Status:         ob.Status,
		Identifiers:    ob.Identifiers,
		Account:        acct,
		Authorizations: ob.Authorizations,
		Finalize:       ob.Finalize,
		Certificate:    ob.Certificate,
	}, nil
}

// fetchOrder reads the current state of an order resource.
func (o *Orchestrator) fetchOrder(ctx context.Context, orderURI string) (*resources.Order, error) {
	acct := o.account.Active()
	if acct == nil {
		return nil, engineerrors.New("orchestrator.fetch_order", engineerrors.AccountInvalid,
			fmt.Errorf("no active account"))
	}

	resp, err := o.transport.FetchResource(ctx, orderURI, transport.SignOptions{
		Signer: o.account.Signer(), KeyID: acct.ID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return nil, engineerrors.FromHTTP("orchestrator.fetch_order", resp.Raw.StatusCode, resp.Body,
			engineerrors.ParseRetryAfter(resp.Raw.Header.Get(acme.RetryAfterHeader)))
	}

	var ob orderBody
	if err := json.Unmarshal(resp.Body, &ob); err != nil {
		return nil, engineerrors.New("orchestrator.fetch_order", engineerrors.Transient,
			fmt.Errorf("parsing order response: %w", err))
	}

	return &resources.Order{
		ID:             orderURI,
		Status:         ob.Status,
		Identifiers:    ob.Identifiers,
		Account:        acct,
		Authorizations: ob.Authorizations,
		Finalize:       ob.Finalize,
		Certificate:    ob.Certificate,
	}, nil
}

// pollReady waits for order to reach "ready", polling up to 5 times with 2s
// spacing (§4.4 step 5), refetching the order resource each attempt. An order
// that is already "valid" (a resumed, already-finalized order) is treated as
// ready too: there is no "ready" transition left to wait for.
func (o *Orchestrator) pollReady(ctx context.Context, order *resources.Order) error {
	if order.Status == acme.StatusReady || order.Status == acme.StatusValid {
		return nil
	}

	sched := pollutil.Constant(5, 2*time.Second)
	err := pollutil.Poll(ctx, sched, func(ctx context.Context, attempt int) (bool, error) {
		fresh, err := o.fetchOrder(ctx, order.ID)
		if err != nil {
			return false, err
		}
		*order = *fresh
		return order.Status == acme.StatusReady || order.Status == acme.StatusValid, nil
	})
	if err == pollutil.ErrExhausted {
		return engineerrors.New("orchestrator.finalize", engineerrors.FinalizationTimeout,
			fmt.Errorf("order %q never reached %q", order.ID, acme.StatusReady))
	}
	return err
}
