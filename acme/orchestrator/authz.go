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
	"github.com/cpu/certify-engine/acme/responder"
	"github.com/cpu/certify-engine/acme/transport"
	"github.com/cpu/certify-engine/internal/pollutil"
)

type authzBody struct {
	Status     string               `json:"status"`
	Identifier resources.Identifier `json:"identifier"`
	Challenges []resources.Challenge `json:"challenges"`
	Expires    string               `json:"expires"`
	Wildcard   bool                 `json:"wildcard"`
}

// fetchAuthorization reads one Authorization resource (§4.4 step 2).
func (o *Orchestrator) fetchAuthorization(ctx context.Context, authzURI string) (*resources.Authorization, error) {
	acct := o.account.Active()
	resp, err := o.transport.FetchResource(ctx, authzURI, transport.SignOptions{
		Signer: o.account.Signer(), KeyID: acct.ID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return nil, engineerrors.FromHTTP("orchestrator.fetch_authz", resp.Raw.StatusCode, resp.Body,
			engineerrors.ParseRetryAfter(resp.Raw.Header.Get(acme.RetryAfterHeader)))
	}

	var ab authzBody
	if err := json.Unmarshal(resp.Body, &ab); err != nil {
		return nil, engineerrors.New("orchestrator.fetch_authz", engineerrors.Transient,
			fmt.Errorf("parsing authorization response: %w", err))
	}

	return &resources.Authorization{
		ID:         authzURI,
		Status:     ab.Status,
		Identifier: ab.Identifier,
		Challenges: ab.Challenges,
		Expires:    ab.Expires,
		Wildcard:   ab.Wildcard,
	}, nil
}

// selectChallenge picks the first challenge on authz whose type is both
// enabled (o.allowed) and permitted for the identifier (HTTP-01 is never
// valid for a wildcard authorization, per §3's invariants).
func (o *Orchestrator) selectChallenge(authz *resources.Authorization) (*resources.Challenge, error) {
	for i := range authz.Challenges {
		c := &authz.Challenges[i]
		ct := ChallengeType(c.Type)

		if ct == HTTP01 && authz.Wildcard {
			continue
		}
		if ct != HTTP01 && ct != DNS01 {
			continue
		}
		if !o.allowed[ct] {
			continue
		}
		return c, nil
	}
	return nil, engineerrors.New("orchestrator.select_challenge", engineerrors.AuthorizationFailed,
		fmt.Errorf("authorization %q has no usable challenge for identifier %q", authz.ID, authz.Identifier.Value)).
		WithIdentifier(authz.Identifier.Value)
}

// buildChallengeResponse constructs the typed publication artifact for
// chall: an HTTP01Response or a DNS01Response, chosen by chall.Type.
func (o *Orchestrator) buildChallengeResponse(authz *resources.Authorization, chall *resources.Challenge) (resources.ChallengeResponse, error) {
	s := o.account.Signer()

	switch ChallengeType(chall.Type) {
	case HTTP01:
		return resources.HTTP01Response{
			Domain: authz.Identifier.Value,
			Token:  chall.Token,
			Body:   s.KeyAuthorization(chall.Token),
		}, nil
	case DNS01:
		return resources.DNS01Response{
			RecordName:       "_acme-challenge." + identifiers.BareDomain(authz.Identifier.Value),
			Value:            s.DNSTxt(chall.Token),
			PropagationDelay: o.propDelay,
		}, nil
	default:
		return nil, engineerrors.New("orchestrator.prepare_challenge", engineerrors.AuthorizationFailed,
			fmt.Errorf("unsupported challenge type %q", chall.Type)).WithIdentifier(authz.Identifier.Value)
	}
}

// prepareChallengeResponse builds the publication artifact for chall and
// hands it to the Responder (§4.4 step 3), dispatching with a type switch on
// the artifact's concrete type; Kind() is only used in the error message.
func (o *Orchestrator) prepareChallengeResponse(ctx context.Context, authz *resources.Authorization, chall *resources.Challenge) (responder.Handle, error) {
	cr, err := o.buildChallengeResponse(authz, chall)
	if err != nil {
		return nil, err
	}

	var handle responder.Handle
	switch r := cr.(type) {
	case resources.HTTP01Response:
		handle, err = o.responder.PublishHTTP01(ctx, r.Domain, r.Token, r.Body)
	case resources.DNS01Response:
		handle, err = o.responder.PublishDNS01(ctx, r.RecordName, r.Value, r.PropagationDelay)
	default:
		return nil, engineerrors.New("orchestrator.prepare_challenge", engineerrors.AuthorizationFailed,
			fmt.Errorf("unsupported challenge response kind %q", cr.Kind())).WithIdentifier(authz.Identifier.Value)
	}
	if err != nil {
		return nil, engineerrors.New("orchestrator.prepare_challenge", engineerrors.Transient, err).
			WithIdentifier(authz.Identifier.Value)
	}
	return handle, nil
}

// submitValidation POSTs an empty object to the challenge URL to ask the
// server to attempt validation (§4.4 step 4).
func (o *Orchestrator) submitValidation(ctx context.Context, chall *resources.Challenge) error {
	acct := o.account.Active()
	resp, err := o.transport.Post(ctx, chall.URL, []byte("{}"), transport.SignOptions{
		Signer: o.account.Signer(), KeyID: acct.ID,
	})
	if err != nil {
		return err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return engineerrors.FromHTTP("orchestrator.submit_validation", resp.Raw.StatusCode, resp.Body,
			engineerrors.ParseRetryAfter(resp.Raw.Header.Get(acme.RetryAfterHeader)))
	}
	return nil
}

// fetchChallenge re-reads a single challenge resource, used to poll its
// status and to pull a problem detail after it goes invalid.
func (o *Orchestrator) fetchChallenge(ctx context.Context, challURL string) (*resources.Challenge, error) {
	acct := o.account.Active()
	resp, err := o.transport.FetchResource(ctx, challURL, transport.SignOptions{
		Signer: o.account.Signer(), KeyID: acct.ID,
	})
	if err != nil {
		return nil, err
	}
	if resp.Raw.StatusCode != http.StatusOK {
		return nil, engineerrors.FromHTTP("orchestrator.fetch_challenge", resp.Raw.StatusCode, resp.Body,
			engineerrors.ParseRetryAfter(resp.Raw.Header.Get(acme.RetryAfterHeader)))
	}

	var body struct {
		Type   string            `json:"type"`
		URL    string            `json:"url"`
		Token  string            `json:"token"`
		Status string            `json:"status"`
		Error  *engineerrors.Problem `json:"error,omitempty"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, engineerrors.New("orchestrator.fetch_challenge", engineerrors.Transient,
			fmt.Errorf("parsing challenge response: %w", err))
	}

	chall := &resources.Challenge{
		Type:   body.Type,
		URL:    challURL,
		Token:  body.Token,
		Status: body.Status,
	}
	if body.Error != nil {
		chall.Error = &resources.Problem{
			Type:   body.Error.Type,
			Detail: body.Error.Detail,
			Status: body.Error.Status,
		}
		for _, sp := range body.Error.Subproblems {
			chall.Error.Subproblems = append(chall.Error.Subproblems, resources.Subproblem{
				Type:       sp.Type,
				Detail:     sp.Detail,
				Identifier: resources.Identifier{Type: acme.IdentifierDNS},
			})
		}
	}
	return chall, nil
}

// pollChallenge waits for chall to leave "pending"/"processing", using the
// increasing-delay schedule from §4.4 step 4 (up to 10 attempts, delay
// 1000 + ((11-remaining)*500) ms).
func (o *Orchestrator) pollChallenge(ctx context.Context, chall *resources.Challenge) error {
	sched := pollutil.ChallengeSchedule()
	return pollutil.Poll(ctx, sched, func(ctx context.Context, attempt int) (bool, error) {
		fresh, err := o.fetchChallenge(ctx, chall.URL)
		if err != nil {
			return false, err
		}
		*chall = *fresh
		return chall.Status == acme.StatusValid || chall.Status == acme.StatusInvalid, nil
	})
}

// pollAuthorization waits for authz to become valid/invalid, up to 20
// attempts at 1s spacing (§4.4 step 4).
func (o *Orchestrator) pollAuthorization(ctx context.Context, authz *resources.Authorization) error {
	sched := pollutil.Constant(20, time.Second)
	return pollutil.Poll(ctx, sched, func(ctx context.Context, attempt int) (bool, error) {
		fresh, err := o.fetchAuthorization(ctx, authz.ID)
		if err != nil {
			return false, err
		}
		*authz = *fresh
		return authz.Status == acme.StatusValid || authz.Status == acme.StatusInvalid, nil
	})
}

// solveAuthorization drives one authorization through challenge selection,
// publication, validation submission, and polling, cleaning up the
// Responder's published artifact on every exit path.
func (o *Orchestrator) solveAuthorization(ctx context.Context, authz *resources.Authorization) error {
	if authz.Status == acme.StatusValid {
		return nil
	}

	chall, err := o.selectChallenge(authz)
	if err != nil {
		return err
	}

	handle, err := o.prepareChallengeResponse(ctx, authz, chall)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := o.responder.Cleanup(ctx, handle); cerr != nil {
			o.log.Warn("challenge responder cleanup failed", zap.String("identifier", authz.Identifier.Value), zap.Error(cerr))
		}
	}()

	if err := o.submitValidation(ctx, chall); err != nil {
		return err
	}

	if err := o.pollChallenge(ctx, chall); err != nil {
		if err == pollutil.ErrExhausted {
			return engineerrors.New("orchestrator.solve", engineerrors.AuthorizationFailed,
				fmt.Errorf("challenge %q never left pending", chall.URL)).WithIdentifier(authz.Identifier.Value)
		}
		return err
	}

	if err := o.pollAuthorization(ctx, authz); err != nil {
		if err == pollutil.ErrExhausted {
			return engineerrors.New("orchestrator.solve", engineerrors.AuthorizationFailed,
				fmt.Errorf("authorization %q never left pending", authz.ID)).WithIdentifier(authz.Identifier.Value)
		}
		return err
	}

	if authz.Status == acme.StatusInvalid {
		detail := ""
		var subs []engineerrors.Subproblem
		if fresh, ferr := o.fetchChallenge(ctx, chall.URL); ferr == nil && fresh.Error != nil {
			detail = fresh.Error.Detail
			for _, sp := range fresh.Error.Subproblems {
				subs = append(subs, engineerrors.Subproblem{Type: sp.Type, Detail: sp.Detail})
			}
		}
		return engineerrors.New("orchestrator.solve", engineerrors.AuthorizationFailed,
			fmt.Errorf("authorization %q is invalid: %s", authz.ID, detail)).
			WithIdentifier(authz.Identifier.Value).
			WithProblem(&engineerrors.Problem{Type: "authorization_invalid", Detail: detail, Subproblems: subs})
	}

	return nil
}
