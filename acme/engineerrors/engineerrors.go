// Package engineerrors defines the typed error hierarchy the engine
// surfaces to callers, replacing the scattered ad hoc fmt.Errorf values the
// ACME client this engine descends from used throughout.
package engineerrors

import (
	"encoding/json"
	"fmt"
)

func unmarshalProblem(body []byte, p *Problem) error {
	return json.Unmarshal(body, p)
}

// Kind classifies why an engine operation failed, so callers can branch on
// errors.As(err, &Error{}).Kind instead of string matching.
type Kind string

const (
	// Transient indicates a retry-eligible failure: a network error, a
	// timeout, or a badNonce that exceeded its local retry budget.
	Transient Kind = "transient"
	// RateLimited means the server asked the caller to stop and wait,
	// optionally with a Retry-After hint.
	RateLimited Kind = "rate_limited"
	// AccountInvalid covers key/URI mismatches and accounts that are
	// revoked, deactivated, or do not exist.
	AccountInvalid Kind = "account_invalid"
	// UserActionRequired signals a human must act (e.g. agree to updated
	// terms of service) before the operation can proceed.
	UserActionRequired Kind = "user_action_required"
	// AuthorizationFailed means a challenge or its owning authorization
	// reached the "invalid" status.
	AuthorizationFailed Kind = "authorization_failed"
	// FinalizationTimeout means an order never reached "ready"/"valid"
	// within its polling allowance.
	FinalizationTimeout Kind = "finalization_timeout"
	// AssemblyFailure covers CSR, key, or PKCS#12 packaging failures.
	AssemblyFailure Kind = "assembly_failure"
	// RevocationFailed means the server rejected or failed a revocation
	// request.
	RevocationFailed Kind = "revocation_failed"
)

// Problem mirrors an RFC 8555 problem document, optionally carrying
// subproblems for per-identifier detail.
type Problem struct {
	Type        string        `json:"type"`
	Detail      string        `json:"detail"`
	Status      int           `json:"status,omitempty"`
	Subproblems []Subproblem  `json:"subproblems,omitempty"`
}

// Subproblem is one entry of an RFC 8555 problem document's subproblems
// array, scoping a problem to a specific identifier.
type Subproblem struct {
	Type       string      `json:"type"`
	Detail     string      `json:"detail"`
	Identifier interface{} `json:"identifier,omitempty"`
}

// Error is the single sum-type error the engine returns. Every failure
// surfaced from the core components is wrapped in an Error so callers can
// branch on Kind without inspecting message text.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "orchestrator.finalize".
	Op string
	// Identifier is populated for AuthorizationFailed errors.
	Identifier string
	// RetryAfterSeconds is populated for RateLimited errors when the server
	// sent a Retry-After header.
	RetryAfterSeconds int
	// Problem holds the parsed ACME problem document, if one was returned.
	Problem *Problem
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Identifier != "" {
		msg = fmt.Sprintf("%s (identifier %q)", msg, e.Identifier)
	}
	if e.Problem != nil && e.Problem.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Problem.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, &Error{Kind: k}) to match any Error of the same
// Kind, regardless of the other fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error of the given Kind wrapping cause, tagged with the
// operation name op.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// WithProblem attaches a parsed ACME problem document to the Error.
func (e *Error) WithProblem(p *Problem) *Error {
	e.Problem = p
	return e
}

// WithIdentifier attaches the identifier an AuthorizationFailed error
// pertains to.
func (e *Error) WithIdentifier(id string) *Error {
	e.Identifier = id
	return e
}

// KindOf classifies a parsed ACME problem document's Type into one of the
// engine's error Kinds, falling back to Transient for unrecognized problem
// types (matching the Transport's "retry network-shaped errors" policy).
func KindOf(problemType string) Kind {
	switch problemType {
	case "urn:ietf:params:acme:error:rateLimited":
		return RateLimited
	case "urn:ietf:params:acme:error:accountDoesNotExist",
		"urn:ietf:params:acme:error:unauthorized":
		return AccountInvalid
	case "urn:ietf:params:acme:error:userActionRequired":
		return UserActionRequired
	default:
		return Transient
	}
}

// FromHTTP builds an Error for op from an ACME HTTP error response: it
// parses body as a problem document (falling back to a generic Transient
// error if body is not one), classifies the Kind from the problem's Type,
// and attaches any Retry-After hint and the raw status.
func FromHTTP(op string, status int, body []byte, retryAfterSeconds int) *Error {
	var p Problem
	if jsonErr := unmarshalProblem(body, &p); jsonErr != nil || p.Type == "" {
		return &Error{
			Op:   op,
			Kind: Transient,
			Err:  fmt.Errorf("unexpected HTTP status %d", status),
		}
	}
	p.Status = status

	kind := KindOf(p.Type)
	e := &Error{Op: op, Kind: kind, Problem: &p}
	if kind == RateLimited {
		e.RetryAfterSeconds = retryAfterSeconds
	}
	return e
}

// ParseRetryAfter parses an RFC 8555 §6.7 Retry-After header value (a bare
// integer count of seconds; the only form ACME servers send) into a second
// count, returning 0 if v is empty or not a valid integer.
func ParseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	var seconds int
	fmt.Sscanf(v, "%d", &seconds)
	return seconds
}
