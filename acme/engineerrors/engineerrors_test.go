package engineerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesOnKindOnly(t *testing.T) {
	err := New("orchestrator.finalize", FinalizationTimeout, fmt.Errorf("boom"))
	assert.True(t, errors.Is(err, &Error{Kind: FinalizationTimeout}))
	assert.False(t, errors.Is(err, &Error{Kind: Transient}))
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := fmt.Errorf("network reset")
	err := New("transport.post", Transient, cause)
	assert.ErrorIs(t, err, cause)
}

func TestFromHTTPClassifiesKnownProblemTypes(t *testing.T) {
	body := []byte(`{"type":"urn:ietf:params:acme:error:rateLimited","detail":"too many requests"}`)
	err := FromHTTP("account.register", 429, body, 60)
	assert.Equal(t, RateLimited, err.Kind)
	assert.Equal(t, 60, err.RetryAfterSeconds)
	assert.Contains(t, err.Error(), "too many requests")
}

func TestFromHTTPFallsBackToTransientOnNonProblemBody(t *testing.T) {
	err := FromHTTP("transport.post", 500, []byte("internal error"), 0)
	assert.Equal(t, Transient, err.Kind)
}

func TestParseRetryAfterParsesSecondsAndDefaultsToZero(t *testing.T) {
	assert.Equal(t, 60, ParseRetryAfter("60"))
	assert.Equal(t, 0, ParseRetryAfter(""))
	assert.Equal(t, 0, ParseRetryAfter("not-a-number"))
}

func TestWithIdentifierAndProblem(t *testing.T) {
	err := New("orchestrator.solve", AuthorizationFailed, fmt.Errorf("invalid")).
		WithIdentifier("example.com").
		WithProblem(&Problem{Type: "x", Detail: "bad token"})
	assert.Equal(t, "example.com", err.Identifier)
	assert.Contains(t, err.Error(), "example.com")
	assert.Contains(t, err.Error(), "bad token")
}
