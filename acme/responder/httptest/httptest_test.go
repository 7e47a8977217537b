package httptest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripACMEChallengePrefix(t *testing.T) {
	assert.Equal(t, "example.com", stripACMEChallengePrefix("_acme-challenge.example.com"))
	assert.Equal(t, "example.com", stripACMEChallengePrefix("_acme-challenge.example.com."))
	assert.Equal(t, "example.com", stripACMEChallengePrefix("example.com"))
}

func TestPublishHTTP01ServesKeyAuthorizationAndCleansUp(t *testing.T) {
	const port = 18452
	srv, err := New(Config{HTTPOneAddrs: []string{fmt.Sprintf("127.0.0.1:%d", port)}})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	handle, err := srv.PublishHTTP01(context.Background(), "example.com", "token-xyz", "token-xyz.thumbprint")
	require.NoError(t, err)

	url := fmt.Sprintf("http://127.0.0.1:%d/.well-known/acme-challenge/token-xyz", port)
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "token-xyz.thumbprint", string(body))

	require.NoError(t, srv.Cleanup(context.Background(), handle))

	resp2, err := http.Get(url)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp2.StatusCode)
}

func TestCleanupRejectsUnrecognizedHandle(t *testing.T) {
	srv, err := New(Config{HTTPOneAddrs: []string{"127.0.0.1:18453"}})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	err = srv.Cleanup(context.Background(), "not-a-handle")
	assert.Error(t, err)
}
