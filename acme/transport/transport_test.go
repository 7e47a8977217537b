package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/certify-engine/acme/keys"
	"github.com/cpu/certify-engine/acme/signer"
)

// fakeACMEServer answers the bare minimum an ACME client needs to build a
// Transport: a directory resource and newNonce HEAD requests, plus a
// configurable POST endpoint for exercising badNonce retry behavior.
type fakeACMEServer struct {
	*httptest.Server

	mu          sync.Mutex
	nonceSerial int
	badNonceHit bool
}

func newFakeACMEServer(t *testing.T) *fakeACMEServer {
	t.Helper()
	f := &fakeACMEServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("/dir", func(w http.ResponseWriter, r *http.Request) {
		dir := map[string]string{
			"newNonce":   f.URL + "/new-nonce",
			"newAccount": f.URL + "/new-acct",
			"newOrder":   f.URL + "/new-order",
			"revokeCert": f.URL + "/revoke-cert",
			"keyChange":  f.URL + "/key-change",
		}
		json.NewEncoder(w).Encode(dir)
	})

	mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.nonceSerial++
		w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", f.nonceSerial))
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/new-acct", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		firstHit := !f.badNonceHit
		f.badNonceHit = true
		f.mu.Unlock()

		if firstHit {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"type":   "urn:ietf:params:acme:error:badNonce",
				"detail": "nonce was already used",
			})
			return
		}

		w.Header().Set("Replay-Nonce", "nonce-after-retry")
		w.Header().Set("Location", f.URL+"/acct/1")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"status": "valid"})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func TestNewFetchesDirectoryAndPrimesNonce(t *testing.T) {
	srv := newFakeACMEServer(t)
	tr, err := New(context.Background(), Config{DirectoryURL: srv.URL + "/dir"})
	require.NoError(t, err)

	url, ok := tr.EndpointURL(context.Background(), "newAccount")
	require.True(t, ok)
	assert.Equal(t, srv.URL+"/new-acct", url)

	nonce, err := tr.Nonce()
	require.NoError(t, err)
	assert.NotEmpty(t, nonce)
}

func TestPostRetriesOnceOnBadNonce(t *testing.T) {
	srv := newFakeACMEServer(t)
	tr, err := New(context.Background(), Config{DirectoryURL: srv.URL + "/dir"})
	require.NoError(t, err)

	key, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)
	s := signer.New(key)

	acctURL, ok := tr.EndpointURL(context.Background(), "newAccount")
	require.True(t, ok)

	resp, err := tr.Post(context.Background(), acctURL, []byte(`{"termsOfServiceAgreed":true}`), SignOptions{
		Signer: s, EmbedKey: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Raw.StatusCode)
}

func TestEndpointURLMissingKeyReturnsFalse(t *testing.T) {
	srv := newFakeACMEServer(t)
	tr, err := New(context.Background(), Config{DirectoryURL: srv.URL + "/dir"})
	require.NoError(t, err)

	_, ok := tr.EndpointURL(context.Background(), "noSuchEndpoint")
	assert.False(t, ok)
}
