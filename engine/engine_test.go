package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cpu/certify-engine/acme/keys"
	"github.com/cpu/certify-engine/acme/responder"
	"github.com/cpu/certify-engine/acme/transport"
	"github.com/cpu/certify-engine/storage"
)

func transportConfigFor(srv *httptest.Server) transport.Config {
	return transport.Config{DirectoryURL: srv.URL + "/dir"}
}

type noopResponder struct{}

func (noopResponder) PublishHTTP01(ctx context.Context, domain, token, keyAuth string) (responder.Handle, error) {
	return "h", nil
}
func (noopResponder) PublishDNS01(ctx context.Context, recordName, recordValue string, propagationDelay int) (responder.Handle, error) {
	return "h", nil
}
func (noopResponder) Cleanup(ctx context.Context, handle responder.Handle) error { return nil }

func newFakeDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/dir", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"newNonce":   base + "/new-nonce",
			"newAccount": base + "/new-acct",
			"newOrder":   base + "/new-order",
			"revokeCert": base + "/revoke-cert",
			"keyChange":  base + "/key-change",
		})
	})
	mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/new-acct", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce")
		w.Header().Set("Location", base+"/acct/1")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"status": "valid", "contact": []string{"mailto:admin@example.com"}})
	})
	srv := httptest.NewServer(mux)
	base = srv.URL
	t.Cleanup(srv.Close)
	return srv
}

type memStorage struct {
	settings *storage.Settings
}

func (m *memStorage) Load() (*storage.Settings, error) {
	if m.settings == nil {
		return nil, assertNotFound{}
	}
	return m.settings, nil
}
func (m *memStorage) Save(s *storage.Settings) error {
	m.settings = s
	return nil
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }

func newTestEngine(t *testing.T, srv *httptest.Server, store storage.Storage) *Engine {
	t.Helper()
	e, err := New(context.Background(), Config{
		Transport: transportConfigFor(srv),
		Responder: noopResponder{},
		AssetsDir: t.TempDir(),
		Storage:   store,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return e
}

func TestNewRequiresResponderAndAssetsDir(t *testing.T) {
	srv := newFakeDirectoryServer(t)

	_, err := New(context.Background(), Config{Transport: transportConfigFor(srv), AssetsDir: t.TempDir()})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Transport: transportConfigFor(srv), Responder: noopResponder{}})
	assert.Error(t, err)
}

func TestRegisterAccountPersistsAndRestoreAdoptsIt(t *testing.T) {
	srv := newFakeDirectoryServer(t)
	store := &memStorage{}
	e := newTestEngine(t, srv, store)

	acct, err := e.RegisterAccount(context.Background(), []string{"admin@example.com"}, nil)
	require.NoError(t, err)
	assert.Same(t, acct, e.Account())
	require.NotNil(t, store.settings)
	assert.Equal(t, "admin@example.com", store.settings.AccountEmail)

	e2 := newTestEngine(t, srv, store)
	restored, err := e2.RestoreAccount()
	require.NoError(t, err)
	assert.Equal(t, acct.ID, restored.ID)
	assert.Equal(t, acct.Contact, restored.Contact)
	assert.Equal(t, acct.Signer.Public(), restored.Signer.Public())
}

func TestRestoreAccountWithoutStorageFails(t *testing.T) {
	srv := newFakeDirectoryServer(t)
	e := newTestEngine(t, srv, nil)

	_, err := e.RestoreAccount()
	assert.Error(t, err)
}

func TestRegisterAccountWithCustomKey(t *testing.T) {
	srv := newFakeDirectoryServer(t)
	e := newTestEngine(t, srv, nil)

	key, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	acct, err := e.RegisterAccount(context.Background(), nil, key)
	require.NoError(t, err)
	assert.Equal(t, key.Public(), acct.Signer.Public())
}
