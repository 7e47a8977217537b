package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cpu/certify-engine/acme/account"
	"github.com/cpu/certify-engine/acme/assembler"
	"github.com/cpu/certify-engine/acme/engineerrors"
	"github.com/cpu/certify-engine/acme/resources"
	"github.com/cpu/certify-engine/acme/responder"
	"github.com/cpu/certify-engine/acme/transport"
)

// stubResponder is a Responder that never touches the network, standing in
// for a production HTTP-01/DNS-01 backend in tests that only exercise the
// Orchestrator's state machine.
type stubResponder struct {
	mu        sync.Mutex
	published int
	cleaned   int
}

func (s *stubResponder) PublishHTTP01(ctx context.Context, domain, token, keyAuth string) (responder.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published++
	return "handle-" + token, nil
}

func (s *stubResponder) PublishDNS01(ctx context.Context, recordName, recordValue string, propagationDelay int) (responder.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published++
	return "handle-" + recordName, nil
}

func (s *stubResponder) Cleanup(ctx context.Context, handle responder.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned++
	return nil
}

func selfSigned(t *testing.T, commonName string, serial int64) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

// fakeOrderServer plays the part of the ACME server for a single order
// driven to completion: new-order, one HTTP-01 authorization/challenge, and
// finalize/download. Challenge validation is simulated synchronously: the
// first POST to the challenge URL flips the challenge, authorization, and
// order straight to their terminal "valid"/"ready" states, so the
// Orchestrator's polling loops succeed on their first attempt.
type fakeOrderServer struct {
	*httptest.Server

	mu              sync.Mutex
	orderStatus     string
	challStatus     string
	authzStatus     string
	challSubmitted  bool
	finalizeCalled  bool
	finalizePosts   int
	certPEM         []byte
}

func newFakeOrderServer(t *testing.T) *fakeOrderServer {
	t.Helper()
	f := &fakeOrderServer{orderStatus: "pending", challStatus: "pending", authzStatus: "pending"}

	leaf, _ := selfSigned(t, "example.com", 7)
	issuer, _ := selfSigned(t, "Test Issuing CA", 9)
	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})...)
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: issuer.Raw})...)
	f.certPEM = buf

	mux := http.NewServeMux()
	mux.HandleFunc("/dir", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"newNonce":   f.URL + "/new-nonce",
			"newAccount": f.URL + "/new-acct",
			"newOrder":   f.URL + "/new-order",
			"revokeCert": f.URL + "/revoke-cert",
			"keyChange":  f.URL + "/key-change",
		})
	})
	mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/new-acct", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce")
		w.Header().Set("Location", f.URL+"/acct/1")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"status": "valid"})
	})
	mux.HandleFunc("/new-order", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce")
		w.Header().Set("Location", f.URL+"/order/1")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "pending",
			"identifiers":    []map[string]string{{"type": "dns", "value": "example.com"}},
			"authorizations": []string{f.URL + "/authz/1"},
			"finalize":       f.URL + "/finalize/1",
		})
	})
	mux.HandleFunc("/order/1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.orderStatus
		finalized := f.finalizeCalled
		f.mu.Unlock()

		w.Header().Set("Replay-Nonce", "nonce")
		w.WriteHeader(http.StatusOK)
		body := map[string]any{
			"status":         status,
			"identifiers":    []map[string]string{{"type": "dns", "value": "example.com"}},
			"authorizations": []string{f.URL + "/authz/1"},
			"finalize":       f.URL + "/finalize/1",
		}
		if finalized {
			body["certificate"] = f.URL + "/cert/1"
		}
		json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/authz/1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.authzStatus
		challStatus := f.challStatus
		f.mu.Unlock()

		w.Header().Set("Replay-Nonce", "nonce")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":     status,
			"identifier": map[string]string{"type": "dns", "value": "example.com"},
			"wildcard":   false,
			"challenges": []map[string]any{
				{"type": "http-01", "url": f.URL + "/challenge/1", "token": "tok-1", "status": challStatus},
			},
		})
	})
	mux.HandleFunc("/challenge/1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		if !f.challSubmitted {
			f.challSubmitted = true
			f.challStatus = "valid"
			f.authzStatus = "valid"
			f.orderStatus = "ready"
		}
		status := f.challStatus
		f.mu.Unlock()

		w.Header().Set("Replay-Nonce", "nonce")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"type": "http-01", "url": f.URL + "/challenge/1", "token": "tok-1", "status": status,
		})
	})
	mux.HandleFunc("/finalize/1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.finalizeCalled = true
		f.finalizePosts++
		f.orderStatus = "valid"
		f.mu.Unlock()

		w.Header().Set("Replay-Nonce", "nonce")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "valid",
			"identifiers":    []map[string]string{{"type": "dns", "value": "example.com"}},
			"authorizations": []string{f.URL + "/authz/1"},
			"finalize":       f.URL + "/finalize/1",
			"certificate":    f.URL + "/cert/1",
		})
	})
	mux.HandleFunc("/cert/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce")
		w.Header().Set("Content-Type", "application/pem-certificate-chain")
		w.WriteHeader(http.StatusOK)
		w.Write(f.certPEM)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func newTestOrchestrator(t *testing.T, srv *fakeOrderServer, resp responder.Responder) *Orchestrator {
	t.Helper()
	tr, err := transport.New(context.Background(), transport.Config{DirectoryURL: srv.URL + "/dir"})
	require.NoError(t, err)

	acctMgr := account.New(tr, zaptest.NewLogger(t))
	_, err = acctMgr.Register(context.Background(), []string{"admin@example.com"}, nil)
	require.NoError(t, err)

	asm := assembler.New(assembler.Config{AssetsDir: t.TempDir(), Logger: zaptest.NewLogger(t)})

	return New(Config{
		Transport: tr,
		Account:   acctMgr,
		Responder: resp,
		Assembler: asm,
		Logger:    zaptest.NewLogger(t),
	})
}

func TestRunDrivesOrderThroughToCertificateArtifact(t *testing.T) {
	srv := newFakeOrderServer(t)
	resp := &stubResponder{}
	o := newTestOrchestrator(t, srv, resp)

	artifact, err := o.Run(context.Background(), OrderRequest{
		PrimaryDomain: "example.com",
		Password:      "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, "example.com", artifact.Leaf.Subject.CommonName)
	assert.NotEmpty(t, artifact.PKCS12)
	assert.FileExists(t, artifact.Path)

	assert.Equal(t, 1, resp.published)
	assert.Equal(t, 1, resp.cleaned)
}

func TestRunRejectsConcurrentDriveOfSameOrder(t *testing.T) {
	srv := newFakeOrderServer(t)
	o := newTestOrchestrator(t, srv, &stubResponder{})

	release, err := o.acquire(srv.URL + "/order/1")
	require.NoError(t, err)
	defer release()

	_, err = o.Run(context.Background(), OrderRequest{
		PrimaryDomain:  "example.com",
		OrderResumeURI: srv.URL + "/order/1",
	})
	assert.Error(t, err)
}

func TestRunResumesAlreadyValidOrderWithoutReFinalizing(t *testing.T) {
	srv := newFakeOrderServer(t)
	srv.mu.Lock()
	srv.orderStatus = "valid"
	srv.authzStatus = "valid"
	srv.challStatus = "valid"
	srv.challSubmitted = true
	srv.finalizeCalled = true
	srv.mu.Unlock()

	resp := &stubResponder{}
	o := newTestOrchestrator(t, srv, resp)

	artifact, err := o.Run(context.Background(), OrderRequest{
		PrimaryDomain:  "example.com",
		OrderResumeURI: srv.URL + "/order/1",
		Password:       "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, "example.com", artifact.Leaf.Subject.CommonName)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, 0, srv.finalizePosts, "resuming an already-valid order must not re-POST finalize")
}

func TestRunSurfacesRetryAfterFromRateLimitedNewOrder(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/dir", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"newNonce":   base + "/new-nonce",
			"newAccount": base + "/new-acct",
			"newOrder":   base + "/new-order",
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
		json.NewEncoder(w).Encode(map[string]any{"status": "valid"})
	})
	mux.HandleFunc("/new-order", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"urn:ietf:params:acme:error:rateLimited","detail":"too many new-order requests"}`))
	})
	srv := httptest.NewServer(mux)
	base = srv.URL
	t.Cleanup(srv.Close)

	tr, err := transport.New(context.Background(), transport.Config{DirectoryURL: srv.URL + "/dir"})
	require.NoError(t, err)
	acctMgr := account.New(tr, zaptest.NewLogger(t))
	_, err = acctMgr.Register(context.Background(), []string{"admin@example.com"}, nil)
	require.NoError(t, err)

	o := New(Config{
		Transport: tr,
		Account:   acctMgr,
		Responder: &stubResponder{},
		Assembler: assembler.New(assembler.Config{AssetsDir: t.TempDir(), Logger: zaptest.NewLogger(t)}),
		Logger:    zaptest.NewLogger(t),
	})

	_, err = o.Run(context.Background(), OrderRequest{PrimaryDomain: "example.com"})
	require.Error(t, err)

	var engErr *engineerrors.Error
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, engineerrors.RateLimited, engErr.Kind)
	assert.Equal(t, 30, engErr.RetryAfterSeconds)
}

func TestSelectChallengeSkipsHTTP01ForWildcard(t *testing.T) {
	srv := newFakeOrderServer(t)
	o := newTestOrchestrator(t, srv, &stubResponder{})

	authz := &resources.Authorization{
		ID:         srv.URL + "/authz/1",
		Identifier: resources.Identifier{Type: "dns", Value: "example.com"},
		Wildcard:   true,
		Challenges: []resources.Challenge{
			{Type: "http-01", URL: srv.URL + "/challenge/1", Token: "tok-1", Status: "pending"},
		},
	}

	_, err := o.selectChallenge(authz)
	assert.Error(t, err)
}
