package net

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDoAttachesUserAgentAndAcceptLanguage(t *testing.T) {
	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	_, err = c.Get(srv.URL)
	require.NoError(t, err)
	assert.Contains(t, gotUA, "certify-engine")
	assert.Equal(t, "en-us", gotLang)
}

func TestPostSetsJOSEContentType(t *testing.T) {
	var gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{})
	require.NoError(t, err)

	_, err = c.Post(srv.URL, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "application/jose+json", gotCT)
}

func TestHeadIssuesHeadRequest(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Header().Set("Replay-Nonce", "abc")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{})
	require.NoError(t, err)

	resp, err := c.Head(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.MethodHead, gotMethod)
	assert.Equal(t, "abc", resp.Raw.Header.Get("Replay-Nonce"))
}

func TestNewWithCACertPathTrustsTestServer(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bundlePath := filepath.Join(t.TempDir(), "ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(bundlePath, pemBytes, 0o644))

	c, err := New(Config{CACertPath: bundlePath})
	require.NoError(t, err)

	_, err = c.Get(srv.URL)
	assert.NoError(t, err)
}

func TestNewWithoutCACertPathRejectsUntrustedTestServer(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{})
	require.NoError(t, err)

	_, err = c.Get(srv.URL)
	assert.Error(t, err)
}

func TestNewInsecureSkipVerifyBypassesValidation(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{InsecureSkipVerify: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	_, err = c.Get(srv.URL)
	assert.NoError(t, err)
}

func TestNewRejectsUnreadableCACertPath(t *testing.T) {
	_, err := New(Config{CACertPath: filepath.Join(t.TempDir(), "does-not-exist.pem")})
	assert.Error(t, err)
}
