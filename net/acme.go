// Package net provides the low-level authenticated HTTPS client the
// transport package builds its ACME operations on top of: CA trust
// configuration, default User-Agent, and structured request/response
// logging.
package net

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

const (
	version          = "0.1.0"
	userAgentBase    = "certify-engine"
	defaultLocale    = "en-us"
)

// Config configures a Client's transport-level HTTP behavior.
type Config struct {
	// CACertPath is an optional file path to one or more PEM encoded CA
	// certificates to trust for HTTPS requests to the ACME server. If empty
	// the system roots are used.
	CACertPath string
	// UserAgent, if set, overrides the default "certify-engine <version>
	// (GOOS; GOARCH)" User-Agent string.
	UserAgent string
	// InsecureSkipVerify disables TLS certificate validation. It is scoped
	// to the Client built from this Config, never a package global (see
	// §9 DESIGN NOTES: "Thread-static callback for TLS validation"). Setting
	// this is dangerous and intended only for talking to a local test CA
	// without a CA bundle on hand.
	InsecureSkipVerify bool
	// Logger receives structured debug logs of every request/response pair.
	// A nil Logger is treated as zap.NewNop().
	Logger *zap.Logger
}

func (c *Config) normalize() {
	c.CACertPath = strings.TrimSpace(c.CACertPath)
	c.UserAgent = strings.TrimSpace(c.UserAgent)
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Client is a small HTTPS client tailored for ACME: it attaches a
// User-Agent, optionally pins CA trust roots, and logs every request and
// response at debug level.
type Client struct {
	httpClient *http.Client
	userAgent  string
	log        *zap.Logger
}

// New builds a Client from conf. If conf.CACertPath is empty the system's
// default trust roots are used.
func New(conf Config) (*Client, error) {
	conf.normalize()

	tlsConfig := &tls.Config{
		InsecureSkipVerify: conf.InsecureSkipVerify, //nolint:gosec // opt-in, logged loudly below
	}

	if conf.CACertPath != "" {
		pemBundle, err := os.ReadFile(conf.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("net: reading CA bundle %q: %w", conf.CACertPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBundle) {
			return nil, fmt.Errorf("net: no PEM certificates found in %q", conf.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	ua := conf.UserAgent
	if ua == "" {
		ua = fmt.Sprintf("%s %s (%s; %s)", userAgentBase, version, runtime.GOOS, runtime.GOARCH)
	}

	if conf.InsecureSkipVerify {
		conf.Logger.Warn("TLS certificate verification disabled for this transport; never use this against a production ACME server")
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
		userAgent: ua,
		log:       conf.Logger,
	}, nil
}

// Response is the result of a round trip: the raw response plus its fully
// read body.
type Response struct {
	Raw  *http.Response
	Body []byte
}

// Do executes req, attaching the Client's User-Agent and Accept-Language,
// logging the exchange, and reading the full response body.
func (c *Client) Do(req *http.Request) (*Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", defaultLocale)

	c.log.Debug("sending HTTP request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("net: reading response body: %w", err)
	}

	c.log.Debug("received HTTP response",
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(body)),
	)

	return &Response{Raw: resp, Body: body}, nil
}

// Head issues an HTTP HEAD request to url.
func (c *Client) Head(url string) (*Response, error) {
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Get issues an HTTP GET request to url.
func (c *Client) Get(url string) (*Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues an HTTP POST request to url with body, setting the
// "application/jose+json" Content-Type ACME requires for every signed
// request.
func (c *Client) Post(url string, body []byte) (*Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/jose+json")
	return c.Do(req)
}
