// Package acme provides ACME protocol constants shared across the engine.
package acme

const (
	// Directory endpoint keys, as found in the ACME server's directory
	// resource.
	// See https://datatracker.ietf.org/doc/html/rfc8555#section-7.1.1
	NewNonceEndpoint   = "newNonce"
	NewAccountEndpoint = "newAccount"
	NewOrderEndpoint   = "newOrder"
	RevokeCertEndpoint = "revokeCert"
	KeyChangeEndpoint  = "keyChange"

	// ReplayNonceHeader is the HTTP response header used by ACME to
	// communicate a fresh nonce.
	// See https://datatracker.ietf.org/doc/html/rfc8555#section-6.5.1
	ReplayNonceHeader = "Replay-Nonce"

	// RetryAfterHeader carries a hint for how long to wait before retrying
	// a rate limited request.
	RetryAfterHeader = "Retry-After"

	// JOSEContentType is the Content-Type used for all JWS-signed ACME
	// requests.
	JOSEContentType = "application/jose+json"
)

// Resource statuses, as defined by RFC 8555 section 7.1.6.
const (
	StatusPending      = "pending"
	StatusProcessing   = "processing"
	StatusValid        = "valid"
	StatusInvalid      = "invalid"
	StatusReady        = "ready"
	StatusDeactivated  = "deactivated"
	StatusRevoked      = "revoked"
	StatusExpired      = "expired"
	StatusDoesNotExist = "doesNotExist"
	StatusUnknown      = "unknown"
)

// Challenge type identifiers.
const (
	ChallengeHTTP01    = "http-01"
	ChallengeDNS01     = "dns-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

// IdentifierDNS is the only identifier type most ACME servers support.
const IdentifierDNS = "dns"

// Problem document type URNs, as registered in RFC 8555 section 6.7.
const (
	ProblemNS                  = "urn:ietf:params:acme:error:"
	ProblemBadNonce            = ProblemNS + "badNonce"
	ProblemRateLimited         = ProblemNS + "rateLimited"
	ProblemAccountDoesNotExist = ProblemNS + "accountDoesNotExist"
	ProblemUserActionRequired  = ProblemNS + "userActionRequired"
	ProblemUnauthorized        = ProblemNS + "unauthorized"
	ProblemMalformed           = ProblemNS + "malformed"
)
