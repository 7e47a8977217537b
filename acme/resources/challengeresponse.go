package resources

// ChallengeResponseKind distinguishes the two challenge response shapes the
// engine publishes, replacing the runtime type assertions the original
// shell's solve command used to switch on a Challenge's Type string (see
// §9 DESIGN NOTES: "Polymorphism over challenge types").
type ChallengeResponseKind string

const (
	KindHTTP01 ChallengeResponseKind = "http-01"
	KindDNS01  ChallengeResponseKind = "dns-01"
)

// ChallengeResponse is the external publication artifact the Orchestrator
// hands to a Responder implementation. Exactly one of HTTP01/DNS01 is
// populated, selected by Kind.
type ChallengeResponse interface {
	Kind() ChallengeResponseKind
}

// HTTP01Response is the file the Responder must serve at
// http://<domain>/.well-known/acme-challenge/<Token>.
type HTTP01Response struct {
	Domain string
	Token  string
	Body   string
}

func (HTTP01Response) Kind() ChallengeResponseKind { return KindHTTP01 }

// DNS01Response is the TXT record the Responder must publish.
type DNS01Response struct {
	// RecordName is "_acme-challenge.<domain>" with any wildcard prefix
	// already stripped from domain.
	RecordName string
	// Value is base64url(SHA-256(token + "." + thumbprint)).
	Value string
	// PropagationDelay is the caller-supplied delay to wait for DNS
	// propagation before the engine requests validation; authoritative over
	// any default the Responder implementation might apply (§9 Open
	// Questions).
	PropagationDelay int
}

func (DNS01Response) Kind() ChallengeResponseKind { return KindDNS01 }
