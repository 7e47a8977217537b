// Package identifiers validates and normalizes the DNS identifiers that make
// up an Order, following RFC 8555's rules for wildcard prefixes and
// internationalized names.
package identifiers

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"github.com/cpu/certify-engine/acme/resources"
)

// Validate checks that name is a legal ACME DNS identifier value: non-empty,
// containing at most one wildcard label, and with the wildcard (if present)
// as a "*." prefix rather than embedded mid-label.
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("identifiers: identifier must not be empty")
	}
	if strings.Count(name, "*") > 1 {
		return fmt.Errorf("identifiers: %q has more than one wildcard character", name)
	}
	if strings.Contains(name, "*") && !strings.HasPrefix(name, "*.") {
		return fmt.Errorf("identifiers: %q wildcard must be a \"*.\" prefix", name)
	}
	return nil
}

// ToASCII converts name to its ASCII (punycode) form, leaving any "*."
// wildcard prefix untouched since idna does not accept a bare "*" label.
func ToASCII(name string) (string, error) {
	if err := Validate(name); err != nil {
		return "", err
	}

	wildcard := strings.HasPrefix(name, "*.")
	bare := strings.TrimPrefix(name, "*.")

	// idna.Lookup is used instead of idna.Registration because the engine is
	// only concerned with what a validating CA resolver would accept, not
	// with registrar-grade validation.
	ascii, err := idna.Lookup.ToASCII(bare)
	if err != nil {
		return "", fmt.Errorf("identifiers: %q is not a valid domain name: %w", name, err)
	}

	if wildcard {
		return "*." + ascii, nil
	}
	return ascii, nil
}

// Normalize validates, ASCII-normalizes, deduplicates, and reorders a
// caller-supplied list of domain names so that the first entry (the primary
// domain) appears first in the returned slice, followed by any remaining
// unique identifiers in their original relative order.
func Normalize(primary string, rest []string) ([]string, error) {
	primaryASCII, err := ToASCII(primary)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{primaryASCII: {}}
	out := []string{primaryASCII}

	for _, name := range rest {
		ascii, err := ToASCII(name)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ascii]; dup {
			continue
		}
		seen[ascii] = struct{}{}
		out = append(out, ascii)
	}

	return out, nil
}

// IsWildcard reports whether a normalized (ASCII) identifier carries a
// wildcard prefix.
func IsWildcard(name string) bool {
	return strings.HasPrefix(name, "*.")
}

// BareDomain strips a wildcard prefix from an identifier, returning the
// domain name a DNS-01 record would be published under.
func BareDomain(name string) string {
	return strings.TrimPrefix(name, "*.")
}

// ToOrderIdentifiers converts a normalized list of ASCII domain names into
// the resources.Identifier slice an Order request's body expects.
func ToOrderIdentifiers(names []string) []resources.Identifier {
	out := make([]resources.Identifier, 0, len(names))
	for _, name := range names {
		out = append(out, resources.Identifier{
			Type:  "dns",
			Value: name,
		})
	}
	return out
}
