// Package identity defines the OdinId tenant identifier.
package identity

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// OdinId is a tenant's validated, lowercased, punycode-normalized domain
// name. The zero value is invalid; construct through New.
type OdinId string

// New validates and normalizes a domain name into an OdinId.
// Unicode labels are converted to their punycode form so two spellings of
// the same identity always compare equal.
func New(domain string) (OdinId, error) {
	d := strings.TrimSuffix(strings.TrimSpace(strings.ToLower(domain)), ".")
	if d == "" {
		return "", fmt.Errorf("odin id is empty")
	}

	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("invalid odin id %q: %w", domain, err)
	}
	if _, ok := dns.IsDomainName(ascii); !ok {
		return "", fmt.Errorf("invalid odin id %q: not a domain name", domain)
	}
	if !strings.Contains(ascii, ".") {
		return "", fmt.Errorf("invalid odin id %q: missing top-level label", domain)
	}
	return OdinId(ascii), nil
}

// MustNew is New for static identifiers in tests and fixtures.
func MustNew(domain string) OdinId {
	id, err := New(domain)
	if err != nil {
		panic(err)
	}
	return id
}

func (o OdinId) String() string { return string(o) }

// IsEmpty reports whether the id is unset.
func (o OdinId) IsEmpty() bool { return o == "" }
