// Package smtp holds wire-level primitives shared by the SMTP engine and the
// rest of the core: address/path parsing, reply codes and enhanced status
// codes, and the DATA dot-stuffing codec.
package smtp

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

var ErrBadAddress = errors.New("malformed email address")

// Localpart is the part of an address before the "@". Comparisons against
// stored users are case-sensitive here; case-folding is a repository
// concern (most backends fold to lower-case on insert).
type Localpart string

// Domain is a lower-case, non-IDNA-decoded domain name as used on the wire.
// ASCII holds the punycode form used for comparisons; Unicode, if set, is
// the decoded form for display/logging.
type Domain struct {
	ASCII   string
	Unicode string
}

func (d Domain) String() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

func (d Domain) IsZero() bool { return d.ASCII == "" }

// ParseDomain parses and lower-cases a domain, converting to ASCII/punycode
// when it contains non-ASCII characters, the way the teacher's dns.Domain
// parsing does for SMTP/IMAP addresses.
func ParseDomain(s string) (Domain, error) {
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	if s == "" {
		return Domain{}, ErrBadAddress
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, err
	}
	d := Domain{ASCII: ascii}
	if ascii != s {
		d.Unicode = s
	}
	return d, nil
}

// Path is an SMTP forward/reverse path, as used in MAIL FROM / RCPT TO.
type Path struct {
	Localpart Localpart
	Domain    Domain
}

func (p Path) IsZero() bool { return p.Localpart == "" && p.Domain.IsZero() }

func (p Path) String() string {
	if p.IsZero() {
		return ""
	}
	return string(p.Localpart) + "@" + p.Domain.ASCII
}

// ParsePath parses an address with angle brackets already stripped, e.g.
// "user@example.com". A bare "postmaster" with no "@" is accepted, per
// RFC 5321's postmaster exception.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "postmaster") {
		return Path{Localpart: "postmaster"}, nil
	}
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return Path{}, ErrBadAddress
	}
	lp, domain := s[:i], s[i+1:]
	d, err := ParseDomain(domain)
	if err != nil {
		return Path{}, err
	}
	return Path{Localpart: Localpart(lp), Domain: d}, nil
}

// StripAngleBrackets removes a single matching pair of "<" ">" around s, and
// any SMTP parameters following the closing bracket (e.g. "SIZE=1234").
func StripAngleBrackets(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return s
	}
	end := strings.Index(s, ">")
	if end < 0 {
		return strings.TrimPrefix(s, "<")
	}
	return s[1:end]
}
