// Package validation provides centralized input validation for node
// names, addresses and URLs.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool

	// ASCIIOnly rejects letters and digits outside ASCII.
	ASCIIOnly bool
}

// NodeNameRules returns the rules for node names. Node names end up in
// metric labels, database rows and checkpoint keys.
func NodeNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		ASCIIOnly:    true,
	}
}

// ValidateName validates a name according to the given rules. The first
// character must be a letter or digit.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if i == 0 && !isAlnum(r, rules) {
			return fmt.Errorf("name must start with a letter or digit")
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAlnum(r rune, rules NameRules) bool {
	if rules.ASCIIOnly && r > unicode.MaxASCII {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if isAlnum(r, rules) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateNodeName validates a node name with NodeNameRules.
func ValidateNodeName(name string) error {
	return ValidateName(name, NodeNameRules())
}

// =============================================================================
// Addresses
// =============================================================================

// IsHostPort reports whether s is host:port with a port in 1-65535 and
// does not look like a file path.
func IsHostPort(s string) bool {
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "~") {
		return false
	}
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p < 65536
}

// ValidateListenAddr checks a listen address. The host may be empty and
// the port may be 0.
func ValidateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// ValidateHTTPURL checks an absolute http or https URL.
func ValidateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}
