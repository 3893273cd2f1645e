// Package phone turns raw user-entered strings into canonical addressable
// identifiers (bare digit sequences with a country code).
package phone

import "strings"

// MinDigits is the shortest normalized value the dispatcher will attempt to
// deliver to. Anything shorter is an invalid-format recipient.
const MinDigits = 9

// Rule prefixes a country code when a bare local number of exactly
// LocalDigits digits is entered.
type Rule struct {
	LocalDigits int
	CountryCode string
}

// DefaultRules covers the deployment's home region: bare 9-digit numbers get
// the "51" country code. Other regions are added via configuration.
func DefaultRules() []Rule {
	return []Rule{{LocalDigits: 9, CountryCode: "51"}}
}

// Normalizer is a pure, deterministic normalizer. The zero value (no rules)
// only strips non-digits.
type Normalizer struct {
	rules []Rule
}

func NewNormalizer(rules []Rule) *Normalizer {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Normalizer{rules: append([]Rule(nil), rules...)}
}

// Normalize strips all non-digit characters and, when the remaining digit
// count exactly matches a rule's local length, prefixes that rule's country
// code. Idempotent for any rule table: a value shaped like some rule's output
// (country code followed by that rule's local length) passes through
// unchanged, so one rule's output can never trip another rule on a second
// pass.
func (n *Normalizer) Normalize(raw string) string {
	digits := stripNonDigits(raw)
	if n == nil || n.isPrefixed(digits) {
		return digits
	}
	for _, r := range n.rules {
		// First matching rule wins.
		if len(digits) == r.LocalDigits {
			return r.CountryCode + digits
		}
	}
	return digits
}

// isPrefixed reports whether digits already has the shape of a rule's output.
func (n *Normalizer) isPrefixed(digits string) bool {
	for _, r := range n.rules {
		if len(digits) == len(r.CountryCode)+r.LocalDigits && strings.HasPrefix(digits, r.CountryCode) {
			return true
		}
	}
	return false
}

// Valid reports whether a normalized value is long enough to attempt delivery.
func Valid(normalized string) bool {
	return len(normalized) >= MinDigits
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
