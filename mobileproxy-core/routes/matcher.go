package routes

import (
	"fmt"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// Input is what a route matcher sees of a request.
type Input struct {
	Scheme string
	Host   string
	Port   uint16
}

// Matcher decides whether a route applies to a request.
type Matcher interface {
	Match(input Input) bool
	String() string
}

// MatchAll matches every request.
type MatchAll struct{}

func (MatchAll) Match(Input) bool { return true }
func (MatchAll) String() string   { return "all" }

// MatchScheme matches requests of one scheme.
type MatchScheme struct {
	Scheme string
}

func (m MatchScheme) Match(input Input) bool {
	return strings.EqualFold(input.Scheme, m.Scheme)
}

func (m MatchScheme) String() string {
	return "scheme=" + m.Scheme
}

// MatchPort matches requests to one destination port.
type MatchPort struct {
	Port uint16
}

func (m MatchPort) Match(input Input) bool {
	return input.Port == m.Port
}

func (m MatchPort) String() string {
	return fmt.Sprintf("port=%d", m.Port)
}

// MatchDomains matches a host equal to one of the listed domains or, with
// IncludeSubdomains, any name below them.
type MatchDomains struct {
	trie              *ahocorasick.Trie
	domains           []string
	includeSubdomains bool
}

// NewMatchDomains builds an Aho-Corasick matcher over domains.
func NewMatchDomains(domains []string, includeSubdomains bool) *MatchDomains {
	normalized := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			normalized = append(normalized, d)
		}
	}
	m := &MatchDomains{domains: normalized, includeSubdomains: includeSubdomains}
	if len(normalized) > 0 {
		m.trie = ahocorasick.NewTrieBuilder().AddStrings(normalized).Build()
	}
	return m
}

func (m *MatchDomains) Match(input Input) bool {
	if m.trie == nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(input.Host), ".")
	for _, match := range m.trie.MatchString(host) {
		domain := m.domains[match.Pattern()]
		if host == domain {
			return true
		}
		if m.includeSubdomains && strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func (m *MatchDomains) String() string {
	return fmt.Sprintf("domains(%d)", len(m.domains))
}

// MatchAnd matches when every matcher matches.
type MatchAnd struct {
	Matchers []Matcher
}

func (m MatchAnd) Match(input Input) bool {
	for _, matcher := range m.Matchers {
		if !matcher.Match(input) {
			return false
		}
	}
	return true
}

func (m MatchAnd) String() string {
	return "and(" + joinMatchers(m.Matchers) + ")"
}

// MatchOr matches when any matcher matches.
type MatchOr struct {
	Matchers []Matcher
}

func (m MatchOr) Match(input Input) bool {
	for _, matcher := range m.Matchers {
		if matcher.Match(input) {
			return true
		}
	}
	return false
}

func (m MatchOr) String() string {
	return "or(" + joinMatchers(m.Matchers) + ")"
}

// MatchNot inverts a matcher.
type MatchNot struct {
	Matcher Matcher
}

func (m MatchNot) Match(input Input) bool {
	return !m.Matcher.Match(input)
}

func (m MatchNot) String() string {
	return "not(" + m.Matcher.String() + ")"
}

func joinMatchers(matchers []Matcher) string {
	parts := make([]string, len(matchers))
	for i, m := range matchers {
		parts[i] = m.String()
	}
	return strings.Join(parts, ",")
}
