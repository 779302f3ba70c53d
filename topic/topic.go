// Package topic compiles parametric topic templates into concrete
// publish topics and subscribe filters, and recovers token values from
// observed topics.
//
// A template is an immutable string of '/'-separated segments where a
// segment of the form {name} is a named token. Tokens are resolved from
// layered token maps: durable replacements fixed at channel
// construction and transient values supplied per call, with transient
// values winning. Every token referenced by a template must resolve at
// compile time; an unresolved token is a configuration error, never a
// runtime surprise.
package topic

import (
	"fmt"
	"strings"

	"github.com/c360/meshrpc/errors"
)

// Topic dialect used throughout the substrate. Transport bridges for
// brokers with a different dialect translate at their boundary.
const (
	Separator      = "/"
	SingleWildcard = "+"
	MultiWildcard  = "#"
)

// TokenMap maps token names to resolved values.
type TokenMap map[string]string

// Merge layers token maps left to right; later maps win. The result is
// a fresh map; inputs are never mutated.
func Merge(maps ...TokenMap) TokenMap {
	out := make(TokenMap)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

type segment struct {
	literal string
	token   string // non-empty when this segment is a {token}
}

// Template is a parsed, immutable topic template.
type Template struct {
	raw      string
	segments []segment
	tokens   []string
}

// Parse validates and parses a topic template.
func Parse(template string) (*Template, error) {
	if template == "" {
		return nil, errors.Validation(
			fmt.Errorf("empty template: %w", errors.ErrInvalidTopic),
			"Template", "Parse", "check template")
	}
	if strings.HasPrefix(template, Separator) || strings.HasSuffix(template, Separator) {
		return nil, errors.Validation(
			fmt.Errorf("template %q must not start or end with %q: %w",
				template, Separator, errors.ErrInvalidTopic),
			"Template", "Parse", "check template")
	}

	parts := strings.Split(template, Separator)
	t := &Template{raw: template, segments: make([]segment, 0, len(parts))}
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" || strings.ContainsAny(name, "{}"+Separator) {
				return nil, errors.Validation(
					fmt.Errorf("bad token segment %q: %w", part, errors.ErrInvalidTopic),
					"Template", "Parse", "check token")
			}
			t.segments = append(t.segments, segment{token: name})
			t.tokens = append(t.tokens, name)
		case part == "":
			return nil, errors.Validation(
				fmt.Errorf("empty segment in %q: %w", template, errors.ErrInvalidTopic),
				"Template", "Parse", "check segment")
		case strings.ContainsAny(part, "{}"):
			return nil, errors.Validation(
				fmt.Errorf("stray brace in segment %q: %w", part, errors.ErrInvalidTopic),
				"Template", "Parse", "check segment")
		case part == SingleWildcard || part == MultiWildcard:
			return nil, errors.Validation(
				fmt.Errorf("wildcard %q not allowed in template: %w", part, errors.ErrInvalidTopic),
				"Template", "Parse", "check segment")
		default:
			t.segments = append(t.segments, segment{literal: part})
		}
	}
	return t, nil
}

// MustParse is Parse for static templates; it panics on error.
func MustParse(template string) *Template {
	t, err := Parse(template)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the raw template.
func (t *Template) String() string { return t.raw }

// Tokens returns the token names in template order.
func (t *Template) Tokens() []string {
	out := make([]string, len(t.tokens))
	copy(out, t.tokens)
	return out
}

// Compile resolves every token from the layered maps (later maps win)
// and returns the concrete topic. Any unresolved token or
// transport-illegal token value fails compilation.
func (t *Template) Compile(layers ...TokenMap) (string, error) {
	parts := make([]string, 0, len(t.segments))
	for _, seg := range t.segments {
		if seg.token == "" {
			parts = append(parts, seg.literal)
			continue
		}
		value, ok := resolve(seg.token, layers)
		if !ok {
			return "", errors.Validation(
				fmt.Errorf("token %q in %q: %w", seg.token, t.raw, errors.ErrUnresolvedToken),
				"Template", "Compile", "resolve token")
		}
		if err := ValidateTokenValue(value); err != nil {
			return "", errors.Validation(
				fmt.Errorf("token %q: %w", seg.token, err),
				"Template", "Compile", "validate token value")
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, Separator), nil
}

// CompileFilter resolves what it can and substitutes a single-level
// wildcard for every unresolved token, producing a subscribe filter.
func (t *Template) CompileFilter(layers ...TokenMap) (string, error) {
	parts := make([]string, 0, len(t.segments))
	for _, seg := range t.segments {
		if seg.token == "" {
			parts = append(parts, seg.literal)
			continue
		}
		value, ok := resolve(seg.token, layers)
		if !ok {
			parts = append(parts, SingleWildcard)
			continue
		}
		if err := ValidateTokenValue(value); err != nil {
			return "", errors.Validation(
				fmt.Errorf("token %q: %w", seg.token, err),
				"Template", "CompileFilter", "validate token value")
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, Separator), nil
}

// Extract recovers token values positionally from an observed topic.
// A segment-count or literal mismatch returns (nil, false): the topic
// does not belong to this template, which is not an error.
func (t *Template) Extract(observed string) (TokenMap, bool) {
	parts := strings.Split(observed, Separator)
	if len(parts) != len(t.segments) {
		return nil, false
	}
	out := make(TokenMap, len(t.tokens))
	for i, seg := range t.segments {
		if seg.token != "" {
			out[seg.token] = parts[i]
			continue
		}
		if parts[i] != seg.literal {
			return nil, false
		}
	}
	return out, true
}

// resolve looks a token up across layers, later layers winning.
func resolve(name string, layers []TokenMap) (string, bool) {
	for i := len(layers) - 1; i >= 0; i-- {
		if v, ok := layers[i][name]; ok {
			return v, true
		}
	}
	return "", false
}

// ValidateTokenValue rejects token values the transport cannot carry in
// a single topic level: empty strings, the separator, wildcard
// characters, and non-printable bytes.
func ValidateTokenValue(value string) error {
	if value == "" {
		return fmt.Errorf("empty token value: %w", errors.ErrInvalidTopic)
	}
	if strings.ContainsAny(value, Separator+SingleWildcard+MultiWildcard) {
		return fmt.Errorf("token value %q contains reserved topic characters: %w",
			value, errors.ErrInvalidTopic)
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("token value contains non-printable character %#x: %w",
				r, errors.ErrInvalidTopic)
		}
	}
	return nil
}

// ValidTopic reports whether s is a well-formed concrete topic: no
// empty segments, no wildcards, no braces, no non-printable bytes.
func ValidTopic(s string) bool {
	if s == "" || strings.HasPrefix(s, Separator) || strings.HasSuffix(s, Separator) {
		return false
	}
	for _, part := range strings.Split(s, Separator) {
		if part == "" || strings.ContainsAny(part, "{}"+SingleWildcard+MultiWildcard) {
			return false
		}
		for _, r := range part {
			if r < 0x20 || r == 0x7f {
				return false
			}
		}
	}
	return true
}

// MatchFilter reports whether a concrete topic matches a subscribe
// filter in the package dialect: '+' matches exactly one level, a
// trailing '#' matches any remainder.
func MatchFilter(filter, concrete string) bool {
	fparts := strings.Split(filter, Separator)
	cparts := strings.Split(concrete, Separator)
	for i, fp := range fparts {
		if fp == MultiWildcard {
			return i == len(fparts)-1
		}
		if i >= len(cparts) {
			return false
		}
		if fp != SingleWildcard && fp != cparts[i] {
			return false
		}
	}
	return len(fparts) == len(cparts)
}
