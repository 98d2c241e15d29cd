/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "strings"

// KeyFunc builds a storage key for the given caller identifier.
// Service applies the configured length bound to whatever it returns.
type KeyFunc func(identifier string, alg Algorithm) (string, error)

// KeyGenerator builds deterministic storage keys of the form
// <prefix>:<algorithm>:<sanitized-identifier>. Embedding the algorithm name
// keeps records of different algorithms from colliding under one identifier.
type KeyGenerator struct {
	prefix    string
	maxLength int
}

// NewKeyGenerator creates a new KeyGenerator. An empty prefix falls back to
// DefaultKeyPrefix, a non-positive maxLength to DefaultMaxKeyLength.
func NewKeyGenerator(prefix string, maxLength int) *KeyGenerator {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxKeyLength
	}
	return &KeyGenerator{prefix: prefix, maxLength: maxLength}
}

// Generate derives the storage key for the identifier. The same identifier
// always yields the same key. An empty or whitespace-only identifier and a
// key exceeding the length bound produce a ValidationError; over-length keys
// are never truncated since truncation could make distinct identifiers share
// quota.
func (g *KeyGenerator) Generate(identifier string, alg Algorithm) (string, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return "", NewValidationError("identifier must not be empty")
	}
	key := g.prefix + ":" + string(alg) + ":" + sanitizeIdentifier(id)
	if len(key) > g.maxLength {
		return "", NewValidationError("generated key length %d exceeds the limit of %d characters", len(key), g.maxLength)
	}
	return key, nil
}

// sanitizeIdentifier maps the identifier onto the storage-safe alphabet
// [A-Za-z0-9._:-]. Every disallowed character becomes an underscore, runs of
// underscores collapse into one, and underscores are trimmed from both ends.
func sanitizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevUnderscore := false
	for _, r := range s {
		allowed := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '.' || r == '_' || r == ':' || r == '-'
		if !allowed {
			r = '_'
		}
		if r == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteRune(r)
	}
	res := strings.Trim(b.String(), "_")
	if res == "" {
		return "_"
	}
	return res
}
