package models

import (
	"fmt"
	"strings"
)

// KeyPrefix represents the identity dimension of a rate limit key.
type KeyPrefix string

const (
	KeyPrefixIP      KeyPrefix = "ip"
	KeyPrefixSubject KeyPrefix = "sub"
)

// RateLimitKey is a value object encapsulating counter key construction.
// It centralizes key format and sanitization to prevent key collision attacks.
type RateLimitKey struct {
	prefix     KeyPrefix
	identifier string
	class      Class
}

// NewRateLimitKey creates a key for the (identityOrIP, class) counter.
func NewRateLimitKey(prefix KeyPrefix, identifier string, class Class) RateLimitKey {
	return RateLimitKey{
		prefix:     prefix,
		identifier: sanitizeKeySegment(identifier),
		class:      class,
	}
}

// KeyFor picks the identity dimension for a class: client IP for public
// traffic, subject id otherwise.
func KeyFor(class Class, subjectID, clientIP string) RateLimitKey {
	if class.KeyedByIP() {
		return NewRateLimitKey(KeyPrefixIP, clientIP, class)
	}
	return NewRateLimitKey(KeyPrefixSubject, subjectID, class)
}

// Class returns the class the key counts against.
func (k RateLimitKey) Class() Class {
	return k.class
}

// String returns the formatted key for storage lookup.
func (k RateLimitKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.prefix, k.identifier, k.class)
}

// sanitizeKeySegment escapes delimiter characters so identifiers containing ':'
// cannot address a neighbouring bucket.
//
// Escape rules (order matters):
//  1. '_' becomes '__'
//  2. ':' becomes '_c'
//
// "user:admin" → "user_cadmin", "user_admin" → "user__admin",
// "user_:admin" → "user___cadmin". Distinct inputs never collide.
func sanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "_", "__")
	s = strings.ReplaceAll(s, ":", "_c")
	return s
}
