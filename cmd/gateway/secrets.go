package main

import (
	"crypto/subtle"
	"strings"
)

// normalizeSecret trims whitespace, strips one layer of surrounding quotes,
// and removes embedded newlines. Secrets pasted into environment files and
// CI variables routinely pick up all three.
func normalizeSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.TrimSpace(s)
}

// secretEqual compares a supplied credential against the configured secret
// in constant time after normalization. An empty configured secret never
// matches anything.
func secretEqual(supplied, expected string) bool {
	a := normalizeSecret(supplied)
	b := normalizeSecret(expected)
	if b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
