// Package identity resolves kiosk visitors to customers and verifies phone ownership by SMS.
package identity

import (
	"crypto/sha1" //nolint:gosec // key derivation only, not a security boundary
	"encoding/hex"
	"strings"
	"unicode"
)

// NormalizePhone strips formatting. Ten digits get the North American 1 prefix and
// numbers longer than eleven digits lose leading zeros.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10:
		return "1" + digits
	case len(digits) > 11:
		return strings.TrimLeft(digits, "0")
	default:
		return digits
	}
}

// SamePhone compares two inputs after normalization. Empty never matches.
func SamePhone(a, b string) bool {
	na, nb := NormalizePhone(a), NormalizePhone(b)
	return na != "" && na == nb
}

// PhoneHash is the log- and key-safe form of a normalized phone.
func PhoneHash(normalized string) string {
	sum := sha1.Sum([]byte(normalized)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// MaskPhone keeps the last four digits.
func MaskPhone(phone string) string {
	n := NormalizePhone(phone)
	if len(n) <= 4 {
		return strings.Repeat("*", len(n))
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}

// AnonymizeName keeps the first name and the initial of every following word.
func AnonymizeName(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return ""
	}
	out := []string{parts[0]}
	for _, p := range parts[1:] {
		r := []rune(p)
		out = append(out, string(unicode.ToUpper(r[0]))+".")
	}
	return strings.Join(out, " ")
}
