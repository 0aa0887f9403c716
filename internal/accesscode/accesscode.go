// Package accesscode normalizes, formats and validates the short codes users
// share to grant access to a grid resource.
package accesscode

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	MinLen = 6
	MaxLen = 8
)

// alphabet omits characters that are easy to misread (0/O, 1/I/L).
const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Normalize strips everything that is not an ASCII letter or digit and
// upper-cases the rest.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			b.WriteByte(c - 'a' + 'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Format renders a code for display as XXX-XXXX. Input in any case and with
// any separators is accepted; Format(Format(x)) == Format(x).
func Format(s string) string {
	n := Normalize(s)
	if len(n) <= 3 {
		return n
	}
	return n[:3] + "-" + n[3:]
}

// Valid reports whether s normalizes to 6–8 alphanumerics.
func Valid(s string) bool {
	n := Normalize(s)
	return len(n) >= MinLen && len(n) <= MaxLen
}

// Generate returns a new random code of length n (clamped to 6–8) in
// normalized form.
func Generate(n int) (string, error) {
	if n < MinLen {
		n = MinLen
	}
	if n > MaxLen {
		n = MaxLen
	}
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[v.Int64()]
	}
	return string(out), nil
}
