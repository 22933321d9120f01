// Package code generates collision-resistant coupon codes.
package code

import (
	"crypto/rand"
	"fmt"
)

// Alphabet is the 32-symbol code alphabet. Visually confusable characters
// (0, O, I, 1) are excluded.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultLength is the code length used when the promotion does not
// override it.
const DefaultLength = 8

// Generator produces random coupon codes. It has no persistence awareness:
// the caller must check store-level uniqueness and retry on collision.
type Generator struct {
	length int
}

// NewGenerator creates a generator producing codes of the given length.
// A non-positive length falls back to DefaultLength.
func NewGenerator(length int) *Generator {
	if length <= 0 {
		length = DefaultLength
	}
	return &Generator{length: length}
}

// Length returns the configured code length.
func (g *Generator) Length() int {
	return g.length
}

// Generate returns a new random code from the alphabet using a
// cryptographically secure source.
func (g *Generator) Generate() (string, error) {
	return Generate(g.length)
}

// Generate returns a random code of length n drawn from Alphabet.
func Generate(n int) (string, error) {
	if n <= 0 {
		n = DefaultLength
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	// len(Alphabet) is 32, so masking the low five bits keeps the
	// distribution uniform.
	for i := range buf {
		buf[i] = Alphabet[buf[i]&0x1f]
	}
	return string(buf), nil
}
