package code

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	t.Run("LengthAndAlphabet", func(t *testing.T) {
		gen := NewGenerator(8)

		for i := 0; i < 200; i++ {
			c, err := gen.Generate()
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if len(c) != 8 {
				t.Fatalf("expected length 8, got %d (%q)", len(c), c)
			}
			for _, r := range c {
				if !strings.ContainsRune(Alphabet, r) {
					t.Fatalf("code %q contains %q outside the alphabet", c, r)
				}
			}
		}
	})

	t.Run("NoConfusableSymbols", func(t *testing.T) {
		for _, banned := range "0OI1" {
			if strings.ContainsRune(Alphabet, banned) {
				t.Errorf("alphabet contains confusable symbol %q", banned)
			}
		}
		if len(Alphabet) != 32 {
			t.Errorf("expected 32-symbol alphabet, got %d", len(Alphabet))
		}
	})

	t.Run("DefaultLength", func(t *testing.T) {
		gen := NewGenerator(0)
		c, err := gen.Generate()
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if len(c) != DefaultLength {
			t.Errorf("expected default length %d, got %d", DefaultLength, len(c))
		}
	})

	t.Run("Distinct", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			c, err := Generate(10)
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if seen[c] {
				t.Fatalf("collision after %d codes: %q", i, c)
			}
			seen[c] = true
		}
	})
}
