package shortcode

import (
	"strings"
	"testing"
)

func TestGenerateLengthAndAlphabet(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		code := Generate()
		if len(code) != Length {
			t.Fatalf("expected %d characters, got %q", Length, code)
		}
		for _, r := range code {
			if !strings.ContainsRune(Alphabet, r) {
				t.Fatalf("character %q outside alphabet in %q", r, code)
			}
		}
	}
}

func TestAlphabetExcludesDelimiter(t *testing.T) {
	t.Parallel()

	// Trade numbers are underscore-delimited and embed generated codes.
	if strings.ContainsRune(Alphabet, '_') {
		t.Fatal("alphabet must not contain the trade number delimiter")
	}
}
