// Package naming generates pronounceable agent ids, e.g. "torvaldan".
// Names are random syllable runs rather than dictionary words, so they stay
// unique-looking without a registry.
package naming

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

var (
	consonants = []string{"b", "c", "d", "f", "g", "h", "j", "k", "l", "m", "n", "p", "q", "r", "s", "t", "v", "w", "x", "z"}
	vowels     = []string{"a", "e", "i", "o", "u"}
	codas      = []string{"", "n", "r", "l", "s", "m", "nd", "st", "rk", "ld"}
)

const (
	minLen = 8
	maxLen = 12
)

// ErrGenerationFailed is returned when no candidate fit the length bounds.
// With the current alphabets this is effectively unreachable.
var ErrGenerationFailed = errors.New("name generation failed")

func pick(options []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(options))))
	if err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return options[n.Int64()]
}

func syllable() string {
	return pick(consonants) + pick(vowels) + pick(codas)
}

// GenerateName returns a lowercase pronounceable name of 8 to 12 letters.
func GenerateName() (string, error) {
	counts := []string{"3", "4", "5"}
	for tries := 0; tries < 100; tries++ {
		n := int(pick(counts)[0] - '0')
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteString(syllable())
		}
		s := b.String()
		if len(s) > maxLen {
			s = s[:maxLen]
		}
		if len(s) >= minLen {
			return s, nil
		}
	}
	return "", ErrGenerationFailed
}
