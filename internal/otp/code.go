package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"

	"github.com/wetoo/backend/internal/models"
)

// CodeGenerator produces the raw passcode handed to the delivery layer.
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomGenerator draws each symbol uniformly from the alphabet using crypto/rand.
// Symbols are runes, so non-ASCII alphabets yield valid UTF-8 codes.
type RandomGenerator struct {
	length   int
	alphabet []rune
}

func NewRandomGenerator(length int, alphabet string) (*RandomGenerator, error) {
	if length <= 0 {
		return nil, errors.New("otp: code length must be positive")
	}
	symbols := []rune(alphabet)
	if !utf8.ValidString(alphabet) || len(symbols) < 2 {
		return nil, errors.New("otp: alphabet must be valid UTF-8 with at least two symbols")
	}
	return &RandomGenerator{length: length, alphabet: symbols}, nil
}

func (g *RandomGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(g.alphabet)))
	out := make([]rune, g.length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("otp: read random: %w", err)
		}
		out[i] = g.alphabet[n.Int64()]
	}
	return string(out), nil
}

// CodeHasher computes HMAC-SHA256 digests of codes under a server-side secret.
// Only the digest is ever persisted.
type CodeHasher struct {
	secret []byte
}

func NewCodeHasher(secret string) (*CodeHasher, error) {
	if secret == "" {
		return nil, errors.New("otp: hash secret is empty")
	}
	return &CodeHasher{secret: []byte(secret)}, nil
}

// Hash binds the code to identity and purpose, so the same digits issued for
// another purpose never produce the same digest.
func (h *CodeHasher) Hash(identity string, purpose models.Purpose, code string) string {
	m := hmac.New(sha256.New, h.secret)
	_, _ = m.Write([]byte(identity))
	_, _ = m.Write([]byte{0})
	_, _ = m.Write([]byte(purpose))
	_, _ = m.Write([]byte{0})
	_, _ = m.Write([]byte(code))
	return hex.EncodeToString(m.Sum(nil))
}
