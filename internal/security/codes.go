package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const digits = "0123456789"

// GenerateNumericCode returns a uniformly random decimal code of the given length.
func GenerateNumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length %d", length)
	}

	code := make([]byte, length)
	charsetLen := big.NewInt(int64(len(digits)))
	for i := range code {
		n, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		code[i] = digits[n.Int64()]
	}
	return string(code), nil
}

// HashCode returns the hex sha256 of a one-time code scoped to its card, so
// equal codes issued to different cards never share a hash.
func HashCode(cardID, code string) string {
	sum := sha256.Sum256([]byte(cardID + ":" + code))
	return hex.EncodeToString(sum[:])
}

// Last4 returns the trailing four characters of s.
func Last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

// MaskSecret keeps only the last four characters of a secret.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + Last4(s)
}
