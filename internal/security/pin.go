// Package security holds PIN hashing, one-time code generation, secret
// masking and the audit trail.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	saltLength  = 16
	argonTime   = 1
	argonMemory = 64 * 1024
	argonThread = 4
	argonKeyLen = 32
)

// HashPIN hashes a PIN with argon2id. The result is base64(salt || hash).
func HashPIN(pin string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hashPINWithSalt(pin, salt), nil
}

func hashPINWithSalt(pin string, salt []byte) string {
	hash := argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThread, argonKeyLen)

	result := make([]byte, len(salt)+len(hash))
	copy(result, salt)
	copy(result[len(salt):], hash)

	return base64.StdEncoding.EncodeToString(result)
}

// VerifyPIN checks pin against a HashPIN result in constant time.
func VerifyPIN(pin, hashedPIN string) (bool, error) {
	decoded, err := base64.StdEncoding.DecodeString(hashedPIN)
	if err != nil {
		return false, fmt.Errorf("invalid PIN hash format: %w", err)
	}

	if len(decoded) <= saltLength {
		return false, errors.New("PIN hash too short")
	}

	salt := decoded[:saltLength]
	storedHash := decoded[saltLength:]
	inputHash := argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThread, uint32(len(storedHash)))

	return subtle.ConstantTimeCompare(inputHash, storedHash) == 1, nil
}
