// Package crypto implements one-time code generation and server-side code hashing.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Codes live for minutes, so these are lighter than password settings.
const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 19 * 1024 // 19 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	// SaltLen is the per-issue salt size.
	SaltLen = 16
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateCode returns a uniformly random decimal code of exactly digits digits,
// leading zeros included.
func GenerateCode(digits int) (string, error) {
	if digits < 1 || digits > 12 {
		return "", fmt.Errorf("code digits out of range: %d", digits)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// HashCode returns the Argon2id hash of code using salt.
func HashCode(code string, salt []byte) []byte {
	return argon2.IDKey([]byte(code), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyCode compares code against expected in constant time.
func VerifyCode(code string, salt, expected []byte) bool {
	if len(expected) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashCode(code, salt), expected) == 1
}
