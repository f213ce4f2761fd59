// Package auth provides password hashing and verification for the
// userPassword attribute.
//
// Supported stored formats:
//   - {BCRYPT}base64(bcrypt-hash), produced by HashPassword
//   - {SSHA}base64(sha1(password+salt) || salt), legacy, verify-only
//   - plaintext, legacy fallback, compared in constant time
package auth

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	prefixBcrypt = "{BCRYPT}"
	prefixSSHA   = "{SSHA}"

	// DefaultCost is the bcrypt work factor for new hashes.
	DefaultCost = 12
)

// IsHashed reports whether a stored value is already in a recognized hashed
// form. Hashing is idempotent: callers skip values for which this returns
// true, so reloading a file never re-hashes already-secure values.
func IsHashed(value string) bool {
	if !strings.HasPrefix(value, "{") {
		return false
	}
	end := strings.IndexByte(value, '}')
	return end > 1
}

// HashPassword hashes a plaintext password with bcrypt at DefaultCost and
// returns it in {BCRYPT} form.
func HashPassword(plain string) (string, error) {
	return HashPasswordCost(plain, DefaultCost)
}

// HashPasswordCost hashes with an explicit bcrypt cost.
func HashPasswordCost(plain string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return prefixBcrypt + base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyPassword checks a plaintext password against a stored value in any
// supported format. Any malformed stored value verifies as false rather
// than returning an error; authentication failures must not distinguish
// "bad password" from "bad stored hash".
func VerifyPassword(plain, stored string) bool {
	switch {
	case strings.HasPrefix(stored, prefixBcrypt):
		return verifyBcrypt(plain, stored[len(prefixBcrypt):])
	case strings.HasPrefix(stored, prefixSSHA):
		return verifySSHA(plain, stored[len(prefixSSHA):])
	default:
		return subtle.ConstantTimeCompare([]byte(plain), []byte(stored)) == 1
	}
}

func verifyBcrypt(plain, encoded string) bool {
	hash, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(plain)) == nil
}

// verifySSHA checks a salted SHA-1 hash: the decoded payload is the 20-byte
// digest of password+salt followed by the salt.
func verifySSHA(plain, encoded string) bool {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(payload) <= sha1.Size {
		return false
	}
	digest := payload[:sha1.Size]
	salt := payload[sha1.Size:]

	h := sha1.New()
	h.Write([]byte(plain))
	h.Write(salt)
	computed := h.Sum(nil)

	return subtle.ConstantTimeCompare(digest, computed) == 1
}
