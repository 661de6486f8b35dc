// Package auth contains the domain types and logic for principal
// authentication and project allowlist policy.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// argon2idParams follows OWASP minimum parameters for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB (OWASP minimum: 46 MiB)
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeySHA256 returns the SHA-256 hex hash of a raw token.
func HashKeySHA256(rawToken string) string {
	h := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(h[:])
}

// HashKeyArgon2id returns an Argon2id hash of the raw token in PHC format.
func HashKeyArgon2id(rawToken string) (string, error) {
	return argon2id.CreateHash(rawToken, argon2idParams)
}

// Fingerprint returns the first 12 hex characters of the SHA-256 hash of a
// token. This is the only token-derived value that reaches audit records —
// long enough to correlate repeat calls from the same token, short enough
// to never be reversible into a usable credential.
func Fingerprint(rawToken string) string {
	full := HashKeySHA256(rawToken)
	return full[:12]
}

// DetectHashType identifies the hash algorithm used for a stored token hash.
// Returns "argon2id" for PHC format, "sha256" for a "sha256:"-prefixed or
// bare 64-character hex string, "plain" for anything else (dev/test configs
// that store tokens unhashed), never "unknown" for plain comparison paths.
func DetectHashType(stored string) string {
	if strings.HasPrefix(stored, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(stored, "sha256:") {
		return "sha256"
	}
	if len(stored) == 64 && isHexString(stored) {
		return "sha256"
	}
	return "plain"
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// VerifyToken verifies a raw token against a stored hash (or plain value).
// Supports Argon2id (PHC format), SHA-256 ("sha256:"-prefixed or bare hex),
// and plain-text comparison for dev configs. All non-Argon2id paths use a
// constant-time comparison.
func VerifyToken(rawToken, stored string) (bool, error) {
	switch DetectHashType(stored) {
	case "argon2id":
		return safeArgon2idCompare(rawToken, stored)
	case "sha256":
		expected := strings.TrimPrefix(stored, "sha256:")
		computed := HashKeySHA256(rawToken)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
	case "plain":
		return subtle.ConstantTimeCompare([]byte(rawToken), []byte(stored)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying library panics on malformed PHC parameters
// (t=0, p=0, ...); this converts that into a plain error.
func safeArgon2idCompare(rawToken, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawToken, stored)
}
