package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// saltSize matches the digest size so the stored salt carries as much
// entropy as the hash it protects.
const saltSize = sha256.Size

// HashPassword returns a "<hex salt>$<hex digest>" string suitable for
// storage. The digest is salted SHA-256 from the standard library; no
// password-hashing library (bcrypt, argon2, scrypt) is a dependency.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	digest := digest(salt, password)
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(digest), nil
}

// VerifyPassword reports whether password matches the stored hash,
// comparing digests in constant time.
func VerifyPassword(stored, password string) bool {
	saltHex, digestHex, ok := splitHash(stored)
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}
	got := digest(salt, password)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func digest(salt []byte, password string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))
	return h.Sum(nil)
}

func splitHash(stored string) (salt, digest string, ok bool) {
	for i := 0; i < len(stored); i++ {
		if stored[i] == '$' {
			return stored[:i], stored[i+1:], true
		}
	}
	return "", "", false
}
