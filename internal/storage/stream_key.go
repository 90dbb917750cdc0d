package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	streamKeySaltLength  = 16
	streamKeyHashLength  = 32
	streamKeyIterations  = 120000
	streamKeyTokenLength = 24
)

// generateStreamKey produces a fresh random stream key and its at-rest hash.
// The plaintext is returned to the caller exactly once, on creation or
// rotation, and never persisted.
func generateStreamKey() (plaintext, hash string, err error) {
	raw := make([]byte, streamKeyTokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate stream key: %w", err)
	}
	plaintext = hex.EncodeToString(raw)
	hash, err = hashStreamKey(plaintext)
	if err != nil {
		return "", "", err
	}
	return plaintext, hash, nil
}

func hashStreamKey(key string) (string, error) {
	salt := make([]byte, streamKeySaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, streamKeyIterations, streamKeyHashLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", streamKeyIterations, encodedSalt, encodedKey), nil
}

func verifyStreamKey(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify stream key: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify stream key: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify stream key: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify stream key: decode salt: %w", err)
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify stream key: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(stored), sha256.New)
	if len(derived) != len(stored) || subtle.ConstantTimeCompare(derived, stored) != 1 {
		return ErrStreamKeyMismatch
	}
	return nil
}
