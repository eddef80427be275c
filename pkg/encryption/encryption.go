// Package encryption derives the at-rest encryption key for the Badger store.
//
// BadgerDB encrypts its SST and value-log files with AES when it is given a
// key. Operators configure a passphrase instead of raw key material; this
// package turns the passphrase into a 32-byte AES-256 key with PBKDF2 and
// keeps the per-installation salt next to the data so the same passphrase
// opens the same store after a restart.
//
// Example:
//
//	salt, err := encryption.LoadOrCreateSalt("./data")
//	if err != nil {
//		return err
//	}
//	key := encryption.DeriveKey([]byte(passphrase), salt, 0)
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir:       "./data",
//		EncryptionKey: key,
//	})
package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is the PBKDF2 iteration count used when none is configured
// (OWASP 2023 recommendation for PBKDF2-HMAC-SHA256).
const DefaultIterations = 600000

// KeySize is the derived key length in bytes (AES-256).
const KeySize = 32

// SaltFile is the name of the salt file kept in the data directory.
const SaltFile = "encryption.salt"

// Errors
var (
	ErrEmptyPassphrase = errors.New("encryption: empty passphrase")
	ErrInvalidSalt     = errors.New("encryption: invalid salt")
)

// DeriveKey derives a 32-byte AES-256 key from a passphrase using
// PBKDF2-HMAC-SHA256.
//
// ELI12:
//
// Think of DeriveKey as a very slow blender. You put in your password and a
// pinch of salt and it blends them hundreds of thousands of times. The same
// ingredients always give the same smoothie, but someone guessing passwords
// has to run the slow blender for every single guess.
func DeriveKey(password, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New)
}

// GenerateSalt generates a cryptographically secure random 32-byte salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// LoadOrCreateSalt reads the hex salt stored in dataDir, creating it on first use.
func LoadOrCreateSalt(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, SaltFile)

	data, err := os.ReadFile(path)
	if err == nil {
		salt, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(salt) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSalt, path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing salt: %w", err)
	}
	return salt, nil
}

// KeyFromPassphrase derives the store key for dataDir. A non-empty salt
// overrides the salt file.
func KeyFromPassphrase(passphrase, salt, dataDir string, iterations int) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	var saltBytes []byte
	if salt != "" {
		saltBytes = []byte(salt)
	} else {
		var err error
		if saltBytes, err = LoadOrCreateSalt(dataDir); err != nil {
			return nil, err
		}
	}
	return DeriveKey([]byte(passphrase), saltBytes, iterations), nil
}

// HashKey returns a short SHA-256 fingerprint of key material, safe to log.
func HashKey(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])[:16]
}
