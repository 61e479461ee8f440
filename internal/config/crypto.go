package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Values produced by Encrypt carry this prefix so the settings store can
// tell sealed ciphertext apart from a key that was stored in plain.
const encPrefix = "enc:"

// SecretKey seals the platform API key for storage in the settings row.
// The AEAD is constructed once at startup so bad key material fails
// there rather than on first use.
type SecretKey struct {
	aead cipher.AEAD
}

func NewSecretKey() (*SecretKey, error) {
	material, err := keyMaterial()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &SecretKey{aead: aead}, nil
}

// keyMaterial derives 32 key bytes from CRUCIBLE_SECRET_KEY when set,
// otherwise from a random key persisted under ~/.crucible so stored
// settings survive restarts.
func keyMaterial() ([]byte, error) {
	if passphrase := os.Getenv("CRUCIBLE_SECRET_KEY"); passphrase != "" {
		sum := sha256.Sum256([]byte(passphrase))
		return sum[:], nil
	}
	return persistentKey()
}

func persistentKey() ([]byte, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	path := filepath.Join(home, ".crucible", "secret.key")

	if existing, err := os.ReadFile(path); err == nil {
		if len(existing) < 32 {
			return nil, fmt.Errorf("key file %s is truncated", path)
		}
		return existing[:32], nil
	}

	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, fresh, 0600); err != nil {
		return nil, fmt.Errorf("persist key: %w", err)
	}
	return fresh, nil
}

// Encrypt seals plaintext under a fresh nonce and returns
// enc:<base64(nonce||ciphertext)>.
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without the enc:
// prefix pass through untouched so keys stored before encryption was
// introduced keep working.
func (s *SecretKey) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(value[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(sealed) < s.aead.NonceSize() {
		return "", errors.New("ciphertext shorter than nonce")
	}

	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}

// MaskSecret hides all but the last four characters, enough for a user
// to recognize which key is configured.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
