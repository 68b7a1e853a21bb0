package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Secrets file parameters.
const (
	saltSize = 16
	scryptN  = 32768 // 2^15
	scryptR  = 8
	scryptP  = 1
	keySize  = 32 // AES-256
)

// SecretStore holds decrypted secrets in memory with environment fallback.
// Construct one at startup and inject it; there is no package-level store.
type SecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewSecretStore creates an empty secret store (env-only lookups).
func NewSecretStore() *SecretStore {
	return &SecretStore{secrets: make(map[string]string)}
}

// Get returns a secret value by name using standard precedence:
// decrypted secrets file first, then environment variables.
func (s *SecretStore) Get(name string) (string, error) {
	s.mu.RLock()
	v, ok := s.secrets[name]
	s.mu.RUnlock()
	if ok && v != "" {
		return v, nil
	}

	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// Set stores a secret value in memory.
func (s *SecretStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

// Names returns the stored secret names (not values).
func (s *SecretStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.secrets))
	for n := range s.secrets {
		names = append(names, n)
	}
	return names
}

// deriveKey stretches a password into an AES-256 key with scrypt.
func deriveKey(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// SaveFile encrypts the in-memory secrets with the given password and writes
// them to path. File layout: salt || nonce || AES-GCM ciphertext.
func (s *SecretStore) SaveFile(path, password string) error {
	s.mu.RLock()
	plain, err := json.Marshal(s.secrets)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(password, salt)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := append(salt, nonce...) //nolint:gocritic // building the file layout
	out = append(out, gcm.Seal(nil, nonce, plain, nil)...)

	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// LoadFile decrypts a secrets file into the store, replacing any in-memory
// values.
func (s *SecretStore) LoadFile(path, password string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(raw) < saltSize {
		return fmt.Errorf("secrets file too short")
	}

	salt := raw[:saltSize]
	key, err := deriveKey(password, salt)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(raw) < saltSize+gcm.NonceSize() {
		return fmt.Errorf("secrets file too short")
	}
	nonce := raw[saltSize : saltSize+gcm.NonceSize()]
	ciphertext := raw[saltSize+gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets (wrong password?): %w", err)
	}

	secrets := make(map[string]string)
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return fmt.Errorf("failed to parse secrets: %w", err)
	}

	s.mu.Lock()
	s.secrets = secrets
	s.mu.Unlock()
	return nil
}
