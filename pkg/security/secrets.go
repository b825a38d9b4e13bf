package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/forgebay/runnerd/pkg/types"
	"github.com/google/uuid"
)

// SecretManager seals job secrets (repository tokens, registry
// credentials) with AES-256-GCM before they are ever written to the
// Job Store, so a stolen BoltDB file never yields plaintext.
type SecretManager struct {
	encryptionKey []byte // 32 bytes for AES-256
	sealed        map[string][]byte
}

// NewSecretManager builds a SecretManager around a 32-byte AES-256 key.
func NewSecretManager(key []byte) (*SecretManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &SecretManager{encryptionKey: key, sealed: make(map[string][]byte)}, nil
}

// NewSecretManagerFromPassphrase derives the AES-256 key from an
// operator-supplied passphrase via SHA-256.
func NewSecretManagerFromPassphrase(passphrase string) (*SecretManager, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	hash := sha256.Sum256([]byte(passphrase))
	return NewSecretManager(hash[:])
}

// Seal encrypts plaintext and returns a SecretRef whose Handle is an
// opaque lookup key. The ciphertext is kept in the manager, never in
// the Job or Container record.
func (sm *SecretManager) Seal(name string, plaintext []byte) (types.SecretRef, error) {
	if len(plaintext) == 0 {
		return types.SecretRef{}, fmt.Errorf("cannot seal empty secret %q", name)
	}

	ciphertext, err := sm.encrypt(plaintext)
	if err != nil {
		return types.SecretRef{}, fmt.Errorf("seal secret %q: %w", name, err)
	}

	handle := uuid.NewString()
	sm.sealed[handle] = ciphertext
	return types.SecretRef{Name: name, Handle: handle}, nil
}

// Open decrypts the secret referenced by ref's handle, for a container
// runtime about to inject it into a job's container environment.
func (sm *SecretManager) Open(ref types.SecretRef) ([]byte, error) {
	ciphertext, ok := sm.sealed[ref.Handle]
	if !ok {
		return nil, fmt.Errorf("unknown secret handle for %q", ref.Name)
	}
	return sm.decrypt(ciphertext)
}

// Forget discards a sealed secret once its job terminates.
func (sm *SecretManager) Forget(ref types.SecretRef) {
	delete(sm.sealed, ref.Handle)
}

func (sm *SecretManager) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (sm *SecretManager) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(sm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// DeriveKeyFromClusterID derives a stable 32-byte key from a cluster
// identifier, for deployments that want a deterministic key without
// operator-managed key material.
func DeriveKeyFromClusterID(clusterID string) []byte {
	hash := sha256.Sum256([]byte(clusterID))
	return hash[:]
}

// RedactionHandle is the base64 token a redacted secret match in a log
// stream is replaced with, so the Secret Scanner's output never
// reveals even partial plaintext.
func RedactionHandle(pattern string, match []byte) string {
	sum := sha256.Sum256(append([]byte(pattern), match...))
	return "[REDACTED:" + base64.RawURLEncoding.EncodeToString(sum[:6]) + "]"
}
