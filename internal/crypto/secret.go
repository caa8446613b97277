package crypto

import (
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/and161185/devsync/internal/errs"
)

// SecretKeyLen is the size of the per-user symmetric secret.
const SecretKeyLen = 32

// SaltLen is the size of the per-message salt (the AEAD nonce).
const SaltLen = chacha20poly1305.NonceSizeX

// ExportKeyLen is the size of derived and random export keys.
const ExportKeyLen = 32

// Argon2id parameters for export key derivation.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
)

// EncryptPayload seals a plaintext under the symmetric secret with a fresh
// random salt. The salt doubles as the AEAD nonce and travels with the
// ciphertext.
func EncryptPayload(secret, plain []byte, rng io.Reader) (salt, cipher []byte, err error) {
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("payload cipher: %w", err)
	}
	salt = make([]byte, SaltLen)
	if _, err := io.ReadFull(rng, salt); err != nil {
		return nil, nil, fmt.Errorf("payload salt: %w", err)
	}
	return salt, aead.Seal(nil, salt, plain, nil), nil
}

// DecryptPayload opens a ciphertext sealed by EncryptPayload.
func DecryptPayload(secret, salt, cipher []byte) ([]byte, error) {
	if len(salt) != SaltLen {
		return nil, fmt.Errorf("%w: bad salt length %d", errs.ErrBadFrame, len(salt))
	}
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, fmt.Errorf("payload cipher: %w", err)
	}
	plain, err := aead.Open(nil, salt, cipher, nil)
	if err != nil {
		return nil, fmt.Errorf("payload decrypt: %w", err)
	}
	return plain, nil
}

// DeriveExportKey derives an export key from a password and salt using
// Argon2id.
func DeriveExportKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, ExportKeyLen)
}
