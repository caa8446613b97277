package crypto

import (
	"crypto/aes"
	"fmt"

	"github.com/aead/cmac"

	"github.com/and161185/devsync/internal/errs"
)

// MAC computes an AES-CMAC tag over data. The key must be a valid AES key
// length; symmetric secrets and export keys are 32 bytes.
func MAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cmac key: %w", err)
	}
	tag, err := cmac.Sum(data, block, block.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	return tag, nil
}

// VerifyMAC checks an AES-CMAC tag in constant time.
func VerifyMAC(key, data, tag []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("cmac key: %w", err)
	}
	if !cmac.Verify(tag, data, block, block.BlockSize()) {
		return errs.ErrMacMismatch
	}
	return nil
}
