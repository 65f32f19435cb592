// Package sealing protects account ledger secrets at rest. Secrets are
// sealed with AES-256-GCM under a key derived from a service passphrase
// with argon2id; the random nonce is prepended to the ciphertext so a
// sealed blob is a single opaque column value.
package sealing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/dmitrijs2005/xrpkeeper/internal/common"
)

const nonceSize = 12

// Sealer seals and unseals account secrets.
type Sealer interface {
	Seal(secret []byte) ([]byte, error)
	Unseal(sealed []byte) ([]byte, error)
}

// AESGCMSealer is a Sealer using AES-256-GCM with an argon2id-derived key.
type AESGCMSealer struct {
	key []byte
}

// DeriveKey stretches the service passphrase into a 32-byte AES key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

func NewAESGCMSealer(passphrase, salt []byte) (*AESGCMSealer, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty sealing passphrase", common.ErrValidation)
	}
	return &AESGCMSealer{key: DeriveKey(passphrase, salt)}, nil
}

func (s *AESGCMSealer) Seal(secret []byte) ([]byte, error) {

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return aesgcm.Seal(nonce, nonce, secret, nil), nil
}

func (s *AESGCMSealer) Unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: sealed blob too short", common.ErrValidation)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	secret, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unseal: %w", err)
	}
	return secret, nil
}

var _ Sealer = (*AESGCMSealer)(nil)
