package security

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
)

// KeyLength is the size of every derived key in bytes.
const KeyLength = 32

// Key purposes. Each purpose yields an independent subkey of the same secret.
const (
	PurposeSigning = "token-signing"
	PurposeVault   = "vault-encryption"
)

// DeriveKey stretches secret into a subkey for purpose with PBKDF2-SHA256.
func DeriveKey(secret config.Secret, purpose string, iterations int) ([]byte, error) {
	if !secret.IsSet() {
		return nil, apperrors.Newf(apperrors.ErrCodeConfigMissing, "GRYFFEN_SECRET_KEY is not set")
	}
	if iterations <= 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid, "HASH_ITERATION must be a positive integer")
	}
	salt := []byte("gryffen/" + purpose)
	return pbkdf2.Key([]byte(secret.Reveal()), salt, iterations, KeyLength, sha256.New), nil
}

// Keys holds the subkeys the server needs.
type Keys struct {
	Signing []byte
	Vault   []byte
}

// NewKeys derives every subkey from the security settings.
func NewKeys(cfg config.SecurityConfig) (*Keys, error) {
	signing, err := DeriveKey(cfg.SecretKey, PurposeSigning, cfg.HashIterations)
	if err != nil {
		return nil, err
	}
	vault, err := DeriveKey(cfg.SecretKey, PurposeVault, cfg.HashIterations)
	if err != nil {
		return nil, err
	}
	return &Keys{Signing: signing, Vault: vault}, nil
}
