// Package credentials loads and decrypts venue API credentials.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"unicode/utf8"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

const nonceSize = 12

// Encrypt seals plaintext with AES-256-GCM and prepends the random nonce.
// Output layout: nonce(12) || ciphertext+tag.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce(12) || ciphertext+tag blob produced by Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", apperrors.ErrInvalidCiphertext)
	}

	plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// DecryptCredentials decrypts the three credential fields as loaded from
// the database. Passphrase is optional (nil for venues that have none).
func DecryptCredentials(key, apiKeyEnc, apiSecretEnc []byte, passphraseEnc []byte) (*core.Credentials, error) {
	apiKey, err := decryptUTF8(key, apiKeyEnc, "api key")
	if err != nil {
		return nil, err
	}
	apiSecret, err := decryptUTF8(key, apiSecretEnc, "api secret")
	if err != nil {
		return nil, err
	}

	creds := &core.Credentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if passphraseEnc != nil {
		passphrase, err := decryptUTF8(key, passphraseEnc, "passphrase")
		if err != nil {
			return nil, err
		}
		creds.Passphrase = passphrase
	}
	return creds, nil
}

func decryptUTF8(key, ciphertext []byte, field string) (string, error) {
	plaintext, err := Decrypt(key, ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s: %w", field, err)
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", apperrors.ErrInvalidCiphertext, field)
	}
	return string(plaintext), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", apperrors.ErrInvalidKeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
