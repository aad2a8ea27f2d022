// Package vault encrypts mailbox credentials at rest with AES-256-GCM.
//
// Ciphertexts are stored as base64(nonce):base64(tag):base64(ciphertext).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	ErrInvalidKey       = errors.New("invalid encryption key")
	ErrDecryptionFailed = errors.New("decryption failed")
)

var (
	base64Part = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
	strict     = base64.StdEncoding.Strict()
)

type Vault struct {
	aead cipher.AEAD
}

// New expects the key as 64 hex characters.
func New(hexKey string) (*Vault, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, fmt.Errorf("%w: ENCRYPTION_KEY is not set (generate one with `procure key:generate`)", ErrInvalidKey)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex encoded", ErrInvalidKey)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: expected %d bytes (%d hex chars), got %d bytes", ErrInvalidKey, keySize, keySize*2, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Vault{aead: aead}, nil
}

func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

func (v *Vault) Decrypt(blob string) (string, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: expected nonce:tag:ciphertext", ErrDecryptionFailed)
	}

	nonce, err := strict.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: malformed nonce", ErrDecryptionFailed)
	}
	tag, err := strict.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: malformed tag", ErrDecryptionFailed)
	}
	ciphertext, err := strict.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: malformed ciphertext", ErrDecryptionFailed)
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: key changed or data corrupted", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}

// IsEncrypted only checks the shape of blob. It exists to tell legacy
// plaintext passwords apart from vault output and proves nothing about
// authenticity.
func IsEncrypted(blob string) bool {
	if blob == "" {
		return false
	}
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if !base64Part.MatchString(p) {
			return false
		}
	}
	return true
}
