// Package disaster holds the backup, failover and recovery machinery:
// encrypted backup blobs in pluggable storage, a catalog of backup
// records, automatic primary/standby switchover and runnable recovery
// plans.
package disaster

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrBadCiphertext covers truncated input, a non-block-aligned body
// and invalid padding. Decrypt never reports which, so a tampered blob
// gives nothing away.
var ErrBadCiphertext = errors.New("disaster: invalid ciphertext")

// Encryptor is AES-256-CBC with PKCS#7 padding. The IV is random per
// blob and prepended to the ciphertext.
type Encryptor struct {
	key []byte
}

// NewEncryptor derives the AES key by right-padding or truncating the
// secret to 32 bytes. Backups encrypted with a given secret must stay
// decryptable forever, so this derivation is frozen.
func NewEncryptor(secret string) *Encryptor {
	key := make([]byte, 32)
	copy(key, secret)
	return &Encryptor{key: key}
}

// Encrypt returns IV || ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("disaster: generate IV: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// Decrypt reverses Encrypt and validates the padding.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize || (len(data)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}

	iv, body := data[:aes.BlockSize], data[aes.BlockSize:]
	plaintext := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, body)

	return pkcs7Unpad(plaintext, aes.BlockSize)
}

// Checksum is the hex SHA-256 of data, computed over the encrypted
// blob so corruption is detectable without the key.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadCiphertext
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, ErrBadCiphertext
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadCiphertext
		}
	}
	return data[:len(data)-n], nil
}
