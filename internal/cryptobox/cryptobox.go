// Package cryptobox is the symmetric-encryption oracle for account
// secrets: AES-CBC with PKCS#7 padding under a single fixed key/IV
// loaded once at startup, exposed as an opaque encrypt/decrypt pair
// (spec treats key management itself as out of scope).
package cryptobox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"os"
)

// Box holds the fixed AES-CBC key/IV pair used to encrypt and decrypt
// stored account secrets.
type Box struct {
	key []byte
	iv  []byte
}

// New builds a Box from a raw key and IV. key must be 16, 24, or 32
// bytes (AES-128/192/256); iv must be exactly aes.BlockSize.
func New(key, iv []byte) (*Box, error) {
	if _, err := aes.NewCipher(key); err != nil {
		return nil, fmt.Errorf("cryptobox: invalid key: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("cryptobox: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &Box{key: key, iv: iv}, nil
}

// LoadFromFiles builds a Box from a key file and an IV file, the layout
// the daemon's config points ACCOUNT_SECRET_AES_KEY/IV at.
func LoadFromFiles(keyPath, ivPath string) (*Box, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: read key file: %w", err)
	}
	iv, err := os.ReadFile(ivPath)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: read iv file: %w", err)
	}
	return New(bytes.TrimSpace(key), bytes.TrimSpace(iv))
}

// Encrypt pads plaintext with PKCS#7, encrypts it under AES-CBC, and
// returns the base64-encoded ciphertext (the form stored in an
// account's `secret` column).
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, b.iv)
	mode.CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt: base64-decodes, AES-CBC-decrypts, and strips
// the PKCS#7 padding.
func (b *Box) Decrypt(encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: invalid base64: %w", err)
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("cryptobox: ciphertext is not a multiple of the block size")
	}
	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, b.iv)
	mode.CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("cryptobox: empty plaintext")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > n {
		return nil, fmt.Errorf("cryptobox: invalid padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("cryptobox: invalid padding")
		}
	}
	return data[:n-padLen], nil
}
