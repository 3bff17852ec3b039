// Package secret seals channel credentials at rest with NaCl secretbox.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	nonceSize = 24
	prefix    = "enc:v1:"
)

var (
	ErrInvalidKey   = errors.New("secret: key must be 32 bytes, base64 encoded")
	ErrMissingKey   = errors.New("secret: encryption key not configured")
	ErrDecrypt      = errors.New("secret: decryption failed")
	ErrNotEncrypted = errors.New("secret: value is not encrypted")
)

// Cipher encrypts and decrypts short secrets such as bot tokens.
// Sealed values look like "enc:v1:<base64(nonce||box)>".
type Cipher struct {
	key [KeySize]byte
}

// NewCipher parses a base64 (std or URL alphabet) 32-byte key.
func NewCipher(encodedKey string) (*Cipher, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, ErrMissingKey
	}
	raw, err := decodeKey(encodedKey)
	if err != nil || len(raw) != KeySize {
		return nil, ErrInvalidKey
	}
	c := &Cipher{}
	copy(c.key[:], raw)
	return c, nil
}

func decodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, ErrInvalidKey
}

// GenerateKey returns a fresh random key, base64 encoded.
func GenerateKey() (string, error) {
	var k [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k[:]), nil
}

// IsEncrypted reports whether v carries the sealed-value prefix.
func IsEncrypted(v string) bool { return strings.HasPrefix(v, prefix) }

func (c *Cipher) Encrypt(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &c.key)
	return prefix + base64.RawURLEncoding.EncodeToString(box), nil
}

func (c *Cipher) Decrypt(sealed string) (string, error) {
	if !IsEncrypted(sealed) {
		return "", ErrNotEncrypted
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Seal encrypts v unless it is already sealed.
func (c *Cipher) Seal(v string) (string, error) {
	if v == "" || IsEncrypted(v) {
		return v, nil
	}
	return c.Encrypt(v)
}
