package vmcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// Session key material sizes on the wire: 32-byte AES-256 key followed
// by a 16-byte CBC IV.
const (
	SessionKeySize = 32
	SessionIVSize  = 16
)

// ErrBadPadding is returned when a decrypted payload does not carry
// valid PKCS#7 padding, which indicates a wrong key or corrupt data.
var ErrBadPadding = errors.New("invalid padding in decrypted payload")

// SessionCipher is the symmetric half of a client session: AES-256 in
// CBC mode with PKCS#7 padding, keyed by material exchanged inside the
// RSA envelope.
type SessionCipher struct {
	key []byte
	iv  []byte
}

// NewSessionCipher generates fresh random key material.
func NewSessionCipher() (*SessionCipher, error) {
	key := make([]byte, SessionKeySize)
	iv := make([]byte, SessionIVSize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate session iv: %w", err)
	}
	return &SessionCipher{key: key, iv: iv}, nil
}

// NewSessionCipherFrom installs key material received from a peer.
func NewSessionCipherFrom(key, iv []byte) (*SessionCipher, error) {
	if len(key) != SessionKeySize || len(iv) != SessionIVSize {
		return nil, fmt.Errorf("%w: got %d-byte key, %d-byte iv", ErrCryptoMaterial, len(key), len(iv))
	}
	return &SessionCipher{
		key: bytes.Clone(key),
		iv:  bytes.Clone(iv),
	}, nil
}

// Material returns the key and IV for transmission to the peer.
func (c *SessionCipher) Material() (key, iv []byte) {
	return c.key, c.iv
}

// Encrypt pads the plaintext to the block size and encrypts it in CBC
// mode under the session key.
func (c *SessionCipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt, validating the padding.
func (c *SessionCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrBadPadding, len(ciphertext))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
