// Package vmcrypto provides the asymmetric and symmetric primitives
// backing the binary protocol key exchange: an RSA keypair wrapper with
// PEM import/export and PKCS#1 v1.5 encryption, and an AES-256-CBC
// session cipher carrying a 32-byte key and 16-byte IV.
package vmcrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// DefaultKeySize is the RSA modulus size in bits used when no explicit
// size is requested.
const DefaultKeySize = 4096

// ErrCryptoMaterial is returned when a key cannot be parsed from the
// supplied PEM material.
var ErrCryptoMaterial = errors.New("invalid crypto material")

// ErrPayloadTooLarge is returned when a plaintext exceeds the maximum
// size encryptable under PKCS#1 v1.5 padding (keyBytes - 11).
var ErrPayloadTooLarge = errors.New("payload too large for key size")

// KeyPair wraps a local RSA private key.
type KeyPair struct {
	priv *rsa.PrivateKey
}

// GenerateKeyPair creates a new RSA keypair of the given bit size.
// A size of 0 selects DefaultKeySize.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = DefaultKeySize
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// ParsePrivateKeyPEM imports a PEM-encoded RSA private key. The public
// half is always derivable from the private key, so no separate public
// key material is required.
func ParsePrivateKeyPEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrCryptoMaterial)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &KeyPair{priv: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoMaterial, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrCryptoMaterial)
	}
	return &KeyPair{priv: key}, nil
}

// ParsePublicKeyPEM imports a PEM-encoded RSA public key (PKIX or
// PKCS#1 form).
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrCryptoMaterial)
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoMaterial, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrCryptoMaterial)
	}
	return key, nil
}

// Public returns the public half of the keypair.
func (k *KeyPair) Public() *rsa.PublicKey {
	return &k.priv.PublicKey
}

// Size returns the modulus size in bits.
func (k *KeyPair) Size() int {
	return k.priv.N.BitLen()
}

// PublicPEM exports the public key in PKIX PEM form.
func (k *KeyPair) PublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("export public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PrivatePEM exports the private key in PKCS#1 PEM form.
func (k *KeyPair) PrivatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.priv),
	})
}

// Encrypt encrypts plaintext with the given public key using PKCS#1
// v1.5 padding. Plaintexts longer than keyBytes-11 are rejected with
// ErrPayloadTooLarge.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if len(plaintext) > pub.Size()-11 {
		return nil, ErrPayloadTooLarge
	}
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}
	return ct, nil
}

// Decrypt decrypts a ciphertext produced by Encrypt with the keypair's
// private key.
func (k *KeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, k.priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return pt, nil
}
