package vmcrypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestSessionCipherRoundTrip(t *testing.T) {
	c, err := NewSessionCipher()
	if err != nil {
		t.Fatal(err)
	}

	sizes := []int{0, 1, 15, 16, 17, 1024, 64 * 1024}
	for _, n := range sizes {
		plaintext := make([]byte, n)
		rand.Read(plaintext)

		ct, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", n, err)
		}
		if len(ct)%16 != 0 {
			t.Errorf("ciphertext length %d not block-aligned", len(ct))
		}

		got, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes): %v", n, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch at %d bytes", n)
		}
	}
}

func TestSessionCipherFromMaterial(t *testing.T) {
	a, err := NewSessionCipher()
	if err != nil {
		t.Fatal(err)
	}
	key, iv := a.Material()

	b, err := NewSessionCipherFrom(key, iv)
	if err != nil {
		t.Fatal(err)
	}

	ct, err := a.Encrypt([]byte("shared material"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "shared material" {
		t.Errorf("Decrypt = %q, want %q", got, "shared material")
	}
}

func TestNewSessionCipherFrom_BadSizes(t *testing.T) {
	if _, err := NewSessionCipherFrom(make([]byte, 16), make([]byte, 16)); !errors.Is(err, ErrCryptoMaterial) {
		t.Errorf("short key accepted: %v", err)
	}
	if _, err := NewSessionCipherFrom(make([]byte, 32), make([]byte, 12)); !errors.Is(err, ErrCryptoMaterial) {
		t.Errorf("short iv accepted: %v", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	a, _ := NewSessionCipher()
	b, _ := NewSessionCipher()

	plaintext := []byte("some payload worth protecting")
	ct, err := a.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	// A wrong key must never reproduce the plaintext; padding rejection
	// is the usual failure mode but is not guaranteed.
	got, err := b.Decrypt(ct)
	if err == nil && bytes.Equal(got, plaintext) {
		t.Error("Decrypt with wrong key reproduced the plaintext")
	}
}

func TestDecrypt_Truncated(t *testing.T) {
	c, _ := NewSessionCipher()
	ct, err := c.Encrypt([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decrypt(ct[:len(ct)-1]); !errors.Is(err, ErrBadPadding) {
		t.Errorf("truncated ciphertext = %v, want ErrBadPadding", err)
	}
	if _, err := c.Decrypt(nil); !errors.Is(err, ErrBadPadding) {
		t.Errorf("empty ciphertext = %v, want ErrBadPadding", err)
	}
}
