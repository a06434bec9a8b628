package process

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nerthus-project/nerthusd/internal/vmcrypto"
)

// LoadOrCreateKeyPair returns the daemon's RSA identity. With onetime
// set a fresh in-memory keypair is generated and never persisted.
// Otherwise the key is read from path, or generated and written there
// (0600) on first start.
func LoadOrCreateKeyPair(path string, onetime bool, bits int) (*vmcrypto.KeyPair, error) {
	if onetime {
		return vmcrypto.GenerateKeyPair(bits)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		kp, err := vmcrypto.ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("load RSA key %s: %w", path, err)
		}
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read RSA key %s: %w", path, err)
	}

	return RegenerateKeyPair(path, bits)
}

// RegenerateKeyPair generates a fresh keypair and persists it at path,
// replacing any previous key.
func RegenerateKeyPair(path string, bits int) (*vmcrypto.KeyPair, error) {
	kp, err := vmcrypto.GenerateKeyPair(bits)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create RSA key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, kp.PrivatePEM(), 0600); err != nil {
		return nil, fmt.Errorf("write RSA key %s: %w", path, err)
	}
	return kp, nil
}
