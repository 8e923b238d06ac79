package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/markarapor/reportflow/pkg/schema"
)

const defaultIterations = 100_000

// VaultConfig configures key derivation. MasterKey (32 raw bytes) wins over
// Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // PBKDF2 rounds, default 100k
}

// AESVault seals secrets with AES-256-GCM. The secret's key is bound as
// additional data, so a ciphertext copied to another row fails to open.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "vault needs a master key or a passphrase")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "vault passphrase needs a salt")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (v *AESVault) seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (v *AESVault) open(key string, sealed []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q is truncated", key)
	}
	plaintext, err := v.aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q cannot be decrypted", key).WithCause(err)
	}
	return plaintext, nil
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	sealed, err := v.seal(key, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(key, sealed)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
