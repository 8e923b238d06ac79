package secrets

import (
	"context"
	"fmt"
)

// Vault keeps workspace API keys and connection refresh tokens encrypted at
// rest. Plaintext only exists in memory while a run uses it.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// APIKeyRef is the vault key of a workspace's API key for a provider
// such as "anthropic".
func APIKeyRef(workspaceID, provider string) string {
	return fmt.Sprintf("workspace/%s/apikey/%s", workspaceID, provider)
}

// RefreshTokenRef is the vault key of a connection's OAuth refresh token.
func RefreshTokenRef(connectionID string) string {
	return fmt.Sprintf("connection/%s/refresh_token", connectionID)
}
