package credentials

import (
	"context"

	"github.com/markarapor/reportflow/internal/secrets"
	"github.com/markarapor/reportflow/pkg/schema"
)

// APIKeys reads workspace API keys from the vault.
type APIKeys struct {
	vault secrets.Vault
}

func NewAPIKeys(v secrets.Vault) *APIKeys {
	return &APIKeys{vault: v}
}

// APIKey returns the workspace's key for provider, or "" when none is stored.
func (k *APIKeys) APIKey(ctx context.Context, workspaceID, provider string) (string, error) {
	v, err := k.vault.Resolve(ctx, secrets.APIKeyRef(workspaceID, provider))
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(v), nil
}

// SetAPIKey stores or replaces the workspace's key for provider.
func (k *APIKeys) SetAPIKey(ctx context.Context, workspaceID, provider, key string) error {
	return k.vault.Store(ctx, secrets.APIKeyRef(workspaceID, provider), []byte(key))
}
