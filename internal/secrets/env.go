package secrets

import (
	"context"
	"os"
)

// EnvVault resolves secrets from the process environment first and
// falls back to the wrapped vault. Deployments that inject credentials
// as environment variables (GITHUB_TOKEN, ANTHROPIC_API_KEY, ...) work
// without seeding the encrypted store, while writes always land in the
// wrapped vault so nothing plaintext is persisted.
type EnvVault struct {
	inner Vault
}

// NewEnvVault wraps a vault with environment-variable fallthrough.
func NewEnvVault(inner Vault) *EnvVault {
	return &EnvVault{inner: inner}
}

func (v *EnvVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	if val, ok := os.LookupEnv(key); ok {
		return []byte(val), nil
	}
	return v.inner.Resolve(ctx, key)
}

func (v *EnvVault) Store(ctx context.Context, key string, value []byte) error {
	return v.inner.Store(ctx, key, value)
}

func (v *EnvVault) Delete(ctx context.Context, key string) error {
	return v.inner.Delete(ctx, key)
}

// List returns the wrapped vault's keys. Environment variables are not
// enumerated: the process env is full of non-secrets.
func (v *EnvVault) List(ctx context.Context) ([]string, error) {
	return v.inner.List(ctx)
}

var _ Vault = (*EnvVault)(nil)
