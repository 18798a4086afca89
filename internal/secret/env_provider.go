package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// VaultEnv is the provider name for environment-backed secrets.
const VaultEnv = "env"

// EnvProvider resolves secrets from environment variables named
// <ITEM>_<FIELD>, uppercased.
type EnvProvider struct{}

// NewEnvProvider creates a new environment variable provider
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) envName(ref Ref) string {
	return strings.ToUpper(ref.Item + "_" + ref.Field)
}

// Resolve retrieves the secret value from the environment.
func (p *EnvProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	name := p.envName(ref)
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not found or empty", name)
	}
	return value, nil
}

// Store is not supported for environment variables.
func (p *EnvProvider) Store(_ context.Context, _ Ref, _ string) error {
	return fmt.Errorf("env provider does not support storing secrets")
}

// Delete is not supported for environment variables.
func (p *EnvProvider) Delete(_ context.Context, _ Ref) error {
	return fmt.Errorf("env provider does not support deleting secrets")
}

// List enumerates environment variables under item's prefix.
func (p *EnvProvider) List(_ context.Context, item string) ([]Ref, error) {
	prefix := strings.ToUpper(item) + "_"
	var refs []Ref
	for _, env := range os.Environ() {
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 || !strings.HasPrefix(pair[0], prefix) {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(pair[0], prefix))
		refs = append(refs, Ref{
			Vault:    VaultEnv,
			Item:     item,
			Field:    field,
			Original: FormatRef(VaultEnv, item, field),
		})
	}
	return refs, nil
}

// IsAvailable always returns true: the environment is always present.
func (p *EnvProvider) IsAvailable() bool {
	return true
}
