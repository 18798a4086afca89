package secret

import (
	"context"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// VaultKeyring is the provider name for OS-keyring-backed secrets.
	VaultKeyring = "keyring"

	serviceName    = "dshield-mcp"
	registryPrefix = "_registry_"
)

// KeyringProvider stores secrets in the OS keyring (Keychain, Secret
// Service, WinCred). A per-item registry entry tracks stored fields so
// List works across backends that cannot enumerate.
type KeyringProvider struct {
	service string
}

// NewKeyringProvider creates a new keyring provider
func NewKeyringProvider() *KeyringProvider {
	return &KeyringProvider{service: serviceName}
}

func (p *KeyringProvider) entryName(ref Ref) string {
	return ref.Item + "/" + ref.Field
}

// Resolve retrieves the secret value from the OS keyring.
func (p *KeyringProvider) Resolve(_ context.Context, ref Ref) (string, error) {
	value, err := keyring.Get(p.service, p.entryName(ref))
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s from keyring: %w", ref.Original, err)
	}
	return value, nil
}

// Store saves a secret to the OS keyring and records it in the item's
// registry entry.
func (p *KeyringProvider) Store(_ context.Context, ref Ref, value string) error {
	if err := keyring.Set(p.service, p.entryName(ref), value); err != nil {
		return fmt.Errorf("failed to store secret %s in keyring: %w", ref.Original, err)
	}
	if err := p.addToRegistry(ref.Item, ref.Field); err != nil {
		return fmt.Errorf("failed to update secret registry: %w", err)
	}
	return nil
}

// Delete removes a secret from the OS keyring and the registry.
func (p *KeyringProvider) Delete(_ context.Context, ref Ref) error {
	if err := keyring.Delete(p.service, p.entryName(ref)); err != nil {
		return fmt.Errorf("failed to delete secret %s from keyring: %w", ref.Original, err)
	}
	return p.removeFromRegistry(ref.Item, ref.Field)
}

// List enumerates the fields recorded in the item's registry entry.
func (p *KeyringProvider) List(_ context.Context, item string) ([]Ref, error) {
	fields, err := p.registryFields(item)
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(fields))
	for _, field := range fields {
		refs = append(refs, Ref{
			Vault:    VaultKeyring,
			Item:     item,
			Field:    field,
			Original: FormatRef(VaultKeyring, item, field),
		})
	}
	return refs, nil
}

// IsAvailable probes the keyring with a throwaway read.
func (p *KeyringProvider) IsAvailable() bool {
	_, err := keyring.Get(p.service, "_availability_probe")
	return err == nil || err == keyring.ErrNotFound
}

func (p *KeyringProvider) registryFields(item string) ([]string, error) {
	raw, err := keyring.Get(p.service, registryPrefix+item)
	if err == keyring.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret registry for %s: %w", item, err)
	}
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, "\n"), nil
}

func (p *KeyringProvider) addToRegistry(item, field string) error {
	fields, err := p.registryFields(item)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if f == field {
			return nil
		}
	}
	fields = append(fields, field)
	return keyring.Set(p.service, registryPrefix+item, strings.Join(fields, "\n"))
}

func (p *KeyringProvider) removeFromRegistry(item, field string) error {
	fields, err := p.registryFields(item)
	if err != nil {
		return err
	}
	kept := fields[:0]
	for _, f := range fields {
		if f != field {
			kept = append(kept, f)
		}
	}
	return keyring.Set(p.service, registryPrefix+item, strings.Join(kept, "\n"))
}
