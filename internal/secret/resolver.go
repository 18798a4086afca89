package secret

import (
	"context"
	"fmt"
	"sync"
)

// Resolver routes secret references to the provider their vault names.
// Resolved values are memoized for the life of the resolver so a config
// field referenced by several components hits the backend once.
type Resolver struct {
	providers map[string]Provider

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver with the env and keyring providers
// registered.
func NewResolver() *Resolver {
	r := &Resolver{
		providers: make(map[string]Provider),
		cache:     make(map[string]string),
	}
	r.RegisterProvider(VaultEnv, NewEnvProvider())
	r.RegisterProvider(VaultKeyring, NewKeyringProvider())
	return r
}

// RegisterProvider registers a provider under a vault name.
func (r *Resolver) RegisterProvider(vault string, provider Provider) {
	r.providers[vault] = provider
}

func (r *Resolver) provider(vault string) (Provider, error) {
	provider, ok := r.providers[vault]
	if !ok {
		return nil, fmt.Errorf("no provider for vault: %s", vault)
	}
	if !provider.IsAvailable() {
		return nil, fmt.Errorf("provider for vault %s is not available on this system", vault)
	}
	return provider, nil
}

// Resolve resolves a single reference.
func (r *Resolver) Resolve(ctx context.Context, ref Ref) (string, error) {
	r.mu.Lock()
	if v, ok := r.cache[ref.Original]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	provider, err := r.provider(ref.Vault)
	if err != nil {
		return "", err
	}
	value, err := provider.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cache[ref.Original] = value
	r.mu.Unlock()
	return value, nil
}

// ResolveString resolves s if it is a secret reference, otherwise
// returns it unchanged. This is the lazy entry point config consumers
// call on secret-bearing fields.
func (r *Resolver) ResolveString(ctx context.Context, s string) (string, error) {
	if !IsRef(s) {
		return s, nil
	}
	ref, err := ParseRef(s)
	if err != nil {
		return "", err
	}
	return r.Resolve(ctx, ref)
}

// Store writes a secret through the vault's provider and drops any
// memoized value.
func (r *Resolver) Store(ctx context.Context, ref Ref, value string) error {
	provider, err := r.provider(ref.Vault)
	if err != nil {
		return err
	}
	if err := provider.Store(ctx, ref, value); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache[ref.Original] = value
	r.mu.Unlock()
	return nil
}

// Delete removes a secret through the vault's provider.
func (r *Resolver) Delete(ctx context.Context, ref Ref) error {
	provider, err := r.provider(ref.Vault)
	if err != nil {
		return err
	}
	if err := provider.Delete(ctx, ref); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, ref.Original)
	r.mu.Unlock()
	return nil
}

// List enumerates refs under one item in one vault.
func (r *Resolver) List(ctx context.Context, vault, item string) ([]Ref, error) {
	provider, err := r.provider(vault)
	if err != nil {
		return nil, err
	}
	return provider.List(ctx, item)
}

// AvailableVaults returns the vault names whose providers work here.
func (r *Resolver) AvailableVaults() []string {
	var available []string
	for vault, provider := range r.providers {
		if provider.IsAvailable() {
			available = append(available, vault)
		}
	}
	return available
}
