// Package secret resolves secret://vault/item/field references through a
// set of pluggable providers. Configuration fields keep the reference
// string; resolution happens lazily, at the moment a component needs the
// value.
package secret

import "context"

// Ref addresses one secret: the vault names the provider, item/field
// locate the value inside it.
type Ref struct {
	Vault    string // provider name: env, keyring, ...
	Item     string // logical group, e.g. "siem" or "apikeys"
	Field    string // field inside the item
	Original string // original reference string
}

// Provider is one backend capable of storing and resolving secrets.
type Provider interface {
	// Resolve retrieves the secret value.
	Resolve(ctx context.Context, ref Ref) (string, error)

	// Store saves a secret, if the backend supports writes.
	Store(ctx context.Context, ref Ref, value string) error

	// Delete removes a secret, if the backend supports deletes.
	Delete(ctx context.Context, ref Ref) error

	// List enumerates the refs under one item.
	List(ctx context.Context, item string) ([]Ref, error)

	// IsAvailable reports whether the backend works on this system.
	IsAvailable() bool
}
