package secret

import (
	"fmt"
	"strings"
)

const refScheme = "secret://"

// IsRef reports whether s looks like a secret reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, refScheme)
}

// ParseRef parses a secret://vault/item/field reference.
func ParseRef(s string) (Ref, error) {
	if !IsRef(s) {
		return Ref{}, fmt.Errorf("not a secret reference: %s", s)
	}
	parts := strings.Split(strings.TrimPrefix(s, refScheme), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Ref{}, fmt.Errorf("invalid secret reference %q, want secret://vault/item/field", s)
	}
	return Ref{
		Vault:    parts[0],
		Item:     parts[1],
		Field:    parts[2],
		Original: s,
	}, nil
}

// FormatRef renders a Ref back into its reference string.
func FormatRef(vault, item, field string) string {
	return fmt.Sprintf("%s%s/%s/%s", refScheme, vault, item, field)
}
