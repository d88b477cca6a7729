// Package secrets resolves the worker credential from a reference and keeps
// resolved values out of operator logs.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the reference is well formed but names nothing, or
	// names an empty value.
	ErrNotFound = errors.New("secret not found")

	// ErrUnsupportedRef means no resolver handles the reference's scheme.
	ErrUnsupportedRef = errors.New("unsupported secret reference")
)

// Resolver resolves secret references to their values.
type Resolver interface {
	// Resolve looks up a secret reference such as "env(OPENAI_API_KEY)".
	Resolve(ctx context.Context, ref string) (string, error)
}

// ParseRef splits "scheme(name)" into its parts.
func ParseRef(ref string) (scheme, name string, err error) {
	open := strings.IndexByte(ref, '(')
	if open <= 0 || !strings.HasSuffix(ref, ")") {
		return "", "", fmt.Errorf("%w: %q (expected scheme(name))", ErrUnsupportedRef, ref)
	}
	name = strings.TrimSpace(ref[open+1 : len(ref)-1])
	if name == "" {
		return "", "", fmt.Errorf("%w: %q has an empty name", ErrUnsupportedRef, ref)
	}
	return ref[:open], name, nil
}

// Mux dispatches a reference to the resolver registered for its scheme.
type Mux map[string]Resolver

// NewMux returns a Mux handling env() and file() references.
func NewMux() Mux {
	return Mux{
		"env":  NewEnvResolver(),
		"file": NewFileResolver(),
	}
}

// Resolve implements Resolver.
func (m Mux) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, _, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	r, ok := m[scheme]
	if !ok {
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedRef, scheme)
	}
	return r.Resolve(ctx, ref)
}
