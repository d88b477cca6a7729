package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvResolver resolves "env(VAR_NAME)" references from the process
// environment. The variable is read on every call.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve returns ErrNotFound for unset and empty variables alike.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	scheme, name, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if scheme != "env" {
		return "", fmt.Errorf("%w: %q (expected env(VAR_NAME))", ErrUnsupportedRef, ref)
	}

	value, ok := r.lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: environment variable %q not set", ErrNotFound, name)
	}
	return value, nil
}

// FileResolver resolves "file(/path)" references, as used for mounted
// container secrets. Surrounding whitespace is stripped.
type FileResolver struct{}

// NewFileResolver creates a file secret resolver.
func NewFileResolver() *FileResolver {
	return &FileResolver{}
}

// Resolve reads the referenced file.
func (r *FileResolver) Resolve(_ context.Context, ref string) (string, error) {
	scheme, path, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if scheme != "file" {
		return "", fmt.Errorf("%w: %q (expected file(PATH))", ErrUnsupportedRef, ref)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNotFound, path)
	}
	return value, nil
}
