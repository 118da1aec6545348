// Package secrets resolves stored key references into secret values. Resolved
// values must never be logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
)

var (
	// ErrSecretNotFound indicates that the referenced secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrInvalidSecretName indicates that the reference cannot name a secret.
	ErrInvalidSecretName = errors.New("invalid secret name")
)

// Store resolves a secret reference to its value.
type Store interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvStore reads secrets from environment variables named
// <prefix><REFERENCE> where the reference is upper-cased and every character
// outside [A-Z0-9] becomes an underscore.
type EnvStore struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvStore constructs an environment-backed store.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix, lookup: os.LookupEnv}
}

// VariableName exposes the environment variable consulted for ref.
func (s *EnvStore) VariableName(ref string) string {
	var b strings.Builder
	b.WriteString(s.prefix)
	for _, r := range strings.TrimSpace(ref) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToUpper(r))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *EnvStore) Resolve(_ context.Context, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("secrets: %w: empty reference", ErrInvalidSecretName)
	}
	value, ok := s.lookup(s.VariableName(ref))
	if !ok {
		return "", fmt.Errorf("secrets: %w: %s", ErrSecretNotFound, ref)
	}
	return value, nil
}

// StaticStore serves secrets from an in-memory map.
type StaticStore map[string]string

func (s StaticStore) Resolve(_ context.Context, ref string) (string, error) {
	value, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("secrets: %w: %s", ErrSecretNotFound, ref)
	}
	return value, nil
}
