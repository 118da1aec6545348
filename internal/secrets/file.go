package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// FileStore reads one secret per file beneath a root directory, the layout
// used by container secret mounts such as /run/secrets. References cannot
// escape the root.
type FileStore struct {
	root string
}

// NewFileStore validates root and returns a store bound to it.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("secrets: file store root required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("secrets: resolve root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("secrets: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("secrets: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets: root %q is not a directory", abs)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the canonical secrets directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) Resolve(_ context.Context, ref string) (string, error) {
	path, err := s.resolvePath(ref)
	if err != nil {
		return "", err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("secrets: %w: %s", ErrSecretNotFound, ref)
		}
		return "", fmt.Errorf("secrets: read %q: %w", ref, err)
	}
	return strings.TrimRight(string(contents), "\r\n"), nil
}

func (s *FileStore) resolvePath(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return "", fmt.Errorf("secrets: %w: %q", ErrInvalidSecretName, ref)
	}
	cleaned := filepath.Clean(filepath.Join(s.root, trimmed))
	if !s.contains(cleaned) || cleaned == s.root {
		return "", fmt.Errorf("secrets: %w: %q escapes root", ErrInvalidSecretName, ref)
	}
	evaluated, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("secrets: %w: %s", ErrSecretNotFound, ref)
		}
		return "", fmt.Errorf("secrets: resolve %q: %w", ref, err)
	}
	if !s.contains(evaluated) {
		return "", fmt.Errorf("secrets: %w: %q escapes root", ErrInvalidSecretName, ref)
	}
	return evaluated, nil
}

func (s *FileStore) contains(candidate string) bool {
	root := s.root
	if runtime.GOOS == "windows" {
		root = strings.ToLower(root)
		candidate = strings.ToLower(candidate)
	}
	if root == candidate {
		return true
	}
	if !strings.HasSuffix(root, string(os.PathSeparator)) {
		root += string(os.PathSeparator)
	}
	return strings.HasPrefix(candidate, root)
}
