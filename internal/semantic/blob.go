package semantic

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSBlobStore stores uploads under <root>/<user>/<filename>.
type FSBlobStore struct {
	root string
}

func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FSBlobStore{root: root}, nil
}

func (s *FSBlobStore) Put(_ context.Context, userID, filename string, data []byte) (string, error) {
	path, rel, err := s.path(userID, filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create user blob dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return rel, nil
}

func (s *FSBlobStore) Get(_ context.Context, userID, filename string) ([]byte, error) {
	path, _, err := s.path(userID, filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s/%s: %w", userID, filename, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *FSBlobStore) Delete(_ context.Context, userID, filename string) error {
	path, _, err := s.path(userID, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// path rejects names that would escape the user's directory.
func (s *FSBlobStore) path(userID, filename string) (string, string, error) {
	for _, part := range []string{userID, filename} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", "", fmt.Errorf("invalid blob name %q", part)
		}
	}
	rel := userID + "/" + filename
	return filepath.Join(s.root, userID, filename), rel, nil
}
