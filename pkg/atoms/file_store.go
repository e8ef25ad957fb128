package atoms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// FileStore keeps one file per atom, fanned out by the first hash byte.
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: atoms are public content
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure atom dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(h contracts.Hash) string {
	hex := h.String()
	return filepath.Join(s.baseDir, hex[:2], hex+".atom")
}

func (s *FileStore) Put(_ context.Context, h contracts.Hash, canonical []byte) error {
	path := s.path(h)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	//nolint:gosec // G301: atoms are public content
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".atom-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(canonical); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write atom: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit atom: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, h contracts.Hash) ([]byte, error) {
	data, err := os.ReadFile(s.path(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileStore) Exists(_ context.Context, h contracts.Hash) (bool, error) {
	_, err := os.Stat(s.path(h))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
