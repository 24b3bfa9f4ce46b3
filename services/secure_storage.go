package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// SecureStorage is the app-scoped local storage holding private key material.
// Values are opaque bytes; the key store encrypts them before writing.
type SecureStorage interface {
	Get(ctx context.Context, key string) ([]byte, error) // nil, nil when absent
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// FileSecureStorage stores one file per key under a private directory.
type FileSecureStorage struct {
	dir string
}

func NewFileSecureStorage(dir string) (*FileSecureStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileSecureStorage{dir: dir}, nil
}

func (f *FileSecureStorage) path(key string) string {
	return filepath.Join(f.dir, key)
}

func (f *FileSecureStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (f *FileSecureStorage) Set(ctx context.Context, key string, value []byte) error {
	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(key))
}

func (f *FileSecureStorage) Remove(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
