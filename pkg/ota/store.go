package ota

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ImageStore keeps downloaded firmware and asset images.
type ImageStore interface {
	Write(ctx context.Context, name string) (io.WriteCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
}

// LocalStore is an ImageStore on the local filesystem.
type LocalStore struct {
	root string
}

var _ ImageStore = (*LocalStore)(nil)

// NewLocalStore creates dir if needed and stores images in it.
func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: abs}, nil
}

// Path returns the filesystem path of name.
func (l *LocalStore) Path(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name))
}

// Write truncates or creates name, creating parent directories.
func (l *LocalStore) Write(_ context.Context, name string) (io.WriteCloser, error) {
	full := l.Path(name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (l *LocalStore) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(l.Path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete is idempotent.
func (l *LocalStore) Delete(_ context.Context, name string) error {
	err := os.Remove(l.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Discard is an ImageStore that drops everything written to it.
type Discard struct{}

var _ ImageStore = Discard{}

func (Discard) Write(context.Context, string) (io.WriteCloser, error) {
	return nopWriteCloser{io.Discard}, nil
}
func (Discard) Exists(context.Context, string) (bool, error) { return false, nil }
func (Discard) Delete(context.Context, string) error         { return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
