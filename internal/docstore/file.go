package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type fileDocument struct {
	path string
}

func (d *fileDocument) Location() string { return d.path }

func (d *fileDocument) Close() error { return nil }

func (d *fileDocument) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}
	return data, nil
}

// Write replaces the file through a rename so readers never see a partial
// document.
func (d *fileDocument) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(d.path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil { //nolint:gosec // documents are meant to be shared
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return fmt.Errorf("write %s: %w", d.path, err)
	}
	return nil
}
