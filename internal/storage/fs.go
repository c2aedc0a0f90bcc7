package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/quire/internal/models"
)

const tmpPrefix = ".quire-tmp-"

// FS is a Provider over a local directory. All access goes through an
// os.Root, so keys cannot reach outside the directory even via symlinks.
type FS struct {
	dir  string
	root *os.Root
}

// NewFS opens dir, which must already exist.
func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: open root: %w", err)
	}
	return &FS{dir: abs, root: root}, nil
}

// Root returns the absolute directory path.
func (f *FS) Root() string { return f.dir }

// Close releases the directory handle.
func (f *FS) Close() error { return f.root.Close() }

// name validates a slash-separated key. The empty key names the root.
func name(key string) (string, error) {
	if key == "" {
		return ".", nil
	}
	if !fs.ValidPath(key) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return key, nil
}

// List walks dir and returns every payload below it, skipping in-flight
// temp files. A missing dir yields an empty list.
func (f *FS) List(dir string) ([]models.PayloadInfo, error) {
	base, err := name(dir)
	if err != nil {
		return nil, err
	}
	var out []models.PayloadInfo
	err = fs.WalkDir(f.root.FS(), base, func(p string, d fs.DirEntry, walkErr error) error {
		switch {
		case walkErr != nil && p == base && errors.Is(walkErr, fs.ErrNotExist):
			return fs.SkipAll
		case walkErr != nil:
			return walkErr
		case d.IsDir(), strings.HasPrefix(d.Name(), tmpPrefix):
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, models.PayloadInfo{Key: p, Size: info.Size(), UpdatedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	return out, nil
}

// Read returns the bytes stored at key.
func (f *FS) Read(key string) ([]byte, error) {
	n, err := name(key)
	if err != nil {
		return nil, err
	}
	data, err := f.root.ReadFile(n)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

// Write stores content at key through a synced temp file that is renamed
// into place, so readers never observe a partial payload.
func (f *FS) Write(key string, content []byte) (err error) {
	n, err := name(key)
	if err != nil {
		return err
	}
	if n == "." {
		return errors.New("storage: empty key")
	}
	dir := path.Dir(n)
	if dir != "." {
		if err := f.root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage: mkdir %s: %w", dir, err)
		}
	}

	tmpName := path.Join(dir, tmpPrefix+uuid.NewString())
	tmp, err := f.root.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = f.root.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", key, err)
	}
	if err = f.root.Rename(tmpName, n); err != nil {
		return fmt.Errorf("storage: rename %s: %w", key, err)
	}
	return nil
}

// Delete removes key. A missing file counts as deleted so sweeps can retry.
func (f *FS) Delete(key string) error {
	n, err := name(key)
	if err != nil {
		return err
	}
	if err := f.root.Remove(n); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (f *FS) Exists(key string) (bool, error) {
	n, err := name(key)
	if err != nil {
		return false, err
	}
	switch _, err := f.root.Stat(n); {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("storage: stat %s: %w", key, err)
	}
}
