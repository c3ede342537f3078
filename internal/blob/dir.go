package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Dir is a Store rooted at a local directory. Writes go through a temp file
// and a rename, so readers never observe a partially written object.
type Dir struct {
	root string
}

// NewDir returns a Store rooted at root, creating the directory if needed.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("blob: empty store root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &Error{Op: "open", Path: root, Err: err}
	}
	return &Dir{root: root}, nil
}

func (d *Dir) resolve(op, path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	if clean == "/" || strings.Contains(clean, "..") {
		return "", &Error{Op: op, Path: path, Err: errors.New("path escapes store root")}
	}
	return filepath.Join(d.root, clean), nil
}

func (d *Dir) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := d.resolve("read", path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &Error{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

func (d *Dir) Stat(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	full, err := d.resolve("stat", path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, &Error{Op: "stat", Path: path, Err: err}
	}
	if info.IsDir() {
		return 0, ErrNotFound
	}
	return info.Size(), nil
}

func (d *Dir) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := d.resolve("write", path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".*")
	if err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &Error{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &Error{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return &Error{Op: "write", Path: path, Err: err}
	}
	return nil
}

func (d *Dir) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := d.resolve("delete", path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "delete", Path: path, Err: err}
	}
	return nil
}
