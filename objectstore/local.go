// Local implements objectstore.Store directly on a filesystem directory,
// the file:///absolute/path (or bare path) repository scheme. Paths are
// joined verbatim under the root directory; put/get/delete map onto plain
// file operations and list onto filepath.WalkDir.
package objectstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"rekkord/rekkorderr"
)

// Local is the plain-directory ObjectStore backend.
type Local struct {
	root string
}

var _ Store = (*Local)(nil)

// NewLocal opens (creating if necessary) a Local store rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "open local store", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "open local store", err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	escapes := false
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			escapes = true
		}
	}
	if clean == "/" || escapes {
		return "", rekkorderr.New(rekkorderr.Config, "resolve path", errInvalidPath(path))
	}
	return filepath.Join(l.root, clean), nil
}

type errInvalidPath string

func (e errInvalidPath) Error() string { return "invalid object path: " + string(e) }

func (l *Local) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return rekkorderr.New(rekkorderr.Cancelled, "put", err)
	}
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return rekkorderr.New(rekkorderr.Io, "put", err)
	}

	// Write to a sibling temp file then rename, so a put that races a
	// concurrent get from another process never observes a partial write.
	// Overwriting with identical bytes is idempotent; a torn write is not.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return rekkorderr.New(rekkorderr.Io, "put", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return rekkorderr.New(rekkorderr.Io, "put", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return rekkorderr.New(rekkorderr.Io, "put", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return rekkorderr.New(rekkorderr.Io, "put", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return rekkorderr.New(rekkorderr.Io, "put", err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, rekkorderr.New(rekkorderr.Cancelled, "get", err)
	}
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rekkorderr.New(rekkorderr.NotFound, "get", err)
		}
		return nil, rekkorderr.New(rekkorderr.Io, "get", err)
	}
	return data, nil
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, rekkorderr.New(rekkorderr.Cancelled, "exists", err)
	}
	full, err := l.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, rekkorderr.New(rekkorderr.Io, "exists", err)
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, rekkorderr.New(rekkorderr.Cancelled, "list", err)
	}
	full, err := l.resolve(prefix)
	if err != nil {
		// A prefix that resolves to the root itself (e.g. "") is legal for
		// List even though Put/Get reject it; fall back to root.
		full = l.root
	}

	var out []string
	walkRoot := full
	info, statErr := os.Stat(walkRoot)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, nil
		}
		return nil, rekkorderr.New(rekkorderr.Io, "list", statErr)
	}
	if !info.IsDir() {
		// prefix names a file directly (rare, e.g. exact blob path).
		rel, _ := filepath.Rel(l.root, walkRoot)
		return []string{filepath.ToSlash(rel)}, nil
	}

	err = filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, rekkorderr.New(rekkorderr.Io, "list", err)
	}
	return out, nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return rekkorderr.New(rekkorderr.Cancelled, "delete", err)
	}
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return rekkorderr.New(rekkorderr.Io, "delete", err)
	}
	return nil
}

func (l *Local) URL(path string) string {
	full, err := l.resolve(path)
	if err != nil {
		return "file://" + l.root
	}
	return "file://" + full
}

func (l *Local) Close() error { return nil }
