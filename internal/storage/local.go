package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jamesross/mediaforge/internal/mediaerr"
)

// LocalBackend implements Backend over the host filesystem, rooted at a
// configured base directory. Every path is canonicalized and must resolve
// under that base directory; traversal attempts fail with a security
// error (spec.md §4.1, boundary case `../etc/passwd`).
type LocalBackend struct {
	baseDir string
}

func NewLocalBackend(baseDir string) (*LocalBackend, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &LocalBackend{baseDir: abs}, nil
}

// resolve canonicalizes path and verifies it stays under baseDir.
func (l *LocalBackend) resolve(path string) (string, error) {
	full := filepath.Join(l.baseDir, path) // Join cleans, so ".." that walks above baseDir is caught below
	if !strings.HasPrefix(full, l.baseDir+string(filepath.Separator)) && full != l.baseDir {
		return "", mediaerr.Security("path", "path escapes backend base directory")
	}
	return full, nil
}

func (l *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	full, err := l.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, mediaerr.Internal("stat failed", err)
	}
	return true, nil
}

func (l *LocalBackend) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, mediaerr.NotFound("path not found: " + path)
	}
	if err != nil {
		return nil, mediaerr.Internal("open failed", err)
	}
	return f, nil
}

// WriteStream writes to a ".tmp" sibling and renames it over the target
// once the copy and close succeed; on failure the temp file is removed.
func (l *LocalBackend) WriteStream(ctx context.Context, path string, r io.Reader) (int64, error) {
	full, err := l.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, mediaerr.Internal("mkdir failed", err)
	}
	tmp := full + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, mediaerr.Internal("create failed", err)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return 0, mediaerr.Internal("write failed", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return 0, mediaerr.Internal("close failed", closeErr)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return 0, mediaerr.Internal("rename failed", err)
	}
	return n, nil
}

func (l *LocalBackend) Delete(ctx context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return mediaerr.Internal("delete failed", err)
	}
	return nil
}

func (l *LocalBackend) List(ctx context.Context, prefix string, recursive bool) ([]Info, error) {
	full, err := l.resolve(prefix)
	if err != nil {
		return nil, err
	}
	var out []Info
	entries, err := os.ReadDir(full)
	if os.IsNotExist(err) {
		return nil, mediaerr.NotFound("path not found: " + prefix)
	}
	if err != nil {
		return nil, mediaerr.Internal("readdir failed", err)
	}
	for _, e := range entries {
		rel := filepath.Join(prefix, e.Name())
		if e.IsDir() {
			out = append(out, Info{Path: rel, IsDir: true})
			if recursive {
				sub, err := l.List(ctx, rel, true)
				if err != nil {
					return nil, err
				}
				out = append(out, sub...)
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Path: rel, Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

func (l *LocalBackend) EnsureDir(ctx context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return mediaerr.Internal("mkdir failed", err)
	}
	return nil
}

func (l *LocalBackend) Stat(ctx context.Context, path string) (Info, error) {
	full, err := l.resolve(path)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(full)
	if os.IsNotExist(err) {
		return Info{}, mediaerr.NotFound("path not found: " + path)
	}
	if err != nil {
		return Info{}, mediaerr.Internal("stat failed", err)
	}
	return Info{Path: path, Size: fi.Size(), ModTime: fi.ModTime(), IsDir: fi.IsDir()}, nil
}

func (l *LocalBackend) Status(ctx context.Context) error {
	_, err := os.Stat(l.baseDir)
	return err
}
