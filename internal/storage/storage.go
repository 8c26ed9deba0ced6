// Package storage implements the Storage Abstraction (C1): a uniform
// byte-stream interface over local filesystem and object-store backends,
// addressed by a registered name. The registry/factory shape follows the
// teacher's BackendRegistry/BackendFactory pattern (originally used for
// queue backends), retargeted here to file-stream backends.
package storage

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/jamesross/mediaforge/internal/mediaerr"
)

// Info describes one object/path a backend knows about.
type Info struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Backend is the polymorphic interface every storage implementation
// satisfies, per spec.md §4.1's capability set.
type Backend interface {
	Exists(ctx context.Context, path string) (bool, error)
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	WriteStream(ctx context.Context, path string, r io.Reader) (int64, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string, recursive bool) ([]Info, error)
	EnsureDir(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (Info, error)
	Status(ctx context.Context) error
}

// Registry resolves a backend name to an implementation. Backends are
// constructed once at boot from config and cached; there is no runtime
// reload (spec.md §6).
type Registry struct {
	backends map[string]Backend
	defaultB string
}

func NewRegistry(defaultBackend string) *Registry {
	return &Registry{backends: map[string]Backend{}, defaultB: defaultBackend}
}

func (r *Registry) Register(name string, b Backend) {
	r.backends[name] = b
}

func (r *Registry) Get(name string) (Backend, error) {
	if name == "" {
		name = r.defaultB
	}
	b, ok := r.backends[name]
	if !ok {
		return nil, mediaerr.Internal("storage backend not registered: "+name, nil)
	}
	return b, nil
}

// ParseURI splits "name://rest" into (backend_name, rest); an unprefixed
// path defaults to "local".
func ParseURI(uri string) (backend, path string) {
	if i := strings.Index(uri, "://"); i >= 0 {
		return uri[:i], uri[i+3:]
	}
	return "local", uri
}

// Resolve parses uri and returns the Backend plus the backend-relative
// path to operate on.
func (r *Registry) Resolve(uri string) (Backend, string, error) {
	name, path := ParseURI(uri)
	b, err := r.Get(name)
	if err != nil {
		return nil, "", err
	}
	return b, path, nil
}
