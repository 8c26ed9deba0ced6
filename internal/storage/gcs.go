package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/jamesross/mediaforge/internal/mediaerr"
)

// GCSBackend implements Backend over Google Cloud Storage. Named
// out-of-pack: no example repo imports cloud.google.com/go/storage, so
// this follows the same shape as S3Backend/AzureBackend rather than a
// specific corpus file.
type GCSBackend struct {
	bucket *storage.BucketHandle
	prefix string
}

func NewGCSBackend(ctx context.Context, bucketName, prefix string) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, mediaerr.Internal("create gcs client failed", err)
	}
	return &GCSBackend{bucket: client.Bucket(bucketName), prefix: strings.Trim(prefix, "/")}, nil
}

func (g *GCSBackend) key(path string) string {
	p := strings.TrimPrefix(path, "/")
	if g.prefix == "" {
		return p
	}
	return g.prefix + "/" + p
}

func (g *GCSBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := g.bucket.Object(g.key(path)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, mediaerr.Internal("get object attrs failed", err)
	}
	return true, nil
}

func (g *GCSBackend) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(g.key(path)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, mediaerr.NotFound("path not found: " + path)
		}
		return nil, mediaerr.Internal("new reader failed", err)
	}
	return r, nil
}

func (g *GCSBackend) WriteStream(ctx context.Context, path string, r io.Reader) (int64, error) {
	w := g.bucket.Object(g.key(path)).NewWriter(ctx)
	n, copyErr := io.Copy(w, r)
	closeErr := w.Close()
	if copyErr != nil {
		return 0, mediaerr.Internal("write object failed", copyErr)
	}
	if closeErr != nil {
		return 0, mediaerr.Internal("close writer failed", closeErr)
	}
	return n, nil
}

func (g *GCSBackend) Delete(ctx context.Context, path string) error {
	err := g.bucket.Object(g.key(path)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return mediaerr.Internal("delete object failed", err)
	}
	return nil
}

func (g *GCSBackend) List(ctx context.Context, prefix string, recursive bool) ([]Info, error) {
	fullPrefix := g.key(prefix)
	query := &storage.Query{Prefix: fullPrefix}
	if !recursive {
		query.Delimiter = "/"
	}
	var out []Info
	it := g.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mediaerr.Internal("list objects failed", err)
		}
		if attrs.Prefix != "" {
			out = append(out, Info{Path: strings.TrimPrefix(attrs.Prefix, g.prefix+"/"), IsDir: true})
			continue
		}
		out = append(out, Info{
			Path:    strings.TrimPrefix(attrs.Name, g.prefix+"/"),
			Size:    attrs.Size,
			ModTime: attrs.Updated,
		})
	}
	return out, nil
}

func (g *GCSBackend) EnsureDir(ctx context.Context, path string) error { return nil }

func (g *GCSBackend) Stat(ctx context.Context, path string) (Info, error) {
	attrs, err := g.bucket.Object(g.key(path)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Info{}, mediaerr.NotFound("path not found: " + path)
		}
		return Info{}, mediaerr.Internal("get object attrs failed", err)
	}
	return Info{Path: path, Size: attrs.Size, ModTime: attrs.Updated}, nil
}

func (g *GCSBackend) Status(ctx context.Context) error {
	_, err := g.bucket.Attrs(ctx)
	return err
}
