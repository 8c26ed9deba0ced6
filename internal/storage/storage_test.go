package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/jamesross/mediaforge/internal/mediaerr"
)

func newTestLocalBackend(t *testing.T) (*LocalBackend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := NewLocalBackend(dir)
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	return b, dir
}

func TestLocalWriteReadRoundTrip(t *testing.T) {
	b, _ := newTestLocalBackend(t)
	ctx := context.Background()
	n, err := b.WriteStream(ctx, "clips/a.mp4", bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if n != 11 {
		t.Fatalf("expected 11 bytes written, got %d", n)
	}
	rc, err := b.ReadStream(ctx, "clips/a.mp4")
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello world" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestLocalRejectsPathTraversal(t *testing.T) {
	b, _ := newTestLocalBackend(t)
	ctx := context.Background()
	_, err := b.ReadStream(ctx, "../etc/passwd")
	if err == nil {
		t.Fatal("expected traversal rejection, got nil error")
	}
	var merr *mediaerr.Error
	if !mediaerr_As(err, &merr) || merr.Kind != mediaerr.KindSecurity {
		t.Fatalf("expected mediaerr.KindSecurity, got %v", err)
	}
}

func TestLocalRejectsDeeplyNestedTraversal(t *testing.T) {
	b, _ := newTestLocalBackend(t)
	ctx := context.Background()
	_, err := b.Stat(ctx, "a/b/../../../../etc/shadow")
	if err == nil {
		t.Fatal("expected traversal rejection, got nil error")
	}
}

func TestLocalExistsFalseForMissing(t *testing.T) {
	b, _ := newTestLocalBackend(t)
	ok, err := b.Exists(context.Background(), "nope.mp4")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("expected false for missing path")
	}
}

func TestLocalWriteLeavesNoTempFileOnSuccess(t *testing.T) {
	b, dir := newTestLocalBackend(t)
	ctx := context.Background()
	if _, err := b.WriteStream(ctx, "out.mp4", bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.mp4.tmp")); !os.IsNotExist(err) {
		t.Fatal("tmp file should not remain after a successful write")
	}
}

func TestLocalListRecursive(t *testing.T) {
	b, _ := newTestLocalBackend(t)
	ctx := context.Background()
	b.WriteStream(ctx, "a/1.mp4", bytes.NewReader([]byte("x")))
	b.WriteStream(ctx, "a/b/2.mp4", bytes.NewReader([]byte("y")))
	entries, err := b.List(ctx, "a", true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("expected at least 3 entries (dir + 2 files), got %d", len(entries))
	}
}

func TestParseURIDefaultsToLocal(t *testing.T) {
	backend, path := ParseURI("relative/path.mp4")
	if backend != "local" || path != "relative/path.mp4" {
		t.Fatalf("unexpected parse: %s %s", backend, path)
	}
}

func TestParseURIExplicitBackend(t *testing.T) {
	backend, path := ParseURI("s3://bucket/key.mp4")
	if backend != "s3" || path != "bucket/key.mp4" {
		t.Fatalf("unexpected parse: %s %s", backend, path)
	}
}

func TestRegistryResolveUnknownBackend(t *testing.T) {
	r := NewRegistry("local")
	_, _, err := r.Resolve("gcs://bucket/key.mp4")
	if err == nil {
		t.Fatal("expected error for unregistered backend")
	}
}

func TestRegistryResolveRegistered(t *testing.T) {
	r := NewRegistry("local")
	b, _ := newTestLocalBackend(t)
	r.Register("local", b)
	resolved, path, err := r.Resolve("local:///in.mp4")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved != Backend(b) {
		t.Fatal("expected the registered backend instance back")
	}
	if path != "/in.mp4" {
		t.Fatalf("unexpected resolved path: %s", path)
	}
}

func mediaerr_As(err error, target **mediaerr.Error) bool {
	me, ok := err.(*mediaerr.Error)
	if !ok {
		return false
	}
	*target = me
	return true
}
