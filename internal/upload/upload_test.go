package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/harbor-cache/regcache/internal/digest"
	"github.com/harbor-cache/regcache/internal/storage"
)

type memBackend struct {
	objects map[string][]byte
	writers map[string]*memWriter
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte), writers: make(map[string]*memWriter)}
}

type memWriter struct {
	backend *memBackend
	key     string
	buf     bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.backend.objects[w.key] = w.buf.Bytes()
	return nil
}

func (b *memBackend) PutStream(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	b.objects[key] = data
	return int64(len(data)), err
}

func (b *memBackend) GetStream(ctx context.Context, key string, rng *storage.Range) (io.ReadCloser, int64, error) {
	data, ok := b.objects[key]
	if !ok {
		return nil, 0, storage.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *memBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := b.objects[key]
	return ok, nil
}

func (b *memBackend) Delete(ctx context.Context, key string) error {
	delete(b.objects, key)
	return nil
}

func (b *memBackend) PutAtomic(ctx context.Context, tmpKey, finalKey string) error {
	data, ok := b.objects[tmpKey]
	if !ok {
		return storage.ErrNotExist
	}
	b.objects[finalKey] = data
	delete(b.objects, tmpKey)
	return nil
}

func (b *memBackend) ScratchWriter(ctx context.Context, tmpKey string) (io.WriteCloser, error) {
	w := &memWriter{backend: b, key: tmpKey}
	b.writers[tmpKey] = w
	return w, nil
}

func (b *memBackend) List(ctx context.Context, prefix string) ([]storage.Object, error) {
	var objects []storage.Object
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			objects = append(objects, storage.Object{Key: k})
		}
	}
	return objects, nil
}

func sha256Digest(data []byte) digest.Digest {
	sum := sha256.Sum256(data)
	return digest.Digest(fmt.Sprintf("sha256:%x", sum))
}

func TestCreateAppendFinalizeRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, time.Hour)

	session, err := mgr.Create(ctx, "library/alpine")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := []byte("hello world blob contents")
	offset, err := mgr.Append(ctx, session.ID, 0, bytes.NewReader(payload[:10]))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if offset != 10 {
		t.Fatalf("expected offset 10, got %d", offset)
	}

	offset, err = mgr.Append(ctx, session.ID, 10, bytes.NewReader(payload[10:]))
	if err != nil {
		t.Fatalf("Append second chunk: %v", err)
	}
	if offset != int64(len(payload)) {
		t.Fatalf("expected offset %d, got %d", len(payload), offset)
	}

	want := sha256Digest(payload)
	got, size, err := mgr.Finalize(ctx, session.ID, nil, want)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got != want {
		t.Fatalf("expected digest %s, got %s", want, got)
	}
	if size != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), size)
	}

	finalKey := storage.BlobKey(got.Algorithm().String(), got.Hex())
	if _, ok := backend.objects[finalKey]; !ok {
		t.Fatal("expected finalized blob installed under content key")
	}
}

func TestAppendRejectsOffsetMismatch(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, time.Hour)

	session, err := mgr.Create(ctx, "library/alpine")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = mgr.Append(ctx, session.ID, 5, bytes.NewReader([]byte("x")))
	if err != ErrOffsetMismatch {
		t.Fatalf("expected ErrOffsetMismatch, got %v", err)
	}
}

func TestFinalizeRejectsDigestMismatch(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, time.Hour)

	session, err := mgr.Create(ctx, "library/alpine")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := mgr.Append(ctx, session.ID, 0, bytes.NewReader([]byte("actual content"))); err != nil {
		t.Fatalf("Append: %v", err)
	}

	wrong := digest.Digest("sha256:" + strings.Repeat("0", 64))
	_, _, err = mgr.Finalize(ctx, session.ID, nil, wrong)
	if err != ErrDigestMismatch {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestCancelDiscardsSessionAndScratchObject(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, time.Hour)

	session, err := mgr.Create(ctx, "library/alpine")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := mgr.Append(ctx, session.ID, 0, bytes.NewReader([]byte("abc"))); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := mgr.Cancel(ctx, session.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := mgr.Get(session.ID); err != ErrSessionNotFound {
		t.Fatalf("expected session to be gone, got err=%v", err)
	}
}

func TestSweepReclaimsExpiredSessions(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	mgr := NewManager(backend, -time.Second) // already expired on creation

	session, err := mgr.Create(ctx, "library/alpine")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}
	if _, err := mgr.Get(session.ID); err != ErrSessionNotFound {
		t.Fatalf("expected session removed, got err=%v", err)
	}
}
