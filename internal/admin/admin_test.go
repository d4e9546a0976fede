package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harbor-cache/regcache/internal/config"
	"github.com/harbor-cache/regcache/internal/dbconn"
	"github.com/harbor-cache/regcache/internal/index"
	"github.com/harbor-cache/regcache/internal/index/evict"
	"github.com/harbor-cache/regcache/internal/storage/local"
)

func newTestOperations(t *testing.T) *Operations {
	t.Helper()
	db, err := dbconn.Open(t.TempDir() + "/index.db")
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	idx, err := index.Open(db)
	if err != nil {
		t.Fatalf("opening index: %v", err)
	}
	backend := local.New(t.TempDir())
	if err := backend.Init(); err != nil {
		t.Fatalf("initializing backend: %v", err)
	}
	sweeper := evict.New(idx, backend, config.Cache{EvictionPolicy: config.PolicyLRU}, nil)
	return &Operations{Index: idx, Storage: backend, Sweeper: sweeper}
}

func TestStatsReflectsInsertedEntries(t *testing.T) {
	ctx := context.Background()
	ops := newTestOperations(t)

	if _, err := ops.Index.Insert(ctx, index.Entry{Kind: index.KindBlob, Digest: "sha256:abc", Size: 100}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	stats, err := ops.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntryCount != 1 || stats.TotalSize != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDeleteByDigestRemovesEntry(t *testing.T) {
	ctx := context.Background()
	ops := newTestOperations(t)

	if _, err := ops.Index.Insert(ctx, index.Entry{Kind: index.KindBlob, Digest: "sha256:del", Size: 10}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := ops.DeleteByDigest(ctx, "sha256:del")
	if err != nil {
		t.Fatalf("DeleteByDigest: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry deleted, got %d", n)
	}

	stats, err := ops.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntryCount != 0 {
		t.Fatalf("expected empty index, got %d entries", stats.EntryCount)
	}
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	ops := newTestOperations(t)

	ops.Index.Insert(ctx, index.Entry{Kind: index.KindBlob, Digest: "sha256:one", Size: 1})
	ops.Index.Insert(ctx, index.Entry{Kind: index.KindBlob, Digest: "sha256:two", Size: 2})

	n, err := ops.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries cleared, got %d", n)
	}
}

func TestMuxStatsEndpoint(t *testing.T) {
	ctx := context.Background()
	ops := newTestOperations(t)
	ops.Index.Insert(ctx, index.Entry{Kind: index.KindBlob, Digest: "sha256:mux", Size: 5})

	srv := httptest.NewServer(Mux(ops))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admin/stats")
	if err != nil {
		t.Fatalf("GET /admin/stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMuxClearEndpoint(t *testing.T) {
	ctx := context.Background()
	ops := newTestOperations(t)
	ops.Index.Insert(ctx, index.Entry{Kind: index.KindBlob, Digest: "sha256:clearme", Size: 5})

	srv := httptest.NewServer(Mux(ops))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/clear", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /admin/clear: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	stats, err := ops.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.EntryCount != 0 {
		t.Fatalf("expected index cleared, got %d entries", stats.EntryCount)
	}
}
