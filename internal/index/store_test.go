package index

import (
	"context"
	"testing"

	"github.com/harbor-cache/regcache/internal/dbconn"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbconn.Open(t.TempDir() + "/index.db")
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := Open(db)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return store
}

func TestInsertThenByDigestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Insert(ctx, Entry{
		Kind:   KindBlob,
		Scope:  "docker.io",
		Digest: "sha256:abc",
		Size:   1024,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero id")
	}

	got, err := store.ByDigest(ctx, KindBlob, "docker.io", "sha256:abc")
	if err != nil {
		t.Fatalf("ByDigest: %v", err)
	}
	if got.Size != 1024 || got.ID != id {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestInsertConflictUpdatesExistingRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id1, err := store.Insert(ctx, Entry{Kind: KindBlob, Scope: "", Digest: "sha256:dup", Size: 10})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	id2, err := store.Insert(ctx, Entry{Kind: KindBlob, Scope: "", Digest: "sha256:dup", Size: 20})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same row id, got %d and %d", id1, id2)
	}

	got, err := store.ByDigest(ctx, KindBlob, "", "sha256:dup")
	if err != nil {
		t.Fatalf("ByDigest: %v", err)
	}
	if got.Size != 20 {
		t.Fatalf("expected updated size 20, got %d", got.Size)
	}
}

func TestByDigestMissingReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.ByDigest(ctx, KindBlob, "", "sha256:missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestByTagLooksUpManifestByRepositoryAndReference(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Insert(ctx, Entry{
		Kind:       KindManifest,
		Scope:      "docker.io",
		Repository: "library/alpine",
		Reference:  "latest",
		Digest:     "sha256:manifestdigest",
		MediaType:  "application/vnd.oci.image.manifest.v1+json",
		Size:       512,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := store.ByTag(ctx, "docker.io", "library/alpine", "latest")
	if err != nil {
		t.Fatalf("ByTag: %v", err)
	}
	if got.Digest != "sha256:manifestdigest" {
		t.Fatalf("unexpected digest: %s", got.Digest)
	}
}

func TestTouchIncrementsAccessCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Insert(ctx, Entry{Kind: KindBlob, Digest: "sha256:touch", Size: 1})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := store.Touch(ctx, id); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := store.Touch(ctx, id); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := store.ByDigest(ctx, KindBlob, "", "sha256:touch")
	if err != nil {
		t.Fatalf("ByDigest: %v", err)
	}
	if got.AccessCount != 2 {
		t.Fatalf("expected access count 2, got %d", got.AccessCount)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Insert(ctx, Entry{Kind: KindBlob, Digest: "sha256:del", Size: 1})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.ByDigest(ctx, KindBlob, "", "sha256:del"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteByDigestRemovesAcrossScopes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Insert(ctx, Entry{Kind: KindBlob, Scope: "a", Digest: "sha256:shared", Size: 1}); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if _, err := store.Insert(ctx, Entry{Kind: KindBlob, Scope: "b", Digest: "sha256:shared", Size: 1}); err != nil {
		t.Fatalf("Insert b: %v", err)
	}

	matched, err := store.DeleteByDigest(ctx, "sha256:shared")
	if err != nil {
		t.Fatalf("DeleteByDigest: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 matched entries, got %d", len(matched))
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty index after delete, got %d entries", len(all))
	}
}

func TestTotalSizeSumsEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Insert(ctx, Entry{Kind: KindBlob, Digest: "sha256:one", Size: 100}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := store.Insert(ctx, Entry{Kind: KindBlob, Digest: "sha256:two", Size: 250}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	total, err := store.TotalSize(ctx)
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if total != 350 {
		t.Fatalf("expected 350, got %d", total)
	}
}

func TestListFiltersByRepositoryAndSorts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, repo := range []string{"library/alpine", "library/alpine", "library/nginx"} {
		if _, err := store.Insert(ctx, Entry{
			Kind:       KindManifest,
			Repository: repo,
			Reference:  "tag",
			Digest:     "sha256:list" + string(rune('a'+i)),
			Size:       int64(i + 1),
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	entries, err := store.List(ctx, ListFilter{Repository: "library/alpine"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Size != 1 || entries[1].Size != 2 {
		t.Fatalf("expected entries ordered by last_accessed_at then id (sizes 1, 2), got sizes %d, %d", entries[0].Size, entries[1].Size)
	}
}

func TestListBreaksSortTiesByIDAscending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := store.Insert(ctx, Entry{
			Kind:       KindManifest,
			Repository: "library/alpine",
			Reference:  "tag",
			Digest:     "sha256:tie" + string(rune('a'+i)),
			Size:       1,
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, id)
	}

	entries, err := store.List(ctx, ListFilter{Repository: "library/alpine", SortBy: "size"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.ID != ids[i] {
			t.Fatalf("entry %d: expected id %d (insertion order), got %d", i, ids[i], e.ID)
		}
	}
}

func TestClearRemovesAllEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Insert(ctx, Entry{Kind: KindBlob, Digest: "sha256:clearme", Size: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	cleared, err := store.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if len(cleared) != 1 {
		t.Fatalf("expected 1 cleared entry, got %d", len(cleared))
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty index, got %d", len(all))
	}
}
