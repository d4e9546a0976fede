// Package admin exposes operational control over the cache: entry
// listing/filtering, targeted deletion, forced cleanup, and a full
// clear, plus a thin net/http mux serving them under /admin/*. It is
// the operable counterpart to the otherwise fully automatic eviction
// and reconciliation loops in the evict package.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	units "github.com/docker/go-units"

	"github.com/harbor-cache/regcache/internal/index"
	"github.com/harbor-cache/regcache/internal/index/evict"
	"github.com/harbor-cache/regcache/internal/storage"
)

// Operations is the backend-agnostic admin surface, independent of
// the HTTP transport in Mux.
type Operations struct {
	Index   *index.Store
	Storage storage.Backend
	Sweeper *evict.Sweeper
}

// Stats summarizes the current cache state.
type Stats struct {
	TotalSize      int64  `json:"total_size"`
	TotalSizeHuman string `json:"total_size_human"`
	EntryCount     int    `json:"entry_count"`
}

// Stats reports the current total cached size and entry count.
func (o *Operations) Stats(ctx context.Context) (Stats, error) {
	size, err := o.Index.TotalSize(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("reading total size: %w", err)
	}
	entries, err := o.Index.All(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing entries: %w", err)
	}
	return Stats{TotalSize: size, TotalSizeHuman: units.BytesSize(float64(size)), EntryCount: len(entries)}, nil
}

// List returns entries matching filter, for the paginated admin entry browser.
func (o *Operations) List(ctx context.Context, filter index.ListFilter) ([]index.Entry, error) {
	return o.Index.List(ctx, filter)
}

// DeleteByDigest removes every index entry (across scopes) matching
// digest and their backend objects.
func (o *Operations) DeleteByDigest(ctx context.Context, digest string) (int, error) {
	entries, err := o.Index.DeleteByDigest(ctx, digest)
	if err != nil {
		return 0, fmt.Errorf("deleting entries for digest %s: %w", digest, err)
	}
	for _, e := range entries {
		o.Storage.Delete(ctx, contentKeyFor(e))
	}
	return len(entries), nil
}

// Clear removes every index entry and its backend object.
func (o *Operations) Clear(ctx context.Context) (int, error) {
	entries, err := o.Index.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("clearing index: %w", err)
	}
	for _, e := range entries {
		o.Storage.Delete(ctx, contentKeyFor(e))
	}
	return len(entries), nil
}

// ForceCleanup runs one eviction pass and one orphan-reconciliation
// sweep immediately, outside the Sweeper's normal ticker cadence.
func (o *Operations) ForceCleanup(ctx context.Context) (evicted, orphansRemoved int, err error) {
	before, err := o.Index.All(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing entries: %w", err)
	}
	if err := o.Sweeper.RunOnce(ctx); err != nil {
		return 0, 0, fmt.Errorf("eviction pass: %w", err)
	}
	after, err := o.Index.All(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("listing entries: %w", err)
	}
	n, err := o.Sweeper.Reconcile(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("reconciliation: %w", err)
	}
	return max(len(before)-len(after), 0), n, nil
}

// contentKeyFor reconstructs an entry's storage key from its Scope,
// matching evict.Sweeper's identical reconstruction.
func contentKeyFor(e index.Entry) string {
	return storage.ScopedKey(e.Scope, e.Scope != "", e.ContentKey(storage.BlobKey))
}

// Mux builds the admin HTTP surface. It is intended to be served on a
// separate, internal-only listener — it has no authentication of its
// own.
func Mux(ops *Operations) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := ops.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	})

	mux.HandleFunc("GET /admin/entries", func(w http.ResponseWriter, r *http.Request) {
		filter := filterFromQuery(r)
		entries, err := ops.List(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	})

	mux.HandleFunc("DELETE /admin/entries/{digest}", func(w http.ResponseWriter, r *http.Request) {
		n, err := ops.DeleteByDigest(r.Context(), r.PathValue("digest"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"deleted": n})
	})

	mux.HandleFunc("POST /admin/cleanup", func(w http.ResponseWriter, r *http.Request) {
		evicted, orphans, err := ops.ForceCleanup(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"evicted": evicted, "orphans_removed": orphans})
	})

	mux.HandleFunc("POST /admin/clear", func(w http.ResponseWriter, r *http.Request) {
		n, err := ops.Clear(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int{"cleared": n})
	})

	return mux
}

func filterFromQuery(r *http.Request) index.ListFilter {
	q := r.URL.Query()
	f := index.ListFilter{
		Kind:       index.Kind(q.Get("kind")),
		Repository: q.Get("repository"),
		Digest:     q.Get("digest"),
		SortBy:     q.Get("sort_by"),
		Descending: q.Get("order") == "desc",
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = offset
	}
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
