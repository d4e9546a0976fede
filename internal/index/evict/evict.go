// Package evict implements the three closed eviction policies (LRU,
// LFU, FIFO) plus unconditional retention-day eviction and
// the orphan reconciliation sweep. Unlike an in-memory LRU such as
// hashicorp/golang-lru, this package can't keep the candidate set
// resident: the authoritative state is the sqlite-backed index, so
// each run is a query against the accounting columns rather than a
// pointer-chase through a resident list. The policy names and
// recency/frequency/insertion-order semantics are kept faithful to
// that kind of library's contract even though the mechanism
// underneath is a SQL scan.
package evict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	units "github.com/docker/go-units"

	"github.com/harbor-cache/regcache/internal/config"
	"github.com/harbor-cache/regcache/internal/index"
	"github.com/harbor-cache/regcache/internal/storage"
)

// batchSize bounds how many candidate rows one eviction query lists at
// a time. Each listed row is then removed by its own Store.Delete call;
// the deletes do not share a transaction.
const batchSize = 100

// Store is the subset of *index.Store eviction needs.
type Store interface {
	TotalSize(ctx context.Context) (int64, error)
	List(ctx context.Context, f index.ListFilter) ([]index.Entry, error)
	Delete(ctx context.Context, id int64) error
	All(ctx context.Context) ([]index.Entry, error)
}

// Sweeper runs eviction and orphan reconciliation against an index and
// storage backend.
type Sweeper struct {
	store   Store
	backend storage.Backend
	cfg     config.Cache
	log     *slog.Logger
}

// New constructs a Sweeper.
func New(store Store, backend storage.Backend, cfg config.Cache, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: store, backend: backend, cfg: cfg, log: log}
}

// sortForPolicy maps an eviction policy to the index.List sort column
// that orders "evict first" candidates ascending.
func sortForPolicy(policy config.EvictionPolicy) string {
	switch policy {
	case config.PolicyLFU:
		return "access_count"
	case config.PolicyFIFO:
		return "created_at"
	default:
		return "last_accessed_at" // PolicyLRU
	}
}

// RunOnce performs one eviction pass: retention-day eviction first
// (unconditional regardless of policy), then policy-ordered eviction
// down to MaxSize if the index is still over budget.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	evicted, err := s.evictExpiredByRetention(ctx)
	if err != nil {
		return fmt.Errorf("retention eviction: %w", err)
	}
	if evicted > 0 {
		s.log.Info("evicted expired entries", "count", evicted)
	}

	moreEvicted, err := s.evictToSizeBudget(ctx)
	if err != nil {
		return fmt.Errorf("size-budget eviction: %w", err)
	}
	if moreEvicted > 0 {
		s.log.Info("evicted entries to reclaim size budget", "count", moreEvicted)
	}
	return nil
}

func (s *Sweeper) evictExpiredByRetention(ctx context.Context) (int, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	total := 0
	for {
		entries, err := s.store.List(ctx, index.ListFilter{SortBy: "created_at", Limit: batchSize})
		if err != nil {
			return total, err
		}
		expired := 0
		for _, e := range entries {
			if e.CreatedAt.After(cutoff) {
				break // created_at ascending: remaining rows are newer still
			}
			if err := s.removeEntry(ctx, e); err != nil {
				return total, err
			}
			expired++
			total++
		}
		if expired == 0 || expired < batchSize {
			break
		}
	}
	return total, nil
}

func (s *Sweeper) evictToSizeBudget(ctx context.Context) (int, error) {
	if s.cfg.MaxSize <= 0 {
		return 0, nil
	}

	total := 0
	for {
		size, err := s.store.TotalSize(ctx)
		if err != nil {
			return total, err
		}
		if size <= s.cfg.MaxSize {
			break
		}

		entries, err := s.store.List(ctx, index.ListFilter{SortBy: sortForPolicy(s.cfg.EvictionPolicy), Limit: batchSize})
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			break // nothing left to evict; budget unreachable
		}
		s.log.Info("cache over size budget", "size", units.BytesSize(float64(size)), "max_size", units.BytesSize(float64(s.cfg.MaxSize)), "policy", s.cfg.EvictionPolicy)
		for _, e := range entries {
			if size <= s.cfg.MaxSize {
				break
			}
			if err := s.removeEntry(ctx, e); err != nil {
				return total, err
			}
			size -= e.Size
			total++
		}
	}
	return total, nil
}

// removeEntry deletes the index row first, then the backend object —
// that ordering so a crash mid-eviction leaves at
// worst an orphaned backend object (cleaned up by Reconcile), never a
// dangling index entry pointing at deleted bytes.
func (s *Sweeper) removeEntry(ctx context.Context, e index.Entry) error {
	if err := s.store.Delete(ctx, e.ID); err != nil {
		return fmt.Errorf("deleting index entry %d: %w", e.ID, err)
	}
	key := contentKey(e)
	if err := s.backend.Delete(ctx, key); err != nil {
		s.log.Warn("failed to delete backend object after index eviction", "key", key, "error", err)
	}
	return nil
}

// contentKey reconstructs an entry's storage key from its Scope: an
// isolated entry's scope equals the owning upstream's name, a shared
// entry's scope is empty. Kept in sync with proxy.Handler's identical
// reconstruction, since both sides must agree on where an entry's
// bytes live without a stored key column.
func contentKey(e index.Entry) string {
	return storage.ScopedKey(e.Scope, e.Scope != "", e.ContentKey(storage.BlobKey))
}

// orphanGracePeriod returns the configured grace period, defaulting to
// 24h when unset — objects younger than this are left alone even if
// unreferenced, since they may be mid-upload or mid-insert: a backend
// PutStream can land before its Index.Insert commits, and a sweep
// racing that window must not delete bytes a request is about to index.
func (s *Sweeper) orphanGracePeriod() time.Duration {
	if s.cfg.OrphanGracePeriod > 0 {
		return s.cfg.OrphanGracePeriod
	}
	return 24 * time.Hour
}

// Reconcile sweeps the backend for blob objects no index entry
// references, deleting those older than the orphan grace period.
func (s *Sweeper) Reconcile(ctx context.Context) (int, error) {
	entries, err := s.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing index entries: %w", err)
	}
	referenced := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		referenced[contentKey(e)] = struct{}{}
	}

	objects, err := s.backend.List(ctx, "blobs/")
	if err != nil {
		return 0, fmt.Errorf("listing backend objects: %w", err)
	}

	cutoff := time.Now().Add(-s.orphanGracePeriod())

	removed := 0
	for _, obj := range objects {
		if _, ok := referenced[obj.Key]; ok {
			continue
		}
		if obj.ModTime.After(cutoff) {
			continue // too young to be sure it isn't mid-write; next sweep will catch it
		}
		if err := s.backend.Delete(ctx, obj.Key); err != nil {
			s.log.Warn("failed to delete orphan object", "key", obj.Key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Run starts the background eviction+reconciliation loop, firing every
// EvictionInterval until ctx is cancelled (default 60s cadence).
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.EvictionInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("eviction pass failed", "error", err)
			}
			if n, err := s.Reconcile(ctx); err != nil {
				s.log.Error("orphan reconciliation failed", "error", err)
			} else if n > 0 {
				s.log.Info("reconciliation removed orphan objects", "count", n)
			}
		}
	}
}
