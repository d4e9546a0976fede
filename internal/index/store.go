package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching entry.
var ErrNotFound = errors.New("index: entry not found")

// ErrConflict is returned by Insert when the (kind, scope, digest)
// uniqueness invariant would be violated by a non-replace insert.
var ErrConflict = errors.New("index: entry already exists")

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	kind            TEXT NOT NULL,
	scope           TEXT NOT NULL DEFAULT '',
	repository      TEXT NOT NULL DEFAULT '',
	reference       TEXT NOT NULL DEFAULT '',
	digest          TEXT NOT NULL,
	media_type      TEXT NOT NULL DEFAULT '',
	size            INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	access_count    INTEGER NOT NULL DEFAULT 0,
	UNIQUE(kind, scope, digest)
);
CREATE INDEX IF NOT EXISTS idx_entries_scope_digest ON cache_entries(scope, digest);
CREATE INDEX IF NOT EXISTS idx_entries_tag ON cache_entries(scope, repository, reference);
CREATE INDEX IF NOT EXISTS idx_entries_last_accessed ON cache_entries(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_entries_created ON cache_entries(created_at);
CREATE INDEX IF NOT EXISTS idx_entries_access_count ON cache_entries(access_count);

CREATE TABLE IF NOT EXISTS stats_counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);
`

// Store is the durable CacheEntry index.
type Store struct {
	db *sql.DB
}

// Open runs the schema migration against db and returns a Store.
func Open(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("applying index schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert durably records a new entry (or replaces the existing one for
// the same (kind, scope, digest), for the manifest PUT "insert/replace
// index entry"). The backend object MUST already exist before calling
// Insert — the backend write must precede the index insert.
func (s *Store) Insert(ctx context.Context, e Entry) (int64, error) {
	now := e.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	lastAccessed := e.LastAccessedAt
	if lastAccessed.IsZero() {
		lastAccessed = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (kind, scope, repository, reference, digest, media_type, size, created_at, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, scope, digest) DO UPDATE SET
			repository = excluded.repository,
			reference = excluded.reference,
			media_type = excluded.media_type,
			size = excluded.size,
			last_accessed_at = excluded.last_accessed_at
	`, string(e.Kind), e.Scope, e.Repository, e.Reference, e.Digest, e.MediaType, e.Size,
		now.Unix(), lastAccessed.Unix(), e.AccessCount)
	if err != nil {
		return 0, fmt.Errorf("inserting entry: %w", err)
	}

	// On the ON CONFLICT UPDATE path sqlite leaves LastInsertId at the
	// connection's previous insert, so the row is always looked back up
	// by its unique key.
	existing, err := s.ByDigest(ctx, e.Kind, e.Scope, e.Digest)
	if err != nil {
		return 0, err
	}
	return existing.ID, nil
}

// InsertTag records the tag→digest mapping for a manifest fetched or
// pushed by tag; it is a thin wrapper over Insert kept separate so
// callers' intent reads clearly. Rows are unique on (kind, scope,
// digest), so it updates the existing row for that digest, replacing
// its repository and reference with the tag, rather than adding a
// second row.
func (s *Store) InsertTag(ctx context.Context, e Entry) (int64, error) {
	return s.Insert(ctx, e)
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var kind string
	var createdAt, lastAccessed int64
	err := row.Scan(&e.ID, &kind, &e.Scope, &e.Repository, &e.Reference, &e.Digest, &e.MediaType, &e.Size, &createdAt, &lastAccessed, &e.AccessCount)
	if err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.LastAccessedAt = time.Unix(lastAccessed, 0).UTC()
	return e, nil
}

const selectCols = "id, kind, scope, repository, reference, digest, media_type, size, created_at, last_accessed_at, access_count"

// ByDigest looks up an entry by (kind, scope, digest) — the lookup key
// for manifest-by-digest and all blob requests.
func (s *Store) ByDigest(ctx context.Context, kind Kind, scope, digest string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM cache_entries WHERE kind = ? AND scope = ? AND digest = ?`, string(kind), scope, digest)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// ByTag looks up a manifest entry by (scope, repository, reference) —
// the lookup key for manifest-by-tag requests.
func (s *Store) ByTag(ctx context.Context, scope, repository, reference string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM cache_entries WHERE kind = ? AND scope = ? AND repository = ? AND reference = ?`,
		string(KindManifest), scope, repository, reference)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Touch bumps access-count and last-accessed-at for a cache hit.
func (s *Store) Touch(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE cache_entries SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`, time.Now().UTC().Unix(), id)
	return err
}

// Delete removes the entry with the given id (index-side only; callers
// are responsible for deleting the backend object in the required ordering:
// "Eviction deletes the index entry first, then the backend object").
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE id = ?`, id)
	return err
}

// DeleteByDigest removes every entry (across scopes) matching digest,
// for the admin "Entry delete by digest" operation, returning the
// removed entries so the caller can also delete their backend objects.
func (s *Store) DeleteByDigest(ctx context.Context, digest string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectCols+` FROM cache_entries WHERE digest = ?`, digest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		matched = append(matched, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE digest = ?`, digest); err != nil {
		return nil, err
	}
	return matched, nil
}

// All returns every entry, for the orphan-reconciliation sweep.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectCols+` FROM cache_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear deletes every entry, for the admin "Clear" operation.
// Returns the cleared entries, so the caller can also clear their
// backend objects and report how many were cleared.
func (s *Store) Clear(ctx context.Context) ([]Entry, error) {
	entries, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return nil, err
	}
	return entries, nil
}

// TotalSize returns the sum of Size across all entries.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM cache_entries`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// ListFilter narrows the admin "Entry list" operation.
type ListFilter struct {
	Kind       Kind
	Repository string
	Digest     string
	SortBy     string // "last_accessed_at", "created_at", "size", "access_count"
	Descending bool
	Limit      int
	Offset     int
}

// List returns entries matching filter, for the paginated admin surface.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	query := `SELECT ` + selectCols + ` FROM cache_entries WHERE 1=1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Repository != "" {
		query += ` AND repository = ?`
		args = append(args, f.Repository)
	}
	if f.Digest != "" {
		query += ` AND digest = ?`
		args = append(args, f.Digest)
	}

	sortCol := "last_accessed_at"
	switch f.SortBy {
	case "created_at", "size", "access_count", "last_accessed_at":
		sortCol = f.SortBy
	}
	query += " ORDER BY " + sortCol
	if f.Descending {
		query += " DESC"
	}
	query += ", id ASC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
