// Package storage defines the polymorphic content-addressed storage
// contract: put_stream, get_stream, exists, delete, and
// put_atomic, implemented by the local and S3-compatible backends in
// the local and s3 subpackages. The contract is strictly streaming —
// no full-buffering of a body — so a single large blob transits
// through memory in bounded chunks regardless of backend.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Range is an inclusive byte range for a partial get_stream. HasEnd is
// false when the range has no
// upper bound ("bytes=a-" meaning through EOF).
type Range struct {
	Start  int64
	End    int64
	HasEnd bool
}

// ErrNotExist is returned by GetStream when key is absent.
var ErrNotExist = fmt.Errorf("storage: object does not exist")

// ErrRangeNotSatisfiable is returned by GetStream when Range.Start is
// at or beyond the object's size.
var ErrRangeNotSatisfiable = fmt.Errorf("storage: range not satisfiable")

// Backend is the storage contract every content-addressed backend
// implements. Backends MUST be safe for concurrent use by multiple
// goroutines.
type Backend interface {
	// PutStream writes all of r under key, atomically with respect to
	// concurrent readers: a partial object must never become visible
	// under key. Returns the number of bytes written.
	PutStream(ctx context.Context, key string, r io.Reader) (int64, error)

	// GetStream opens key for reading, optionally restricted to rng.
	// Returns the stream, the total object size (independent of rng),
	// and an error. Returns ErrNotExist if key is absent, or
	// ErrRangeNotSatisfiable if rng.Start >= size.
	GetStream(ctx context.Context, key string, rng *Range) (io.ReadCloser, int64, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. It is best-effort: a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// PutAtomic moves scratch data previously written under tmpKey
	// (e.g. via an upload session) into its final content-addressed
	// key, atomically with respect to readers of finalKey.
	PutAtomic(ctx context.Context, tmpKey, finalKey string) error

	// ScratchWriter opens a writer for upload-session scratch bytes
	// addressed by tmpKey, to be later installed via PutAtomic or
	// discarded via Delete.
	ScratchWriter(ctx context.Context, tmpKey string) (io.WriteCloser, error)

	// List returns every object currently stored under the given
	// prefix, used by the orphan-reconciliation sweep to find backend
	// objects the index no longer references and judge their age
	// against the grace period before deleting them.
	List(ctx context.Context, prefix string) ([]Object, error)
}

// Object describes one stored key as returned by List: its key and the
// backend's notion of when it was last written.
type Object struct {
	Key     string
	ModTime time.Time
}

// BlobKey returns the content-addressed key for a blob digest, sharded
// two hex characters deep as required for the local backend
// (and mirrored by the S3 backend for consistency across backends).
func BlobKey(algorithm, hex string) string {
	if len(hex) < 2 {
		return fmt.Sprintf("blobs/%s/%s", algorithm, hex)
	}
	return fmt.Sprintf("blobs/%s/%s/%s", algorithm, hex[:2], hex)
}

// ScopedKey prefixes key with the owning upstream's name when the
// upstream's cache-isolation is "isolated".
func ScopedKey(upstream string, isolated bool, key string) string {
	if !isolated {
		return key
	}
	return upstream + "/" + key
}

// UploadScratchKey returns the scratch object key for an in-progress
// upload session.
func UploadScratchKey(sessionID string) string {
	return "uploads/" + sessionID
}
