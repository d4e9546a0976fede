// Package upload manages chunked blob upload sessions:
// POST creates a session and scratch object, PATCH appends chunks
// while tracking a running digest and byte offset, PUT finalizes by
// verifying the accumulated digest and atomically installing the
// scratch object under its content-addressed key. Session identifiers
// use github.com/google/uuid, the same library the wider pack reaches
// for request/resource IDs (seen across the retrieved manifests).
package upload

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harbor-cache/regcache/internal/digest"
	"github.com/harbor-cache/regcache/internal/storage"
)

// ErrSessionNotFound is returned by Get/Append/Finalize/Cancel when id
// is unknown or has expired.
var ErrSessionNotFound = errors.New("upload: session not found")

// ErrOffsetMismatch is returned by Append when the caller's claimed
// starting offset doesn't match the session's actual offset — PATCH
// requires the client to send a contiguous range.
var ErrOffsetMismatch = errors.New("upload: offset mismatch")

// ErrDigestMismatch is returned by Finalize when the accumulated digest
// doesn't match the digest asserted by the PUT request.
var ErrDigestMismatch = errors.New("upload: digest mismatch")

// Session is one in-progress chunked upload. Its mutable state (writer,
// hash, offset, done) is guarded by mu, which Manager holds to serialize
// PATCH calls for the same session.
type Session struct {
	ID         string
	Repository string
	CreatedAt  time.Time
	ExpiresAt  time.Time

	mu     sync.Mutex
	writer io.WriteCloser
	hash   hash.Hash
	offset int64
	done   bool
}

// Offset returns the session's current byte offset.
func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Manager tracks in-progress upload sessions and owns their scratch
// objects in backend.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	backend  storage.Backend
	ttl      time.Duration
}

// NewManager constructs a Manager. ttl (1h when zero) is how long a
// session lives, counted from Create; Sweep reclaims it once that has
// passed, and PATCH activity does not extend it. A negative ttl makes
// sessions expire as soon as they are created.
func NewManager(backend storage.Backend, ttl time.Duration) *Manager {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Manager{sessions: make(map[string]*Session), backend: backend, ttl: ttl}
}

// Create starts a new upload session for repository, opening its
// scratch object.
func (m *Manager) Create(ctx context.Context, repository string) (*Session, error) {
	id := uuid.NewString()
	writer, err := m.backend.ScratchWriter(ctx, storage.UploadScratchKey(id))
	if err != nil {
		return nil, fmt.Errorf("opening scratch writer: %w", err)
	}

	now := time.Now().UTC()
	session := &Session{
		ID:         id,
		Repository: repository,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
		writer:     writer,
		hash:       digest.NewCanonicalHasher(),
	}

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	return session, nil
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Append writes r's bytes onto the session's scratch object, requiring
// fromOffset to match the session's current offset.
// It returns the new offset.
func (m *Manager) Append(ctx context.Context, id string, fromOffset int64, r io.Reader) (int64, error) {
	session, err := m.Get(id)
	if err != nil {
		return 0, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.done {
		return 0, fmt.Errorf("%w: session already finalized", ErrSessionNotFound)
	}
	if fromOffset != session.offset {
		return session.offset, ErrOffsetMismatch
	}

	n, err := io.Copy(io.MultiWriter(session.writer, session.hash), r)
	session.offset += n
	if err != nil {
		return session.offset, fmt.Errorf("appending chunk: %w", err)
	}
	return session.offset, nil
}

// Finalize completes the session: any trailing bytes in r are appended
// first, then the accumulated digest is compared against want and, on
// match, the scratch object is atomically installed under its final
// content-addressed key.
func (m *Manager) Finalize(ctx context.Context, id string, r io.Reader, want digest.Digest) (digest.Digest, int64, error) {
	session, err := m.Get(id)
	if err != nil {
		return "", 0, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.done {
		return "", 0, fmt.Errorf("%w: session already finalized", ErrSessionNotFound)
	}

	if r != nil {
		n, err := io.Copy(io.MultiWriter(session.writer, session.hash), r)
		session.offset += n
		if err != nil {
			return "", 0, fmt.Errorf("appending final chunk: %w", err)
		}
	}

	if err := session.writer.Close(); err != nil {
		return "", 0, fmt.Errorf("closing scratch writer: %w", err)
	}

	got := digest.Digest(fmt.Sprintf("%s:%x", digest.SHA256, session.hash.Sum(nil)))
	if want != "" && got != want {
		m.discard(id)
		return got, session.offset, ErrDigestMismatch
	}

	finalKey := storage.BlobKey(got.Algorithm().String(), got.Hex())
	if err := m.backend.PutAtomic(ctx, storage.UploadScratchKey(id), finalKey); err != nil {
		return got, session.offset, fmt.Errorf("installing blob: %w", err)
	}

	session.done = true
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	return got, session.offset, nil
}

// Cancel discards an in-progress session and its scratch object.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.done {
		session.writer.Close()
	}
	m.discard(id)
	return m.backend.Delete(ctx, storage.UploadScratchKey(id))
}

func (m *Manager) discard(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Sweep deletes sessions whose TTL has elapsed, along with their
// scratch objects.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []*Session
	for id, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			expired = append(expired, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, session := range expired {
		session.mu.Lock()
		if !session.done {
			session.writer.Close()
		}
		session.mu.Unlock()
		if err := m.backend.Delete(ctx, storage.UploadScratchKey(session.ID)); err != nil {
			return len(expired), fmt.Errorf("deleting expired scratch object %s: %w", session.ID, err)
		}
	}
	return len(expired), nil
}

// Run starts the background sweep loop, firing every interval until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
