// Package fetch collapses concurrent cache misses for the same
// upstream object into a single in-flight upstream request, so
// concurrent requests for the same missing object don't each trigger
// an independent upstream fetch, using golang.org/x/sync/singleflight
// — the same collapsing primitive used around image pull-in-progress
// bookkeeping elsewhere in the registry ecosystem.
package fetch

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/singleflight"

	"github.com/harbor-cache/regcache/internal/digest"
	"github.com/harbor-cache/regcache/internal/storage"
)

// Result is what a collapsed fetch produced: the object's size, media
// type (when known — manifests only) and the backend key it now lives
// under.
type Result struct {
	Key       string
	Size      int64
	MediaType string
}

// Origin opens an object's byte stream from upstream, returning the
// reader with its size (when known) and media type; the Group then
// writes those bytes into the backend. The fetch package is
// origin-agnostic: Origin is supplied by the proxy
// layer, which knows how to talk to the upstream registry client.
type Origin func(ctx context.Context) (r io.Reader, size int64, mediaType string, err error)

// Group collapses concurrent Fetch calls sharing the same key.
type Group struct {
	backend storage.Backend
	flight  singleflight.Group
}

// New constructs a Group writing fetched objects into backend.
func New(backend storage.Backend) *Group {
	return &Group{backend: backend}
}

// Fetch runs origin at most once for concurrent callers sharing key,
// streaming the result into the backend under storageKey. Every caller
// — whether it triggered the origin call or joined an in-flight one —
// receives the same Result once the single upstream fetch completes;
// every caller gets the same outcome even though only the first one actually
// talks to the origin.
func (g *Group) Fetch(ctx context.Context, key, storageKey string, origin Origin) (Result, error) {
	v, err, _ := g.flight.Do(key, func() (any, error) {
		r, _, mediaType, err := origin(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching from origin: %w", err)
		}
		n, err := g.backend.PutStream(ctx, storageKey, r)
		if err != nil {
			return nil, fmt.Errorf("writing fetched object to storage: %w", err)
		}
		return Result{Key: storageKey, Size: n, MediaType: mediaType}, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// FetchBlob is Fetch's counterpart for blobs: it additionally streams
// the collapsed object to w as it arrives, instead of leaving the
// caller to re-read it from the backend afterward, and verifies it
// against want as the bytes pass through.
//
// Only the caller whose goroutine actually wins the singleflight race
// (golang.org/x/sync/singleflight invokes the first caller's own
// function literal, never a joiner's) streams live: that caller's w
// receives bytes via teeToStore as they come off the wire. Every other
// concurrent caller for the same key blocks in Do, then — once the
// winner's fetch has landed in storage — reads the now-complete object
// back out of the backend and copies it to its own w. Either way,
// prepare is invoked exactly once per caller with the object's final
// size and media type, before any bytes reach w, so callers can set
// response headers regardless of which path they took.
func (g *Group) FetchBlob(ctx context.Context, key, storageKey string, want digest.Digest, origin Origin, w io.Writer, prepare func(size int64, mediaType string)) (Result, error) {
	var triggered bool
	v, err, _ := g.flight.Do(key, func() (any, error) {
		triggered = true
		r, size, mediaType, err := origin(ctx)
		if err != nil {
			return nil, err
		}
		prepare(size, mediaType)

		verifier := digest.NewVerifier(want)
		n, teeErr := teeToStore(ctx, w, io.TeeReader(r, verifier), g.backend, storageKey)
		if teeErr != nil {
			return nil, fmt.Errorf("streaming fetched blob: %w", teeErr)
		}
		if !verifier.Verified() {
			g.backend.Delete(ctx, storageKey)
			return nil, fmt.Errorf("digest verification failed for %s", want)
		}
		return Result{Key: storageKey, Size: n, MediaType: mediaType}, nil
	})
	if err != nil {
		return Result{}, err
	}
	result := v.(Result)

	if !triggered {
		prepare(result.Size, result.MediaType)
		rc, _, err := g.backend.GetStream(ctx, storageKey, nil)
		if err != nil {
			return Result{}, fmt.Errorf("reading collapsed blob fetch from storage: %w", err)
		}
		defer rc.Close()
		if _, err := io.Copy(w, rc); err != nil {
			return Result{}, fmt.Errorf("copying collapsed blob fetch to client: %w", err)
		}
	}
	return result, nil
}
