package fetch

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/harbor-cache/regcache/internal/storage"
)

// teeToStore copies src to dst (the client) while concurrently writing
// the same bytes into the backend under key, so a single upstream
// response satisfies both the client and the cache without buffering
// the whole object: a pipe carries bytes to a goroutine that owns the
// backend write, and a safeWriter swallows post-failure writes so a
// backend hiccup never interrupts the client-facing copy.
func teeToStore(ctx context.Context, dst io.Writer, src io.Reader, backend storage.Backend, key string) (int64, error) {
	pr, pw := io.Pipe()
	sw := &safeWriter{w: pw}

	done := make(chan error, 1)
	go func() {
		_, err := backend.PutStream(ctx, key, readerOnly{pr})
		if err != nil {
			pr.CloseWithError(err)
		} else {
			pr.Close()
		}
		done <- err
	}()

	n, copyErr := io.Copy(dst, io.TeeReader(src, sw))
	sw.close(copyErr)
	pw.CloseWithError(copyErr)

	if storeErr := <-done; storeErr != nil && copyErr == nil {
		// The client copy succeeded; a storage failure here only means
		// the response wasn't cached, not that the client request failed.
		return n, nil
	}
	return n, copyErr
}

// safeWriter discards writes after the first error, so a failed pipe
// write never panics or blocks the client-facing io.Copy.
type safeWriter struct {
	w      io.Writer
	failed atomic.Bool
}

func (s *safeWriter) Write(p []byte) (int, error) {
	if s.failed.Load() {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.failed.Store(true)
		return len(p), nil
	}
	return n, nil
}

func (s *safeWriter) close(err error) {
	if err != nil {
		s.failed.Store(true)
	}
}

// readerOnly hides a *io.PipeReader's concrete type from backends that
// might type-switch on it.
type readerOnly struct {
	io.Reader
}
