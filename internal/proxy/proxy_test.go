package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harbor-cache/regcache/internal/config"
	"github.com/harbor-cache/regcache/internal/dbconn"
	"github.com/harbor-cache/regcache/internal/fetch"
	"github.com/harbor-cache/regcache/internal/index"
	"github.com/harbor-cache/regcache/internal/router"
	"github.com/harbor-cache/regcache/internal/storage/local"
	"github.com/harbor-cache/regcache/internal/upload"
	"github.com/harbor-cache/regcache/internal/upstream"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    requestInfo
		wantErr bool
	}{
		{
			name: "manifest by tag",
			path: "org/image/manifests/v1.2.3",
			want: requestInfo{Repository: "org/image", Kind: kindManifest, Reference: "v1.2.3"},
		},
		{
			name: "manifest by digest",
			path: "org/image/manifests/sha256:abc123",
			want: requestInfo{Repository: "org/image", Kind: kindManifest, Reference: "sha256:abc123"},
		},
		{
			name: "blob by digest",
			path: "org/image/blobs/sha256:abc123",
			want: requestInfo{Repository: "org/image", Kind: kindBlob, Reference: "sha256:abc123"},
		},
		{
			name: "deeply nested repository",
			path: "org/sub/repo/manifests/latest",
			want: requestInfo{Repository: "org/sub/repo", Kind: kindManifest, Reference: "latest"},
		},
		{
			name: "upload session create",
			path: "org/image/blobs/uploads/",
			want: requestInfo{Repository: "org/image", Kind: kindUploads},
		},
		{
			name: "upload session chunk",
			path: "org/image/blobs/uploads/abc-123",
			want: requestInfo{Repository: "org/image", Kind: kindUploads, UploadID: "abc-123"},
		},
		{
			name:    "no kind keyword",
			path:    "org/image/v1.0",
			wantErr: true,
		},
		{
			name:    "no repository before kind",
			path:    "manifests/latest",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePath(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func newTestHandler(t *testing.T, upstreamURL string) *Handler {
	t.Helper()

	db, err := dbconn.Open(":memory:")
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
		t.Fatalf("init backend: %v", err)
	}

	up := config.Upstream{
		Name: "origin", URL: upstreamURL, Enabled: true, IsDefault: true,
		Projects: []config.Project{{Name: "org", Pattern: "org/*", IsDefault: true}},
	}
	rt, err := router.New([]config.Upstream{up})
	if err != nil {
		t.Fatalf("building router: %v", err)
	}

	return NewHandler(Handler{
		Router:      rt,
		Storage:     backend,
		Index:       idx,
		Uploads:     upload.NewManager(backend, time.Hour),
		Fetcher:     fetch.New(backend),
		Clients:     map[string]*upstream.Client{"origin": upstream.NewClient(up)},
		MaxBodySize: 4 << 20,
	})
}

func TestServeHTTPVersionCheck(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")

	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestServeHTTPBlobMissThenHit(t *testing.T) {
	const blobBody = "hello blob content"
	blobDigest := "sha256:" + sha256Hex(blobBody)

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, blobBody)
	}))
	defer upstreamSrv.Close()

	h := newTestHandler(t, upstreamSrv.URL)

	path := "/v2/org/image/blobs/" + blobDigest

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("miss: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != blobBody {
		t.Fatalf("miss: got body %q, want %q", rec.Body.String(), blobBody)
	}

	upstreamSrv.Close() // prove the second request is served from cache
	req2 := httptest.NewRequest(http.MethodGet, path, nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("hit: expected 200, got %d", rec2.Code)
	}
	if rec2.Body.String() != blobBody {
		t.Fatalf("hit: got body %q, want %q", rec2.Body.String(), blobBody)
	}
}

func TestServeHTTPManifestTagMissThenHit(t *testing.T) {
	const manifestBody = `{"schemaVersion":2}`

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, manifestBody)
	}))
	defer upstreamSrv.Close()

	h := newTestHandler(t, upstreamSrv.URL)
	path := "/v2/org/image/manifests/latest"

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("miss: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != manifestBody {
		t.Fatalf("miss: got %q, want %q", rec.Body.String(), manifestBody)
	}

	upstreamSrv.Close()
	req2 := httptest.NewRequest(http.MethodGet, path, nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("hit: expected 200, got %d", rec2.Code)
	}
	if rec2.Body.String() != manifestBody {
		t.Fatalf("hit: got %q, want %q", rec2.Body.String(), manifestBody)
	}
}

func TestServeHTTPManifestForwardsClientAcceptHeader(t *testing.T) {
	const manifestBody = `{"schemaVersion":2}`
	const clientAccept = "application/vnd.oci.image.index.v1+json"

	var gotAccept string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/vnd.oci.image.index.v1+json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, manifestBody)
	}))
	defer upstreamSrv.Close()

	h := newTestHandler(t, upstreamSrv.URL)

	req := httptest.NewRequest(http.MethodGet, "/v2/org/image/manifests/latest", nil)
	req.Header.Set("Accept", clientAccept)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotAccept != clientAccept {
		t.Fatalf("upstream saw Accept %q, want %q", gotAccept, clientAccept)
	}
}

func TestServeHTTPDisabledUpstreamServesCacheButRefusesWrites(t *testing.T) {
	const blobBody = "hello blob content"
	blobDigest := "sha256:" + sha256Hex(blobBody)

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, blobBody)
	}))
	defer upstreamSrv.Close()

	h := newTestHandler(t, upstreamSrv.URL)
	path := "/v2/org/image/blobs/" + blobDigest

	// Populate the cache while the upstream is enabled.
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("priming fetch: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	upstreamSrv.Close()

	// Rebuild the router with the same upstream now disabled; storage and
	// index are untouched, so the cached entry is still there.
	up := config.Upstream{
		Name: "origin", URL: upstreamSrv.URL, Enabled: false,
		Projects: []config.Project{{Name: "org", Pattern: "org/*", IsDefault: true}},
	}
	rt, err := router.New([]config.Upstream{up})
	if err != nil {
		t.Fatalf("building router: %v", err)
	}
	h.Router = rt
	h.Clients["origin"] = upstream.NewClient(up)

	getReq := httptest.NewRequest(http.MethodGet, path, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("disabled upstream read: expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
	if getRec.Body.String() != blobBody {
		t.Fatalf("disabled upstream read: got body %q, want %q", getRec.Body.String(), blobBody)
	}

	putReq := httptest.NewRequest(http.MethodPut, "/v2/org/image/manifests/latest", strings.NewReader(`{}`))
	putRec := httptest.NewRecorder()
	h.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusForbidden {
		t.Fatalf("disabled upstream write: expected 403, got %d: %s", putRec.Code, putRec.Body.String())
	}
}

func TestServeHTTPUploadRoundTrip(t *testing.T) {
	h := newTestHandler(t, "http://unused.invalid")
	const blobBody = "upload me"
	blobDigest := "sha256:" + sha256Hex(blobBody)

	req := httptest.NewRequest(http.MethodPost, "/v2/org/image/blobs/uploads/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d", rec.Code)
	}
	uuid := rec.Header().Get("Docker-Upload-UUID")
	if uuid == "" {
		t.Fatal("create: missing upload UUID header")
	}

	patchReq := httptest.NewRequest(http.MethodPatch, "/v2/org/image/blobs/uploads/"+uuid, strings.NewReader(blobBody))
	patchRec := httptest.NewRecorder()
	h.ServeHTTP(patchRec, patchReq)
	if patchRec.Code != http.StatusAccepted {
		t.Fatalf("patch: expected 202, got %d: %s", patchRec.Code, patchRec.Body.String())
	}

	putReq := httptest.NewRequest(http.MethodPut, "/v2/org/image/blobs/uploads/"+uuid+"?digest="+blobDigest, nil)
	putRec := httptest.NewRecorder()
	h.ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusCreated {
		t.Fatalf("put: expected 201, got %d: %s", putRec.Code, putRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v2/org/image/blobs/"+blobDigest, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", getRec.Code)
	}
	if getRec.Body.String() != blobBody {
		t.Fatalf("get: got %q, want %q", getRec.Body.String(), blobBody)
	}
}

func TestServeHTTPBlobMissPopulatesHotCache(t *testing.T) {
	const blobBody = "cached in memory"
	blobDigest := "sha256:" + sha256Hex(blobBody)

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, blobBody)
	}))
	defer upstreamSrv.Close()

	h := newTestHandler(t, upstreamSrv.URL)
	path := "/v2/org/image/blobs/" + blobDigest

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("miss: expected 200, got %d", rec.Code)
	}

	if _, ok := h.hotGet(index.KindBlob, "", blobDigest); !ok {
		t.Fatal("expected the first miss to populate the hot cache")
	}
}

// TestServeHTTPConcurrentBlobMissesCollapseToOneUpstreamFetch exercises
// the invariant that concurrent GETs for the same uncached digest
// result in exactly one upstream fetch: 100 simultaneous requests for
// a blob no one has pulled yet must all receive the full body, but the
// upstream must see the request only once.
func TestServeHTTPConcurrentBlobMissesCollapseToOneUpstreamFetch(t *testing.T) {
	const blobBody = "concurrently fetched blob content"
	blobDigest := "sha256:" + sha256Hex(blobBody)

	var upstreamHits int32
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, blobBody)
	}))
	defer upstreamSrv.Close()

	h := newTestHandler(t, upstreamSrv.URL)
	path := "/v2/org/image/blobs/" + blobDigest

	const n = 100
	var wg sync.WaitGroup
	codes := make([]int, n)
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
			bodies[i] = rec.Body.String()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if codes[i] != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, codes[i])
		}
		if bodies[i] != blobBody {
			t.Fatalf("request %d: got body %q, want %q", i, bodies[i], blobBody)
		}
	}
	if hits := atomic.LoadInt32(&upstreamHits); hits != 1 {
		t.Fatalf("expected exactly 1 upstream fetch for %d concurrent misses, got %d", n, hits)
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
