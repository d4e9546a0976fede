// Package proxy implements the OCI Distribution v2 HTTP surface: the
// version probe, manifest GET/HEAD/PUT, blob GET/HEAD/DELETE, chunked blob
// upload sessions, backed by the router, storage, index, upload and
// fetch packages. It generalizes the original single-upstream,
// read-only Handler into a multi-upstream, push-capable one.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/harbor-cache/regcache/internal/config"
	"github.com/harbor-cache/regcache/internal/fetch"
	"github.com/harbor-cache/regcache/internal/index"
	"github.com/harbor-cache/regcache/internal/ociproto"
	"github.com/harbor-cache/regcache/internal/router"
	"github.com/harbor-cache/regcache/internal/storage"
	"github.com/harbor-cache/regcache/internal/upload"
	"github.com/harbor-cache/regcache/internal/upstream"
)

// hotCacheSize bounds the in-memory front-cache of digest-addressed
// index lookups, trading a bounded amount of memory for skipping a
// sqlite round trip on repeat pulls of the same layer or manifest.
const hotCacheSize = 4096

// PushAuthorizer decides whether a request may push (PUT/PATCH/POST/DELETE)
// to repository. The default, used when Handler.Authorizer is nil, is
// allow-all: a capability-check seam for deployments that need one,
// left unimplemented here.
type PushAuthorizer interface {
	AllowPush(r *http.Request, repository string) bool
}

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) AllowPush(*http.Request, string) bool { return true }

// Handler serves the OCI Distribution v2 API.
type Handler struct {
	Router      *router.Router
	Storage     storage.Backend
	Index       *index.Store
	Uploads     *upload.Manager
	Fetcher     *fetch.Group
	Clients     map[string]*upstream.Client
	MaxBodySize int64
	Authorizer  PushAuthorizer

	// Hot front-caches digest-addressed index lookups. Nil disables it;
	// NewHandler populates it, and a zero-value Handler works fine
	// without one.
	Hot *lru.Cache[string, index.Entry]
}

// NewHandler constructs a Handler with its hot lookup cache initialized.
func NewHandler(base Handler) *Handler {
	h := base
	cache, err := lru.New[string, index.Entry](hotCacheSize)
	if err == nil {
		h.Hot = cache
	}
	return &h
}

func (h *Handler) authorizer() PushAuthorizer {
	if h.Authorizer != nil {
		return h.Authorizer
	}
	return allowAllAuthorizer{}
}

// hotKey identifies a digest-addressed index lookup for the front cache.
func hotKey(kind index.Kind, scope, digest string) string {
	return string(kind) + "\x00" + scope + "\x00" + digest
}

func (h *Handler) hotGet(kind index.Kind, scope, digest string) (index.Entry, bool) {
	if h.Hot == nil {
		return index.Entry{}, false
	}
	return h.Hot.Get(hotKey(kind, scope, digest))
}

func (h *Handler) hotPut(e index.Entry) {
	if h.Hot == nil || e.Digest == "" {
		return
	}
	h.Hot.Add(hotKey(e.Kind, e.Scope, e.Digest), e)
}

func (h *Handler) hotInvalidate(kind index.Kind, scope, digest string) {
	if h.Hot == nil {
		return
	}
	h.Hot.Remove(hotKey(kind, scope, digest))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/v2") {
		http.NotFound(w, r)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v2")

	if path == "" || path == "/" {
		w.Header().Set(ociproto.APIVersionHeader, ociproto.APIVersionValue)
		w.WriteHeader(http.StatusOK)
		return
	}

	info, err := parsePath(path)
	if err != nil {
		writeOCIError(w, http.StatusBadRequest, ociproto.CodeNameInvalid, err.Error())
		return
	}

	route, err := h.Router.Route(info.Repository)
	if err != nil {
		writeOCIError(w, http.StatusNotFound, ociproto.CodeNameUnknown, "no upstream configured for this repository")
		return
	}

	client, ok := h.Clients[route.Upstream.Name]
	if !ok {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "no client configured for upstream "+route.Upstream.Name)
		return
	}

	if isWriteMethod(r.Method) {
		if !route.Upstream.Enabled {
			writeOCIError(w, http.StatusForbidden, ociproto.CodeDenied, "upstream "+route.Upstream.Name+" is disabled; writes are refused")
			return
		}
		if !h.authorizer().AllowPush(r, route.Repository) {
			writeOCIError(w, http.StatusForbidden, ociproto.CodeDenied, "push denied")
			return
		}
	}

	switch info.Kind {
	case kindManifest:
		h.handleManifest(w, r, info, route, client)
	case kindBlob:
		h.handleBlob(w, r, info, route, client)
	case kindUploads:
		h.handleUpload(w, r, info, route, client)
	case kindReferrers:
		h.handleReferrers(w, r, info, route, client)
	default:
		writeOCIError(w, http.StatusNotFound, ociproto.CodeUnsupported, "unknown resource kind")
	}
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPut, http.MethodPost, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// handleReferrers always passes through to upstream uncached: the
// referrers index is mutable server-side state this proxy has no
// durable story for.
func (h *Handler) handleReferrers(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client) {
	url := fmt.Sprintf("%s/v2/%s/referrers/%s", client.BaseURL(), route.Repository, info.Reference)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, nil)
	if err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "building upstream request failed")
		return
	}
	req.URL.RawQuery = r.URL.RawQuery

	resp, err := client.Do(r.Context(), req, route.Repository)
	if err != nil {
		writeOCIError(w, http.StatusBadGateway, ociproto.CodeInternal, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// scope returns the index scope string for route: the upstream name
// when cache_isolation is "isolated", else "" (shared across all
// upstreams serving the same underlying digest).
func (h *Handler) scope(route router.Result) string {
	if route.Upstream.CacheIsolation == config.IsolationIsolated {
		return route.Upstream.Name
	}
	return ""
}

// contentKey returns the backend storage key the object identified by
// dg lives under for route.
func (h *Handler) contentKey(route router.Result, dg string) string {
	alg, hex, _ := strings.Cut(dg, ":")
	isolated := route.Upstream.CacheIsolation == config.IsolationIsolated
	return storage.ScopedKey(route.Upstream.Name, isolated, storage.BlobKey(alg, hex))
}

// contentKeyForEntry reconstructs the storage key for an already
// indexed entry from its Scope: an isolated entry's scope equals the
// owning upstream's name, a shared entry's scope is empty.
func (h *Handler) contentKeyForEntry(e index.Entry) string {
	alg, hex, _ := strings.Cut(e.Digest, ":")
	isolated := e.Scope != ""
	return storage.ScopedKey(e.Scope, isolated, storage.BlobKey(alg, hex))
}

// upstreamStatusError carries a non-2xx upstream response through
// fetch.Origin so the proxy layer can translate it into an OCI error
// envelope instead of a generic 502.
type upstreamStatusError struct {
	status int
	body   []byte
}

func (e upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.status)
}

func (h *Handler) passthroughUpstreamError(w http.ResponseWriter, r *http.Request, client *upstream.Client, kindName, repository, reference string, err error) {
	var statusErr upstreamStatusError
	if errors.As(err, &statusErr) {
		if statusErr.status == http.StatusNotFound {
			code := ociproto.CodeManifestUnknown
			if kindName == "blobs" {
				code = ociproto.CodeBlobUnknown
			}
			writeOCIError(w, http.StatusNotFound, code, fmt.Sprintf("%s %s not found upstream", repository, reference))
			return
		}
		w.WriteHeader(statusErr.status)
		w.Write(statusErr.body)
		return
	}
	writeOCIError(w, http.StatusBadGateway, ociproto.CodeInternal, "upstream request failed: "+err.Error())
}
