package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/harbor-cache/regcache/internal/digest"
	"github.com/harbor-cache/regcache/internal/index"
	"github.com/harbor-cache/regcache/internal/ociproto"
	"github.com/harbor-cache/regcache/internal/router"
	"github.com/harbor-cache/regcache/internal/upstream"
)

func (h *Handler) handleManifest(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.getManifest(w, r, info, route, client)
	case http.MethodPut:
		h.putManifest(w, r, info, route, client)
	default:
		writeOCIError(w, http.StatusMethodNotAllowed, ociproto.CodeUnsupported, "method not allowed for manifests")
	}
}

func (h *Handler) getManifest(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client) {
	ctx := r.Context()
	scope := h.scope(route)

	entry, err := h.lookupManifest(ctx, scope, route.Repository, info.Reference)
	if err == nil {
		h.serveManifestHit(w, r, entry)
		return
	}
	if !errors.Is(err, index.ErrNotFound) {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "index lookup failed")
		return
	}

	if info.isDigestReference() {
		h.getManifestByDigest(w, r, info, route, client, scope)
		return
	}
	h.getManifestByTag(w, r, info, route, client, scope)
}

func (h *Handler) lookupManifest(ctx context.Context, scope, repository, reference string) (index.Entry, error) {
	if digestLooking(reference) {
		if entry, ok := h.hotGet(index.KindManifest, scope, reference); ok {
			return entry, nil
		}
		entry, err := h.Index.ByDigest(ctx, index.KindManifest, scope, reference)
		if err == nil {
			h.hotPut(entry)
		}
		return entry, err
	}
	return h.Index.ByTag(ctx, scope, repository, reference)
}

func digestLooking(reference string) bool {
	_, err := digest.Parse(reference)
	return err == nil
}

func (h *Handler) getManifestByDigest(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client, scope string) {
	ctx := r.Context()
	key := h.contentKey(route, info.Reference)
	fetchKey := "manifest:" + scope + ":" + info.Reference

	accept := acceptHeaderOrDefault(r)
	result, err := h.Fetcher.Fetch(ctx, fetchKey, key, func(ctx context.Context) (io.Reader, int64, string, error) {
		return h.requestManifest(ctx, client, route.Repository, info.Reference, accept)
	})
	if err != nil {
		h.passthroughUpstreamError(w, r, client, "manifests", route.Repository, info.Reference, err)
		return
	}

	if _, err := h.Index.Insert(ctx, index.Entry{
		Kind: index.KindManifest, Scope: scope, Repository: route.Repository,
		Reference: info.Reference, Digest: info.Reference, MediaType: result.MediaType, Size: result.Size,
	}); err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "indexing manifest failed")
		return
	}

	entry, err := h.Index.ByDigest(ctx, index.KindManifest, scope, info.Reference)
	if err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "indexing manifest failed")
		return
	}
	h.hotPut(entry)
	h.serveManifestHit(w, r, entry)
}

// getManifestByTag fetches and buffers the manifest directly rather
// than through Fetcher: the final content key depends on the digest of
// bytes not known until the body is read, so concurrent misses on the
// same tag each fetch independently. Manifests are capped at
// MaxBodySize, so buffering one in memory is bounded and cheap.
func (h *Handler) getManifestByTag(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client, scope string) {
	ctx := r.Context()

	body, mediaType, err := h.fetchManifestBuffered(ctx, client, route.Repository, info.Reference, acceptHeaderOrDefault(r))
	if err != nil {
		h.passthroughUpstreamError(w, r, client, "manifests", route.Repository, info.Reference, err)
		return
	}

	dg := digest.FromBytes(body)
	key := h.contentKey(route, string(dg))
	if _, err := h.Storage.PutStream(ctx, key, bytes.NewReader(body)); err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "storing manifest failed")
		return
	}

	base := index.Entry{
		Kind: index.KindManifest, Scope: scope, Repository: route.Repository,
		Digest: string(dg), MediaType: mediaType, Size: int64(len(body)),
	}
	digestEntry := base
	digestEntry.Reference = string(dg)
	if _, err := h.Index.Insert(ctx, digestEntry); err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "indexing manifest failed")
		return
	}
	tagEntry := base
	tagEntry.Reference = info.Reference
	if _, err := h.Index.InsertTag(ctx, tagEntry); err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "indexing manifest failed")
		return
	}

	w.Header().Set("Content-Type", mediaType)
	w.Header().Set(ociproto.HeaderContentDigest, string(dg))
	setCacheControl(w, info)
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (h *Handler) serveManifestHit(w http.ResponseWriter, r *http.Request, entry index.Entry) {
	ctx := r.Context()
	h.Index.Touch(ctx, entry.ID)

	rc, size, err := h.Storage.GetStream(ctx, h.contentKeyForEntry(entry), nil)
	if err != nil {
		writeOCIError(w, http.StatusNotFound, ociproto.CodeManifestUnknown, "manifest content missing from storage")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", entry.MediaType)
	w.Header().Set(ociproto.HeaderContentDigest, entry.Digest)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	setCacheControl(w, requestInfo{Kind: kindManifest, Reference: entry.Reference})
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.Copy(w, rc)
	}
}

func (h *Handler) putManifest(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client) {
	ctx := r.Context()

	limited := io.LimitReader(r.Body, h.MaxBodySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "reading manifest body failed")
		return
	}
	if int64(len(body)) > h.MaxBodySize {
		writeOCIError(w, http.StatusRequestEntityTooLarge, ociproto.CodeSizeInvalid, "manifest exceeds maximum size")
		return
	}

	mediaType := r.Header.Get("Content-Type")
	dg := digest.FromBytes(body)
	scope := h.scope(route)
	key := h.contentKey(route, string(dg))

	if _, err := h.Storage.PutStream(ctx, key, bytes.NewReader(body)); err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "storing manifest failed")
		return
	}

	base := index.Entry{Kind: index.KindManifest, Scope: scope, Repository: route.Repository, Digest: string(dg), MediaType: mediaType, Size: int64(len(body))}
	digestEntry := base
	digestEntry.Reference = string(dg)
	if _, err := h.Index.Insert(ctx, digestEntry); err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "indexing manifest failed")
		return
	}
	if !info.isDigestReference() {
		tagEntry := base
		tagEntry.Reference = info.Reference
		if _, err := h.Index.InsertTag(ctx, tagEntry); err != nil {
			writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "indexing manifest failed")
			return
		}
	}

	w.Header().Set(ociproto.HeaderContentDigest, string(dg))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) requestManifest(ctx context.Context, client *upstream.Client, repository, reference, accept string) (io.Reader, int64, string, error) {
	url := fmt.Sprintf("%s/v2/%s/manifests/%s", client.BaseURL(), repository, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, "", err
	}
	req.Header.Set("Accept", accept)

	resp, err := client.Do(ctx, req, repository)
	if err != nil {
		return nil, 0, "", err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, 0, "", upstreamStatusError{status: resp.StatusCode, body: body}
	}
	return resp.Body, resp.ContentLength, resp.Header.Get("Content-Type"), nil
}

func (h *Handler) fetchManifestBuffered(ctx context.Context, client *upstream.Client, repository, reference, accept string) ([]byte, string, error) {
	r, _, mediaType, err := h.requestManifest(ctx, client, repository, reference, accept)
	if err != nil {
		return nil, "", err
	}
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}
	body, err := io.ReadAll(io.LimitReader(r, h.MaxBodySize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading upstream manifest: %w", err)
	}
	if int64(len(body)) > h.MaxBodySize {
		return nil, "", fmt.Errorf("upstream manifest exceeds maximum size")
	}
	return body, mediaType, nil
}

const acceptManifestTypes = ociproto.MediaTypeOCIManifest + "," + ociproto.MediaTypeOCIIndex + "," +
	ociproto.MediaTypeDockerManifest + "," + ociproto.MediaTypeDockerManifestL

// acceptHeaderOrDefault forwards the client's own Accept header to
// upstream verbatim, falling back to the full set of manifest media
// types this proxy understands when the client sent none.
func acceptHeaderOrDefault(r *http.Request) string {
	if accept := r.Header.Get("Accept"); accept != "" {
		return accept
	}
	return acceptManifestTypes
}
