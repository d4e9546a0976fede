package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/harbor-cache/regcache/internal/digest"
	"github.com/harbor-cache/regcache/internal/index"
	"github.com/harbor-cache/regcache/internal/ociproto"
	"github.com/harbor-cache/regcache/internal/router"
	"github.com/harbor-cache/regcache/internal/storage"
	"github.com/harbor-cache/regcache/internal/upstream"
)

func (h *Handler) handleBlob(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		h.getBlob(w, r, info, route, client)
	case http.MethodDelete:
		h.deleteBlob(w, r, info, route)
	default:
		writeOCIError(w, http.StatusMethodNotAllowed, ociproto.CodeUnsupported, "method not allowed for blobs")
	}
}

func (h *Handler) getBlob(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client) {
	ctx := r.Context()
	scope := h.scope(route)

	if entry, ok := h.hotGet(index.KindBlob, scope, info.Reference); ok {
		h.serveBlobHit(w, r, entry)
		return
	}

	entry, err := h.Index.ByDigest(ctx, index.KindBlob, scope, info.Reference)
	if err == nil {
		h.hotPut(entry)
		h.serveBlobHit(w, r, entry)
		return
	}
	if !errors.Is(err, index.ErrNotFound) {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "index lookup failed")
		return
	}

	if r.Method == http.MethodHead {
		h.headBlobUpstream(w, r, info, route, client)
		return
	}

	key := h.contentKey(route, info.Reference)
	fetchKey := "blob:" + scope + ":" + info.Reference

	origin := func(ctx context.Context) (io.Reader, int64, string, error) {
		url := fmt.Sprintf("%s/v2/%s/blobs/%s", client.BaseURL(), route.Repository, info.Reference)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, 0, "", err
		}
		resp, err := client.Do(ctx, req, route.Repository)
		if err != nil {
			return nil, 0, "", err
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, 0, "", upstreamStatusError{status: resp.StatusCode, body: body}
		}
		return resp.Body, resp.ContentLength, ociproto.MediaTypeOCTetStream, nil
	}

	headersSent := false
	prepare := func(size int64, mediaType string) {
		headersSent = true
		w.Header().Set("Content-Type", mediaType)
		w.Header().Set(ociproto.HeaderContentDigest, info.Reference)
		if size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		setCacheControl(w, info)
		w.WriteHeader(http.StatusOK)
	}

	// Concurrent misses for the same (scope, digest) collapse into a
	// single upstream fetch: whichever caller's goroutine wins the race
	// streams live, the rest read the result back out of storage once
	// it lands, per fetch.Group.FetchBlob.
	result, err := h.Fetcher.FetchBlob(ctx, fetchKey, key, digest.Digest(info.Reference), origin, w, prepare)
	if err != nil {
		if !headersSent {
			h.passthroughUpstreamError(w, r, client, "blobs", route.Repository, info.Reference, err)
		}
		return
	}

	newEntry := index.Entry{
		Kind: index.KindBlob, Scope: scope, Digest: info.Reference,
		MediaType: result.MediaType, Size: result.Size,
	}
	if id, err := h.Index.Insert(ctx, newEntry); err == nil {
		newEntry.ID = id
		h.hotPut(newEntry)
	}
}

func (h *Handler) headBlobUpstream(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client) {
	url := fmt.Sprintf("%s/v2/%s/blobs/%s", client.BaseURL(), route.Repository, info.Reference)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodHead, url, nil)
	if err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "building upstream request failed")
		return
	}
	resp, err := client.Do(r.Context(), req, route.Repository)
	if err != nil {
		writeOCIError(w, http.StatusBadGateway, ociproto.CodeInternal, "upstream request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()
	copyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
}

func (h *Handler) serveBlobHit(w http.ResponseWriter, r *http.Request, entry index.Entry) {
	ctx := r.Context()

	var rng *storage.Range
	if rh := r.Header.Get("Range"); rh != "" {
		if parsed, ok := parseRangeHeader(rh); ok {
			rng = &parsed
		}
	}

	rc, size, err := h.Storage.GetStream(ctx, h.contentKeyForEntry(entry), rng)
	if err == storage.ErrRangeNotSatisfiable {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if err != nil {
		writeOCIError(w, http.StatusNotFound, ociproto.CodeBlobUnknown, "blob content missing from storage")
		return
	}
	defer rc.Close()

	h.Index.Touch(ctx, entry.ID)

	w.Header().Set("Content-Type", ociproto.MediaTypeOCTetStream)
	w.Header().Set(ociproto.HeaderContentDigest, entry.Digest)
	w.Header().Set("Accept-Ranges", "bytes")
	setCacheControl(w, requestInfo{Kind: kindBlob})

	if rng != nil {
		end := rng.End
		if !rng.HasEnd {
			end = size - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-rng.Start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
	}

	if r.Method != http.MethodHead {
		io.Copy(w, rc)
	}
}

func (h *Handler) deleteBlob(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result) {
	ctx := r.Context()
	scope := h.scope(route)
	entry, err := h.Index.ByDigest(ctx, index.KindBlob, scope, info.Reference)
	if err != nil {
		writeOCIError(w, http.StatusNotFound, ociproto.CodeBlobUnknown, "blob not found")
		return
	}
	if delErr := h.Index.Delete(ctx, entry.ID); delErr != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "delete failed")
		return
	}
	h.hotInvalidate(index.KindBlob, scope, info.Reference)
	h.Storage.Delete(ctx, h.contentKeyForEntry(entry))
	w.WriteHeader(http.StatusAccepted)
}

// parseRangeHeader parses a single-range "bytes=start-end" or
// "bytes=start-" header value. Multi-range requests are not supported,
// matching blob GET's single-part semantics.
func parseRangeHeader(header string) (storage.Range, bool) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return storage.Range{}, false
	}
	if strings.Contains(spec, ",") {
		return storage.Range{}, false
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return storage.Range{}, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return storage.Range{}, false
	}
	if endStr == "" {
		return storage.Range{Start: start}, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return storage.Range{}, false
	}
	return storage.Range{Start: start, End: end, HasEnd: true}, true
}
