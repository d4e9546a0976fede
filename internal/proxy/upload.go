package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/harbor-cache/regcache/internal/digest"
	"github.com/harbor-cache/regcache/internal/index"
	"github.com/harbor-cache/regcache/internal/ociproto"
	"github.com/harbor-cache/regcache/internal/router"
	"github.com/harbor-cache/regcache/internal/upload"
	"github.com/harbor-cache/regcache/internal/upstream"
)

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result, client *upstream.Client) {
	switch r.Method {
	case http.MethodPost:
		h.createUpload(w, r, info, route)
	case http.MethodPatch:
		h.patchUpload(w, r, info, route)
	case http.MethodPut:
		h.putUpload(w, r, info, route)
	case http.MethodGet:
		h.statusUpload(w, r, info)
	case http.MethodDelete:
		h.cancelUpload(w, r, info)
	default:
		writeOCIError(w, http.StatusMethodNotAllowed, ociproto.CodeUnsupported, "method not allowed for uploads")
	}
}

// createUpload handles POST .../blobs/uploads/[?mount=<digest>&from=<repo>].
// A mount succeeds when the digest is already indexed in this route's
// scope: the handler re-inserts that entry and answers 201 without
// opening a session. Entries are unique on (kind, scope, digest), so the
// insert updates the existing row (its repository and reference become
// empty, its last-accessed time becomes now) rather than adding a second
// one; the from parameter is not read.
func (h *Handler) createUpload(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result) {
	ctx := r.Context()
	scope := h.scope(route)

	if mountDigest := r.URL.Query().Get("mount"); mountDigest != "" {
		if entry, err := h.Index.ByDigest(ctx, index.KindBlob, scope, mountDigest); err == nil {
			if _, err := h.Index.Insert(ctx, index.Entry{
				Kind: index.KindBlob, Scope: scope, Digest: mountDigest,
				MediaType: entry.MediaType, Size: entry.Size,
			}); err == nil {
				w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", route.Repository, mountDigest))
				w.Header().Set(ociproto.HeaderContentDigest, mountDigest)
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
	}

	session, err := h.Uploads.Create(ctx, route.Repository)
	if err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "creating upload session failed")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", route.Repository, session.ID))
	w.Header().Set(ociproto.HeaderUploadUUID, session.ID)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) patchUpload(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result) {
	ctx := r.Context()

	fromOffset := int64(0)
	if start, ok := parseContentRangeStart(r.Header.Get("Content-Range")); ok {
		fromOffset = start
	} else if session, err := h.Uploads.Get(info.UploadID); err == nil {
		fromOffset = session.Offset()
	}

	newOffset, err := h.Uploads.Append(ctx, info.UploadID, fromOffset, r.Body)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", route.Repository, info.UploadID))
	w.Header().Set(ociproto.HeaderUploadUUID, info.UploadID)
	w.Header().Set("Range", fmt.Sprintf("0-%d", newOffset-1))
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) putUpload(w http.ResponseWriter, r *http.Request, info requestInfo, route router.Result) {
	ctx := r.Context()
	want := digest.Digest(r.URL.Query().Get("digest"))
	if want == "" {
		writeOCIError(w, http.StatusBadRequest, ociproto.CodeDigestInvalid, "digest query parameter required")
		return
	}

	got, size, err := h.Uploads.Finalize(ctx, info.UploadID, r.Body, want)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	scope := h.scope(route)
	if _, err := h.Index.Insert(ctx, index.Entry{
		Kind: index.KindBlob, Scope: scope, Digest: string(got),
		MediaType: ociproto.MediaTypeOCTetStream, Size: size,
	}); err != nil {
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, "indexing uploaded blob failed")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", route.Repository, got))
	w.Header().Set(ociproto.HeaderContentDigest, string(got))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) statusUpload(w http.ResponseWriter, r *http.Request, info requestInfo) {
	session, err := h.Uploads.Get(info.UploadID)
	if err != nil {
		writeOCIError(w, http.StatusNotFound, ociproto.CodeUploadUnknown, "upload session not found")
		return
	}
	w.Header().Set(ociproto.HeaderUploadUUID, session.ID)
	w.Header().Set("Range", "0-"+strconv.FormatInt(session.Offset()-1, 10))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelUpload(w http.ResponseWriter, r *http.Request, info requestInfo) {
	if err := h.Uploads.Cancel(r.Context(), info.UploadID); err != nil {
		writeOCIError(w, http.StatusNotFound, ociproto.CodeUploadUnknown, "upload session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseContentRangeStart parses a PATCH Content-Range header of the
// form "start-end" and returns start.
func parseContentRangeStart(header string) (int64, bool) {
	if header == "" {
		return 0, false
	}
	startStr, _, ok := strings.Cut(header, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

func (h *Handler) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		writeOCIError(w, http.StatusNotFound, ociproto.CodeUploadUnknown, err.Error())
	case errors.Is(err, upload.ErrOffsetMismatch):
		writeOCIError(w, http.StatusRequestedRangeNotSatisfiable, ociproto.CodeRangeInvalid, err.Error())
	case errors.Is(err, upload.ErrDigestMismatch):
		writeOCIError(w, http.StatusBadRequest, ociproto.CodeDigestInvalid, err.Error())
	default:
		writeOCIError(w, http.StatusInternalServerError, ociproto.CodeInternal, err.Error())
	}
}
