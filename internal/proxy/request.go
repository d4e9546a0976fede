package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/harbor-cache/regcache/internal/ociproto"
)

// kind identifies which OCI v2 sub-resource a request path addresses.
type kind string

const (
	kindManifest  kind = "manifests"
	kindBlob      kind = "blobs"
	kindUploads   kind = "uploads"
	kindReferrers kind = "referrers"
)

// requestInfo holds the parsed components of a /v2/<repository>/... path,
// generalizing the original single-registry parsePath to the
// multi-upstream, push-capable surface: upload requests carry an
// UploadID instead of a Reference.
type requestInfo struct {
	Repository string
	Kind       kind
	Reference  string
	UploadID   string
}

func (r requestInfo) isDigestReference() bool {
	return strings.Contains(r.Reference, ":")
}

// parsePath parses a /v2/-relative path into its components. All
// segments before the kind keyword form the repository name, matching
// the original parser's approach of scanning from the end so
// repository names may themselves contain slashes.
func parsePath(path string) (requestInfo, error) {
	path = strings.Trim(path, "/")
	segments := strings.Split(path, "/")

	kindIdx := -1
	for i := len(segments) - 1; i >= 0; i-- {
		switch kind(segments[i]) {
		case kindManifest, kindBlob, kindReferrers:
			kindIdx = i
		}
		if kindIdx >= 0 {
			break
		}
	}
	if kindIdx < 0 {
		return requestInfo{}, fmt.Errorf("path must contain 'manifests', 'blobs', or 'referrers'")
	}
	if kindIdx < 1 {
		return requestInfo{}, fmt.Errorf("path must include a repository name before %s", segments[kindIdx])
	}

	info := requestInfo{
		Repository: strings.Join(segments[:kindIdx], "/"),
		Kind:       kind(segments[kindIdx]),
	}

	rest := segments[kindIdx+1:]
	if info.Kind == kindBlob && len(rest) >= 1 && rest[0] == string(kindUploads) {
		info.Kind = kindUploads
		if len(rest) >= 2 {
			info.UploadID = rest[1]
		}
		return info, nil
	}

	if len(rest) == 0 {
		return requestInfo{}, fmt.Errorf("missing reference after %s", segments[kindIdx])
	}
	info.Reference = strings.Join(rest, "/")
	return info, nil
}

// hopByHopHeaders are never forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
}

func cloneResponseHeaders(resp *http.Response) http.Header {
	h := make(http.Header)
	for key, values := range resp.Header {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(key)]; hop {
			continue
		}
		h[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return h
}

func writeOCIError(w http.ResponseWriter, status int, code ociproto.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(ociproto.APIVersionHeader, ociproto.APIVersionValue)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ociproto.NewEnvelope(code, message))
}

// setCacheControl mirrors the immutability story of content-addressed
// objects: blobs and digest manifests never change, so they get a
// year-long max-age; tag manifests can move, so "latest" gets an hour
// and other tags get 28 days.
func setCacheControl(w http.ResponseWriter, info requestInfo) {
	if info.Kind == kindManifest && !info.isDigestReference() {
		if info.Reference == "latest" {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=2419200")
		}
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
}
