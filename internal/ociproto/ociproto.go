// Package ociproto names the OCI Distribution v2 media types and error
// codes this proxy understands. Media type constants
// come from opencontainers/image-spec, the same package the rest of the
// registry-proxy ecosystem (google/go-containerregistry, cue-labs/oci,
// oras-project/oras-go) uses for these.
package ociproto

import (
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest media types recognized for digest computation and validation.
// Stored bytes are opaque; these are used to build the default Accept
// header sent upstream and to decide whether a manifest is single-arch
// or an index.
const (
	MediaTypeOCIManifest     = specs.MediaTypeImageManifest
	MediaTypeOCIIndex        = specs.MediaTypeImageIndex
	MediaTypeDockerManifest  = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestL = "application/vnd.docker.distribution.manifest.list.v2+json"

	MediaTypeOCTetStream = "application/octet-stream"

	APIVersionHeader = "Docker-Distribution-API-Version"
	APIVersionValue  = "registry/2.0"

	HeaderContentDigest = "Docker-Content-Digest"
	HeaderUploadUUID    = "Docker-Upload-UUID"
)

// IsManifestList reports whether mediaType denotes a multi-arch index
// or manifest list, which the engine must never resolve eagerly.
func IsManifestList(mediaType string) bool {
	return mediaType == MediaTypeOCIIndex || mediaType == MediaTypeDockerManifestL
}

// ErrorCode is one of the OCI Distribution error codes.
type ErrorCode string

const (
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeDenied           ErrorCode = "DENIED"
	CodeNameUnknown      ErrorCode = "NAME_UNKNOWN"
	CodeManifestUnknown  ErrorCode = "MANIFEST_UNKNOWN"
	CodeBlobUnknown      ErrorCode = "BLOB_UNKNOWN"
	CodeDigestInvalid    ErrorCode = "DIGEST_INVALID"
	CodeSizeInvalid      ErrorCode = "SIZE_INVALID"
	CodeUnsupported      ErrorCode = "UNSUPPORTED"
	CodeUploadUnknown    ErrorCode = "BLOB_UPLOAD_UNKNOWN"
	CodeUploadInvalid    ErrorCode = "BLOB_UPLOAD_INVALID"
	CodeRangeInvalid     ErrorCode = "RANGE_INVALID"
	CodeNameInvalid      ErrorCode = "NAME_INVALID"
	CodeTagInvalid       ErrorCode = "TAG_INVALID"
	CodeInternal         ErrorCode = "UNKNOWN"
)

// Error is one entry of the OCI error envelope {"errors":[...]}.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  any       `json:"detail,omitempty"`
}

// Envelope is the full OCI error response body.
type Envelope struct {
	Errors []Error `json:"errors"`
}

// NewEnvelope builds a single-error envelope.
func NewEnvelope(code ErrorCode, message string) Envelope {
	return Envelope{Errors: []Error{{Code: code, Message: message}}}
}
