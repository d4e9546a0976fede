// Package digest wraps opencontainers/go-digest with the parsing and
// streaming-verification helpers the proxy needs:
// an opaque "<algorithm>:<hex>" identifier, lowercase hex, sha256 required.
package digest

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	godigest "github.com/opencontainers/go-digest"
)

// Digest is a content digest of the form "<algorithm>:<hex>".
type Digest = godigest.Digest

// Algorithm identifies a supported hash algorithm.
type Algorithm = godigest.Algorithm

const (
	SHA256 = godigest.SHA256
	SHA512 = godigest.SHA512
)

// Parse validates s as a well-formed digest and normalizes nothing —
// algorithm and hex are compared byte-for-byte, so callers
// must not canonicalize case.
func Parse(s string) (Digest, error) {
	d := godigest.Digest(s)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}

// NewCanonicalHasher returns a running hash.Hash for sha256, the only
// algorithm this implementation requires support for.
func NewCanonicalHasher() hash.Hash {
	return sha256.New()
}

// FromBytes computes the sha256 digest of b.
func FromBytes(b []byte) Digest {
	return godigest.FromBytes(b)
}

// FromReader computes the sha256 digest of the entire stream r.
func FromReader(r io.Reader) (Digest, error) {
	return godigest.SHA256.FromReader(r)
}

// Verifier wraps a hash.Hash and the digest it is expected to produce,
// used to verify a streamed fetch or upload at EOF.
type Verifier struct {
	hash hash.Hash
	want Digest
}

// NewVerifier returns a Verifier that will check the running hash
// against want once the caller has written all bytes to it.
func NewVerifier(want Digest) *Verifier {
	return &Verifier{hash: sha256.New(), want: want}
}

func (v *Verifier) Write(p []byte) (int, error) { return v.hash.Write(p) }

// Sum returns the digest computed so far.
func (v *Verifier) Sum() Digest {
	return godigest.NewDigestFromBytes(godigest.SHA256, v.hash.Sum(nil))
}

// Verified reports whether the accumulated digest matches the expected one.
func (v *Verifier) Verified() bool {
	return v.want == "" || v.Sum() == v.want
}
