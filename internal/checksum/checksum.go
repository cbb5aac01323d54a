package checksum

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"

	"Bitvault/internal/topology"
)

// ErrUnsupportedAlgorithm is returned for algorithm names without an implementation.
var ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

// constructors maps algorithm names to hash constructors.
var constructors = map[string]func() hash.Hash{
	"MD5":    md5.New,
	"SHA1":   sha1.New,
	"SHA256": sha256.New,
	"SHA384": sha512.New384,
	"SHA512": sha512.New,
	"BLAKE3": func() hash.Hash { return blake3.New() },
}

// New returns the hash described by spec: a plain digest, or an HMAC keyed with the salt.
func New(spec topology.ChecksumSpec) (hash.Hash, error) {
	name := normalize(spec.Algorithm)

	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, spec.Algorithm)
	}

	if spec.Salted() {
		return hmac.New(ctor, spec.Salt), nil
	}

	return ctor(), nil
}

// Supported reports whether the algorithm name has an implementation.
func Supported(algorithm string) bool {
	_, ok := constructors[normalize(algorithm)]
	return ok
}

// Reader computes the hex digest of everything read from r.
func Reader(spec topology.ChecksumSpec, r io.Reader) (string, int64, error) {
	h, err := New(spec)
	if err != nil {
		return "", 0, err
	}

	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("read input:\n%w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Bytes computes the hex digest of data.
func Bytes(spec topology.ChecksumSpec, data []byte) (string, error) {
	h, err := New(spec)
	if err != nil {
		return "", err
	}

	h.Write(data)

	return hex.EncodeToString(h.Sum(nil)), nil
}

// File computes the hex digest and size of the file at path.
func File(spec topology.ChecksumSpec, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s:\n%w", path, err)
	}
	defer f.Close()

	return Reader(spec, f)
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Canonical returns the canonical spelling of an algorithm name.
func Canonical(algorithm string) string {
	return normalize(algorithm)
}

// normalize maps names such as "sha-256" or "HMAC_SHA256" to the table key.
func normalize(name string) string {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "HMAC_")
	n = strings.ReplaceAll(n, "-", "")

	return n
}
