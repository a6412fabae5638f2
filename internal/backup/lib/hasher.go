// Package lib contains the core, reusable services for the backup application.
package lib

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"github.com/zeebo/xxh3"
)

// HashChunkSize is the read size used when streaming a file into a digest.
const HashChunkSize = 64 * 1024

// DefaultHashAlgorithm matches the digest the manifests have always carried.
const DefaultHashAlgorithm = "md5"

var hashConstructors = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha256": sha256.New,
	"blake3": func() hash.Hash { return blake3.New() },
	"xxh3":   func() hash.Hash { return &xxh3Digest{xxh3.New()} },
}

// xxh3Digest exposes the 128-bit xxh3 sum through hash.Hash.
type xxh3Digest struct {
	*xxh3.Hasher
}

func (d *xxh3Digest) Size() int { return 16 }

func (d *xxh3Digest) Sum(b []byte) []byte {
	sum := d.Hasher.Sum128().Bytes()
	return append(b, sum[:]...)
}

// HashAlgorithms returns the supported algorithm names, sorted.
func HashAlgorithms() []string {
	names := make([]string, 0, len(hashConstructors))
	for name := range hashConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrUnknownHashAlgorithm is returned for an algorithm name not in HashAlgorithms.
var ErrUnknownHashAlgorithm = errors.New("unknown hash algorithm")

// Hasher computes content fingerprints for single files.
type Hasher struct {
	algorithm string
	newHash   func() hash.Hash
	chunkSize int
}

// NewHasher returns a Hasher for the named algorithm.
func NewHasher(algorithm string) (*Hasher, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = DefaultHashAlgorithm
	}
	ctor, ok := hashConstructors[algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownHashAlgorithm, algorithm, strings.Join(HashAlgorithms(), ", "))
	}
	return &Hasher{algorithm: algorithm, newHash: ctor, chunkSize: HashChunkSize}, nil
}

// Algorithm returns the normalized algorithm name.
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// GetHash hashes an in-memory byte slice and returns lowercase hex.
func (h *Hasher) GetHash(content []byte) string {
	d := h.newHash()
	d.Write(content)
	return hex.EncodeToString(d.Sum(nil))
}

// Fingerprint streams the file at filePath through the digest in fixed-size
// chunks and returns the lowercase hex sum. The context is checked between
// chunks so a slow device shows up as an ongoing read that can be cancelled.
func (h *Hasher) Fingerprint(ctx context.Context, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	d := h.newHash()
	buf := make([]byte, h.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := file.Read(buf)
		if n > 0 {
			d.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(d.Sum(nil)), nil
}
