// Package hashutil provides the hashing primitives the engine relies on:
// MD5 over streams for decompressed content identity and XXH64 over
// streams and files for compressed chunk identity. All helpers observe
// context cancellation between buffer reads and emit lowercase hex.
package hashutil

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const copyBufferSize = 32 << 10

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// MD5Hex hashes r to completion and returns the lowercase hex digest.
func MD5Hex(ctx context.Context, r io.Reader) (string, error) {
	return hashHex(ctx, md5.New(), r)
}

// XXH64Hex hashes r to completion and returns the lowercase hex digest.
func XXH64Hex(ctx context.Context, r io.Reader) (string, error) {
	return hashHex(ctx, xxhash.New(), r)
}

// XXH64File hashes the file at path and returns the lowercase hex digest.
func XXH64File(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open %s for hashing", path)
	}
	defer f.Close()
	return XXH64Hex(ctx, f)
}

func hashHex(ctx context.Context, h hash.Hash, r io.Reader) (string, error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	buf := *bufp

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			return hex.EncodeToString(h.Sum(nil)), nil
		}
		if err != nil {
			return "", errors.Wrap(err, "read for hashing")
		}
	}
}

// SumHex formats a 64-bit digest as 16 lowercase hex digits.
func SumHex(sum uint64) string {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(sum)
		sum >>= 8
	}
	return hex.EncodeToString(b[:])
}

// HexEqual compares two hex digests case-insensitively.
func HexEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// ChunkNameHash extracts the XXH64 hex token a chunk name carries before
// its first underscore. Returns false when the name has no 16-digit token.
func ChunkNameHash(chunkName string) (string, bool) {
	tok, _, found := strings.Cut(chunkName, "_")
	if !found || len(tok) != 16 {
		return "", false
	}
	if _, err := hex.DecodeString(tok); err != nil {
		return "", false
	}
	return strings.ToLower(tok), true
}
