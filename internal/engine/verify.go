package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/yixuan-Q/sophon/internal/hashutil"
	"github.com/yixuan-Q/sophon/internal/manifest"
	"github.com/yixuan-Q/sophon/internal/progress"
)

// conflictSet collects assets that failed verification. Verifier tasks
// append concurrently.
type conflictSet struct {
	mu     sync.Mutex
	assets []*manifest.SophonAsset
}

func (s *conflictSet) add(a *manifest.SophonAsset) {
	s.mu.Lock()
	s.assets = append(s.assets, a)
	s.mu.Unlock()
}

func (s *conflictSet) list() []*manifest.SophonAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*manifest.SophonAsset, len(s.assets))
	copy(out, s.assets)
	return out
}

func (s *conflictSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assets)
}

// verifyAsset checks one asset against its manifest description. A
// directory asset is materialized if missing. For files, every chunk
// range is re-hashed; on the first mismatch the asset joins the conflict
// set and the remaining chunks are counted as finished with zero bytes
// so the progress total stays consistent.
func (a *assembler) verifyAsset(ctx context.Context, asset *manifest.SophonAsset, conflicts *conflictSet, sink progress.Sink) error {
	path := a.assetPath(asset.Name)
	if asset.IsDirectory() {
		return errors.Wrapf(os.MkdirAll(path, 0o755), "materialize directory %s", asset.Name)
	}

	f, err := os.Open(path)
	if err != nil {
		conflicts.add(asset)
		for range asset.Chunks {
			sink.Report(0, true)
		}
		log.WithField("asset", asset.Name).Debug("asset missing, queued for repair")
		return nil
	}
	defer f.Close()

	for i, c := range asset.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := chunkRangeMatches(ctx, f, c)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithFields(log.Fields{
				"asset": asset.Name,
				"chunk": c.Name,
			}).WithError(err).Warn("chunk verification read failed")
			ok = false
		}
		if !ok {
			conflicts.add(asset)
			for range asset.Chunks[i:] {
				sink.Report(0, true)
			}
			log.WithFields(log.Fields{
				"asset": asset.Name,
				"chunk": c.Name,
			}).Debug("chunk mismatch, asset queued for repair")
			return nil
		}
		sink.Report(c.SizeDecompressed, true)
	}
	return nil
}

// chunkRangeMatches hashes the chunk's on-file range and compares it to
// the manifest's decompressed MD5. A short file is a mismatch, not an
// error.
func chunkRangeMatches(ctx context.Context, f io.ReaderAt, c *manifest.AssetChunk) (bool, error) {
	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	buf := *bufp

	h := md5.New()
	var read int64
	for read < c.SizeDecompressed {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		toRead := min(int64(len(buf)), c.SizeDecompressed-read)
		n, err := f.ReadAt(buf[:toRead], c.Offset+read)
		if n > 0 {
			h.Write(buf[:n])
			read += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, errors.Wrapf(err, "read range of chunk %s", c.Name)
		}
	}
	if read < c.SizeDecompressed {
		return false, nil
	}
	return hashutil.HexEqual(hex.EncodeToString(h.Sum(nil)), c.MD5), nil
}
