package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/yixuan-Q/sophon/internal/chunkstore"
	"github.com/yixuan-Q/sophon/internal/manifest"
	"github.com/yixuan-Q/sophon/internal/progress"
)

// tempUpdateSuffix marks the scratch file a diff merge assembles into
// before committing over the target.
const tempUpdateSuffix = "_tempUpdate"

const copyBufferSize = 80 << 10

var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// assembler writes target files from stored chunks. One pooled buffer
// per concurrent task bounds memory.
type assembler struct {
	store   *chunkstore.Store
	gameDir string
}

func (a *assembler) assetPath(name string) string {
	return filepath.Join(a.gameDir, filepath.FromSlash(name))
}

// mergeAsset assembles an asset from its stored chunks with positional
// writes. A chunk whose blob is missing or broken is skipped; the
// verifier flags the asset afterwards and the repair pass rewrites it.
func (a *assembler) mergeAsset(ctx context.Context, asset *manifest.SophonAsset, sink progress.Sink) error {
	path := a.assetPath(asset.Name)
	if asset.IsDirectory() {
		return errors.Wrapf(os.MkdirAll(path, 0o755), "create directory asset %s", asset.Name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create parent of %s", asset.Name)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open target %s", asset.Name)
	}
	defer f.Close()
	if err := f.Truncate(asset.Size); err != nil {
		return errors.Wrapf(err, "size target %s", asset.Name)
	}

	for _, c := range asset.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.writeChunkAt(ctx, f, c, sink); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.WithFields(log.Fields{
				"asset": asset.Name,
				"chunk": c.Name,
			}).WithError(err).Warn("chunk merge failed, leaving for repair pass")
		}
		sink.Report(0, true)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close target %s", asset.Name)
	}
	log.WithFields(log.Fields{
		"asset": asset.Name,
		"size":  asset.Size,
	}).Debug("asset assembled")
	return nil
}

// writeChunkAt decompresses one stored chunk into f at its on-file
// offset.
func (a *assembler) writeChunkAt(ctx context.Context, f io.WriterAt, c *manifest.AssetChunk, sink progress.Sink) error {
	cf, err := a.store.OpenRead(c.Name)
	if err != nil {
		return err
	}
	defer cf.Close()

	zr, err := zstd.NewReader(cf, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return errors.Wrapf(err, "open chunk %s zstd stream", c.Name)
	}
	defer zr.Close()

	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	buf := *bufp

	var written int64
	for written < c.SizeDecompressed {
		if err := ctx.Err(); err != nil {
			return err
		}
		toRead := min(int64(len(buf)), c.SizeDecompressed-written)
		n, rerr := io.ReadFull(zr, buf[:toRead])
		if n > 0 {
			if _, werr := f.WriteAt(buf[:n], c.Offset+written); werr != nil {
				return errors.Wrapf(werr, "write chunk %s", c.Name)
			}
			written += int64(n)
			sink.Report(int64(n), false)
		}
		if rerr != nil {
			if written < c.SizeDecompressed {
				return errors.Errorf("chunk %s: short decompressed stream, got %d of %d bytes",
					c.Name, written, c.SizeDecompressed)
			}
			break
		}
	}
	return nil
}

// mergeDiffAsset assembles the new version of a modified asset into a
// temporary file, sourcing unchanged ranges from the old file on disk
// and changed ranges from downloaded diff chunks, then commits it over
// the target. The temporary file keeps the old file readable until every
// range has been copied out of it.
func (a *assembler) mergeDiffAsset(ctx context.Context, oldAsset *manifest.AssetProperty, newAsset *manifest.SophonAsset, sink progress.Sink) error {
	path := a.assetPath(newAsset.Name)
	tmpPath := path + tempUpdateSuffix
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create parent of %s", newAsset.Name)
	}

	oldByMD5 := make(map[string]*manifest.AssetChunk, len(oldAsset.Chunks))
	for _, c := range oldAsset.Chunks {
		key := strings.ToLower(c.MD5)
		if _, ok := oldByMD5[key]; !ok {
			oldByMD5[key] = c
		}
	}

	oldFile, err := os.Open(path)
	if err != nil {
		// Old file is gone or unreadable; every chunk must come from the
		// store. Missing diff chunks surface at verification.
		log.WithField("asset", newAsset.Name).WithError(err).Warn("old file unavailable for diff merge")
		oldFile = nil
	}
	defer func() {
		if oldFile != nil {
			oldFile.Close()
		}
	}()

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open scratch for %s", newAsset.Name)
	}
	defer tmp.Close()
	if err := tmp.Truncate(newAsset.Size); err != nil {
		return errors.Wrapf(err, "size scratch for %s", newAsset.Name)
	}

	for _, c := range newAsset.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		oc, reuse := oldByMD5[strings.ToLower(c.MD5)]
		if reuse && oldFile != nil {
			if err := copyRange(ctx, tmp, c.Offset, oldFile, oc.Offset, c.SizeDecompressed); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				log.WithFields(log.Fields{
					"asset": newAsset.Name,
					"chunk": c.Name,
				}).WithError(err).Warn("old-file range copy failed, leaving for repair pass")
			}
		} else if err := a.writeChunkAt(ctx, tmp, c, sink); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.WithFields(log.Fields{
				"asset": newAsset.Name,
				"chunk": c.Name,
			}).WithError(err).Warn("diff chunk merge failed, leaving for repair pass")
		}
		sink.Report(0, true)
	}

	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close scratch for %s", newAsset.Name)
	}
	if oldFile != nil {
		oldFile.Close()
		oldFile = nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "drop old %s", newAsset.Name)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "commit %s", newAsset.Name)
	}
	log.WithField("asset", newAsset.Name).Debug("asset diff-merged")
	return nil
}

// copyRange copies length bytes from src@srcOff to dst@dstOff. Reused
// ranges do not report progress bytes: the update total only counts data
// that had to be fetched.
func copyRange(ctx context.Context, dst io.WriterAt, dstOff int64, src io.ReaderAt, srcOff, length int64) error {
	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)
	buf := *bufp

	var done int64
	for done < length {
		if err := ctx.Err(); err != nil {
			return err
		}
		toRead := min(int64(len(buf)), length-done)
		n, err := src.ReadAt(buf[:toRead], srcOff+done)
		if n > 0 {
			if _, werr := dst.WriteAt(buf[:n], dstOff+done); werr != nil {
				return errors.Wrap(werr, "write reused range")
			}
			done += int64(n)
		}
		if err == io.EOF {
			if done < length {
				return errors.Errorf("old file range short: got %d of %d bytes", done, length)
			}
			break
		}
		if err != nil {
			return errors.Wrap(err, "read old file range")
		}
	}
	return nil
}
