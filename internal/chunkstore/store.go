// Package chunkstore keeps downloaded compressed chunks in a flat scratch
// directory, one regular file per chunk named exactly after the chunk.
// A chunk name embeds the XXH64 of its compressed bytes, so the store can
// tell a valid blob from a truncated or corrupted one without any index.
package chunkstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/yixuan-Q/sophon/internal/hashutil"
)

// ErrChecksum is returned by Put when the stored blob's XXH64 does not
// match the hash token of the chunk name. The file is retained on disk;
// consumers treat it as invalid until a later Put replaces it.
var ErrChecksum = errors.New("chunk checksum mismatch")

// Store is a flat directory of chunk files. Concurrent Puts on distinct
// chunk names are safe; the scheduler never issues the same chunk twice
// at once.
type Store struct {
	dir string

	mkdirOnce sync.Once
	mkdirErr  error
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the on-disk path a chunk is (or would be) stored at.
func (s *Store) Path(chunkName string) string {
	return filepath.Join(s.dir, chunkName)
}

// Exists reports whether a blob for chunkName is present, valid or not.
func (s *Store) Exists(chunkName string) bool {
	info, err := os.Stat(s.Path(chunkName))
	return err == nil && info.Mode().IsRegular()
}

// HasValid reports whether a stored blob hashes to the chunk name's XXH64
// token. Chunks without a parsable token are never considered valid.
func (s *Store) HasValid(ctx context.Context, chunkName string) bool {
	want, ok := hashutil.ChunkNameHash(chunkName)
	if !ok {
		return false
	}
	if !s.Exists(chunkName) {
		return false
	}
	got, err := hashutil.XXH64File(ctx, s.Path(chunkName))
	if err != nil {
		return false
	}
	return hashutil.HexEqual(got, want)
}

// Put streams src into the chunk file and verifies the stored bytes
// against the name's XXH64 token after the final byte. On mismatch the
// file is retained and ErrChecksum returned; later HasValid calls will
// report it invalid and the chunk will be fetched again.
func (s *Store) Put(ctx context.Context, chunkName string, src io.Reader) error {
	if err := s.ensureDir(); err != nil {
		return err
	}

	f, err := os.Create(s.Path(chunkName))
	if err != nil {
		return errors.Wrapf(err, "create chunk %s", chunkName)
	}

	digest := xxhash.New()
	buf := make([]byte, 64<<10)
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return errors.Wrapf(werr, "write chunk %s", chunkName)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			return errors.Wrapf(rerr, "read chunk %s body", chunkName)
		}
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close chunk %s", chunkName)
	}

	want, ok := hashutil.ChunkNameHash(chunkName)
	if !ok {
		return errors.Errorf("chunk name %q carries no hash token", chunkName)
	}
	got := hashutil.SumHex(digest.Sum64())
	if !hashutil.HexEqual(got, want) {
		log.WithFields(log.Fields{
			"chunk": chunkName,
			"want":  want,
			"got":   got,
		}).Warn("stored chunk failed checksum")
		return errors.Wrap(ErrChecksum, chunkName)
	}
	return nil
}

// OpenRead returns a readable, seekable handle on a stored chunk.
func (s *Store) OpenRead(chunkName string) (*os.File, error) {
	f, err := os.Open(s.Path(chunkName))
	if err != nil {
		return nil, errors.Wrapf(err, "open chunk %s", chunkName)
	}
	return f, nil
}

// PurgeAll removes the whole store directory. The next Put recreates it.
func (s *Store) PurgeAll() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return errors.Wrapf(err, "purge chunk store %s", s.dir)
	}
	s.mkdirOnce = sync.Once{}
	return nil
}

func (s *Store) ensureDir() error {
	s.mkdirOnce.Do(func() {
		s.mkdirErr = os.MkdirAll(s.dir, 0o755)
	})
	return errors.Wrapf(s.mkdirErr, "create chunk store %s", s.dir)
}
