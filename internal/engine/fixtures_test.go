package engine

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/yixuan-Q/sophon/internal/hashutil"
	"github.com/yixuan-Q/sophon/internal/manifest"
)

var zstdEnc, _ = zstd.NewWriter(nil)

func zstdEncode(b []byte) []byte {
	return zstdEnc.EncodeAll(b, nil)
}

// chunkNameOf derives the store name a piece of decompressed content
// gets: the XXH64 of its compressed blob plus its decompressed length.
func chunkNameOf(piece []byte) string {
	comp := zstdEncode(piece)
	return hashutil.SumHex(xxhash.Sum64(comp)) + "_" + strconv.Itoa(len(piece))
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// fxAsset declares one asset of a fixture build. pieces lists the
// decompressed chunk sizes in file order; nil means a single chunk.
type fxAsset struct {
	name   string
	dir    bool
	data   []byte
	pieces []int
}

// testServer serves fixture manifests and chunks over httptest, counts
// chunk hits and can inject corrupt responses or block deliveries.
type testServer struct {
	t   *testing.T
	mux *http.ServeMux
	srv *httptest.Server

	mu        sync.Mutex
	chunks    map[string][]byte
	manifests map[string][]byte
	hits      map[string]int
	corrupt   map[string]int
	delay     time.Duration
	gate      chan struct{}
	started   chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		t:         t,
		mux:       http.NewServeMux(),
		chunks:    map[string][]byte{},
		manifests: map[string][]byte{},
		hits:      map[string]int{},
		corrupt:   map[string]int{},
	}
	ts.mux.HandleFunc("/chunks/", ts.serveChunk)
	ts.mux.HandleFunc("/manifests/", ts.serveManifest)
	ts.srv = httptest.NewServer(ts.mux)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) serveChunk(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/chunks/")

	ts.mu.Lock()
	blob, ok := ts.chunks[name]
	ts.hits[name]++
	corrupt := ts.corrupt[name] > 0
	if corrupt {
		ts.corrupt[name]--
	}
	delay := ts.delay
	gate := ts.gate
	started := ts.started
	ts.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if corrupt {
		w.Write([]byte("this is not the chunk you are looking for"))
		return
	}
	w.Write(blob)
}

func (ts *testServer) serveManifest(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/manifests/")
	ts.mu.Lock()
	blob, ok := ts.manifests[id]
	ts.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(blob)
}

func (ts *testServer) corruptOnce(chunkName string) {
	ts.mu.Lock()
	ts.corrupt[chunkName]++
	ts.mu.Unlock()
}

func (ts *testServer) hitCount(chunkName string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.hits[chunkName]
}

func (ts *testServer) totalChunkHits() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, c := range ts.hits {
		n += c
	}
	return n
}

// build registers a fixture build's chunks and manifest and returns its
// branch descriptor.
func (ts *testServer) build(tag string, assets ...fxAsset) *manifest.BuildData {
	proto := &manifest.ManifestProto{}
	var total int64
	for _, fa := range assets {
		if fa.dir {
			proto.Assets = append(proto.Assets, &manifest.AssetProperty{
				Name: fa.name,
				Type: manifest.AssetTypeDirectory,
			})
			continue
		}
		ap := &manifest.AssetProperty{
			Name: fa.name,
			MD5:  md5Hex(fa.data),
			Size: int64(len(fa.data)),
		}
		pieces := fa.pieces
		if pieces == nil {
			pieces = []int{len(fa.data)}
		}
		off := 0
		for _, n := range pieces {
			piece := fa.data[off : off+n]
			comp := zstdEncode(piece)
			name := chunkNameOf(piece)
			ts.mu.Lock()
			ts.chunks[name] = comp
			ts.mu.Unlock()
			ap.Chunks = append(ap.Chunks, &manifest.AssetChunk{
				Name:             name,
				MD5:              md5Hex(piece),
				Offset:           int64(off),
				Size:             int64(len(comp)),
				SizeDecompressed: int64(n),
			})
			off += n
		}
		require.Equal(ts.t, len(fa.data), off, "piece sizes must cover the asset")
		proto.Assets = append(proto.Assets, ap)
		total += int64(len(fa.data))
	}

	raw := proto.Marshal()
	blob := zstdEncode(raw)
	ts.mu.Lock()
	id := "m" + strconv.Itoa(len(ts.manifests)) + "_" + tag
	ts.manifests[id] = blob
	ts.mu.Unlock()

	return &manifest.BuildData{
		Tag: tag,
		Manifests: []*manifest.ManifestStub{{
			MatchingField: manifest.FieldGame,
			Manifest: manifest.ManifestFileInfo{
				ID:               id,
				Checksum:         md5Hex(raw),
				CompressedSize:   int64(len(blob)),
				UncompressedSize: int64(len(raw)),
			},
			ManifestDownload: manifest.URLInfo{URLPrefix: ts.srv.URL + "/manifests", IsCompressed: true},
			ChunkDownload:    manifest.URLInfo{URLPrefix: ts.srv.URL + "/chunks"},
			Stats:            manifest.ChunkStats{UncompressedSize: total},
		}},
	}
}

// recordSink captures progress for assertions.
type recordSink struct {
	mu       sync.Mutex
	bytes    int64
	finished int64
	statuses []string
}

func (s *recordSink) Report(n int64, finished bool) {
	s.mu.Lock()
	s.bytes += n
	if finished {
		s.finished++
	}
	s.mu.Unlock()
}

func (s *recordSink) Status(msg string) {
	s.mu.Lock()
	s.statuses = append(s.statuses, msg)
	s.mu.Unlock()
}

func (s *recordSink) totalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *recordSink) hasStatus(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.statuses {
		if strings.Contains(st, substr) {
			return true
		}
	}
	return false
}

// patternData builds deterministic content of the given length; variant
// shifts the pattern so two variants never collide.
func patternData(length int, variant byte) []byte {
	out := make([]byte, length)
	for i := range out {
		out[i] = byte(i)*7 + variant
	}
	return out
}

func testRequest(t *testing.T, kind Operation) *Request {
	return &Request{
		Kind:                  kind,
		GameDir:               t.TempDir(),
		ChunksDir:             filepath.Join(t.TempDir(), "chunks"),
		PredownloadStatusPath: filepath.Join(t.TempDir(), "predownload.json"),
		Workers:               4,
	}
}
