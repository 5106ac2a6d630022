package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yixuan-Q/sophon/internal/chunkstore"
)

type startResult struct {
	ok  bool
	err error
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestInstallClean(t *testing.T) {
	ts := newTestServer(t)
	small := []byte("0123456789")
	big := patternData(200_000, 1)
	remote := ts.build("1.0.0",
		fxAsset{name: "a.bin", data: small},
		fxAsset{name: "data/big.bin", data: big, pieces: []int{90_000, 70_000, 40_000}},
		fxAsset{name: "maps", dir: true},
	)

	sink := &recordSink{}
	eng := New(ts.srv.Client(), sink)
	req := testRequest(t, OpInstall)
	req.RemoteBuild = remote

	ok, err := eng.Start(req)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, small, readFile(t, filepath.Join(req.GameDir, "a.bin")))
	assert.Equal(t, big, readFile(t, filepath.Join(req.GameDir, "data", "big.bin")))
	info, err := os.Stat(filepath.Join(req.GameDir, "maps"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(req.ChunksDir)
	assert.True(t, os.IsNotExist(err), "chunk store is purged after a successful install")

	assert.Equal(t, int64(len(small)+len(big)), sink.totalBytes(),
		"assembly progress sums to the build's uncompressed size")
	assert.True(t, sink.hasStatus("installing"))
}

func TestInstallRepairsCorruptChunk(t *testing.T) {
	ts := newTestServer(t)
	good := patternData(50_000, 2)
	bad := patternData(60_000, 3)
	remote := ts.build("1.0.0",
		fxAsset{name: "ok.bin", data: good},
		fxAsset{name: "hurt.bin", data: bad, pieces: []int{40_000, 20_000}},
	)

	corruptName := chunkNameOf(bad[:40_000])
	ts.corruptOnce(corruptName)

	eng := New(ts.srv.Client(), &recordSink{})
	req := testRequest(t, OpInstall)
	req.RemoteBuild = remote

	ok, err := eng.Start(req)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, bad, readFile(t, filepath.Join(req.GameDir, "hurt.bin")),
		"repair pass rewrites the damaged asset")
	assert.Equal(t, good, readFile(t, filepath.Join(req.GameDir, "ok.bin")))
	assert.Equal(t, 2, ts.hitCount(corruptName), "corrupted chunk is fetched again by the repair pass")
	assert.Equal(t, 1, ts.hitCount(chunkNameOf(good)))

	_, err = os.Stat(req.ChunksDir)
	assert.True(t, os.IsNotExist(err))
}

func TestInstallInsufficientSpace(t *testing.T) {
	ts := newTestServer(t)
	remote := ts.build("1.0.0", fxAsset{name: "a.bin", data: []byte("tiny")})
	remote.Manifests[0].Stats.UncompressedSize = 1 << 60

	sink := &recordSink{}
	eng := New(ts.srv.Client(), sink)
	req := testRequest(t, OpInstall)
	req.RemoteBuild = remote

	ok, err := eng.Start(req)
	require.NoError(t, err)
	assert.True(t, ok, "precondition stop is not an error")
	assert.True(t, sink.hasStatus("insufficient disk space"))

	_, err = os.Stat(filepath.Join(req.GameDir, "a.bin"))
	assert.True(t, os.IsNotExist(err), "nothing is assembled after an admission stop")
}

func TestInstallManifestChecksumMismatch(t *testing.T) {
	ts := newTestServer(t)
	remote := ts.build("1.0.0", fxAsset{name: "a.bin", data: []byte("payload")})
	remote.Manifests[0].Manifest.Checksum = "00000000000000000000000000000000"

	sink := &recordSink{}
	eng := New(ts.srv.Client(), sink)
	req := testRequest(t, OpInstall)
	req.RemoteBuild = remote

	ok, err := eng.Start(req)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, sink.hasStatus("manifest fetch failed"))
	assert.Zero(t, ts.totalChunkHits())
}

func TestInstallResumesFromStore(t *testing.T) {
	ts := newTestServer(t)
	data := patternData(30_000, 4)
	remote := ts.build("1.0.0", fxAsset{name: "a.bin", data: data, pieces: []int{10_000, 20_000}})

	req := testRequest(t, OpInstall)
	req.RemoteBuild = remote

	// Pre-stage every chunk, as a predownload would.
	store := chunkstore.New(req.ChunksDir)
	ctx := context.Background()
	for _, piece := range [][]byte{data[:10_000], data[10_000:]} {
		name := chunkNameOf(piece)
		ts.mu.Lock()
		blob := ts.chunks[name]
		ts.mu.Unlock()
		require.NoError(t, store.Put(ctx, name, bytes.NewReader(blob)))
	}

	eng := New(ts.srv.Client(), &recordSink{})
	ok, err := eng.Start(req)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, data, readFile(t, filepath.Join(req.GameDir, "a.bin")))
	assert.Zero(t, ts.totalChunkHits(), "valid staged chunks skip the network entirely")
}

func TestVerifyCleanThenRepair(t *testing.T) {
	ts := newTestServer(t)
	data := patternData(80_000, 5)
	build := ts.build("1.0.0", fxAsset{name: "a.bin", data: data, pieces: []int{50_000, 30_000}})

	eng := New(ts.srv.Client(), &recordSink{})
	install := testRequest(t, OpInstall)
	install.RemoteBuild = build
	ok, err := eng.Start(install)
	require.NoError(t, err)
	require.True(t, ok)
	hitsAfterInstall := ts.totalChunkHits()

	// Clean verify: progress covers the whole build, nothing is fetched.
	sink := &recordSink{}
	engVerify := New(ts.srv.Client(), sink)
	verify := &Request{
		Kind:       OpVerify,
		GameDir:    install.GameDir,
		ChunksDir:  install.ChunksDir,
		Workers:    4,
		LocalBuild: build,
	}
	ok, err = engVerify.Start(verify)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), sink.totalBytes())
	assert.Equal(t, hitsAfterInstall, ts.totalChunkHits(), "clean verify downloads nothing")

	// Damage the tail chunk's range and verify again.
	path := filepath.Join(install.GameDir, "a.bin")
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("XXXX"), 60_000)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	repairSink := &recordSink{}
	engRepair := New(ts.srv.Client(), repairSink)
	ok, err = engRepair.Start(verify)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, data, readFile(t, path), "repair restores the exact content")
	assert.True(t, repairSink.hasStatus("repairing"))
	assert.Greater(t, ts.totalChunkHits(), hitsAfterInstall)

	_, err = os.Stat(install.ChunksDir)
	assert.True(t, os.IsNotExist(err), "repair path purges the chunk store")
}

func TestUpdateMixed(t *testing.T) {
	ts := newTestServer(t)
	dataA := patternData(3000, 10)
	p1 := patternData(2000, 11)
	p2old := patternData(1500, 12)
	p2new := patternData(1500, 13)
	dataD := patternData(500, 14)
	dataE := patternData(800, 15)

	local := ts.build("1.0.0",
		fxAsset{name: "a.bin", data: dataA},
		fxAsset{name: "b.bin", data: append(append([]byte{}, p1...), p2old...), pieces: []int{2000, 1500}},
		fxAsset{name: "c", dir: true},
		fxAsset{name: "d.bin", data: dataD},
	)
	remote := ts.build("1.1.0",
		fxAsset{name: "a.bin", data: dataA},
		fxAsset{name: "b.bin", data: append(append([]byte{}, p1...), p2new...), pieces: []int{2000, 1500}},
		fxAsset{name: "e.bin", data: dataE},
	)

	req := testRequest(t, OpUpdate)
	req.LocalBuild = local
	req.RemoteBuild = remote

	// Materialize the local build on disk.
	require.NoError(t, os.WriteFile(filepath.Join(req.GameDir, "a.bin"), dataA, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(req.GameDir, "b.bin"),
		append(append([]byte{}, p1...), p2old...), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(req.GameDir, "c"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(req.GameDir, "d.bin"), dataD, 0o644))

	sink := &recordSink{}
	eng := New(ts.srv.Client(), sink)
	ok, err := eng.Start(req)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, dataA, readFile(t, filepath.Join(req.GameDir, "a.bin")))
	assert.Equal(t, append(append([]byte{}, p1...), p2new...),
		readFile(t, filepath.Join(req.GameDir, "b.bin")))
	assert.Equal(t, dataE, readFile(t, filepath.Join(req.GameDir, "e.bin")))
	_, err = os.Stat(filepath.Join(req.GameDir, "c"))
	assert.True(t, os.IsNotExist(err), "deleted directory is removed")
	_, err = os.Stat(filepath.Join(req.GameDir, "d.bin"))
	assert.True(t, os.IsNotExist(err), "deleted file is removed")

	assert.Equal(t, 1, ts.hitCount(chunkNameOf(p2new)), "only the replaced chunk of b.bin is fetched")
	assert.Equal(t, 1, ts.hitCount(chunkNameOf(dataE)))
	assert.Zero(t, ts.hitCount(chunkNameOf(p1)))
	assert.Zero(t, ts.hitCount(chunkNameOf(dataA)))
	assert.Zero(t, ts.hitCount(chunkNameOf(p2old)))
	assert.Zero(t, ts.hitCount(chunkNameOf(dataD)))

	assert.Equal(t, int64(len(dataE)+len(p2new)), sink.totalBytes(),
		"update progress equals added bytes plus diff chunk bytes")

	_, err = os.Stat(req.ChunksDir)
	assert.True(t, os.IsNotExist(err))
}

func TestUpdateChunkReorder(t *testing.T) {
	ts := newTestServer(t)
	p1 := patternData(1000, 20)
	p2 := patternData(1000, 21)
	oldData := append(append([]byte{}, p1...), p2...)
	newData := append(append([]byte{}, p2...), p1...)

	local := ts.build("1.0.0", fxAsset{name: "a.bin", data: oldData, pieces: []int{1000, 1000}})
	remote := ts.build("1.1.0", fxAsset{name: "a.bin", data: newData, pieces: []int{1000, 1000}})

	req := testRequest(t, OpUpdate)
	req.LocalBuild = local
	req.RemoteBuild = remote
	require.NoError(t, os.WriteFile(filepath.Join(req.GameDir, "a.bin"), oldData, 0o644))

	eng := New(ts.srv.Client(), &recordSink{})
	ok, err := eng.Start(req)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, newData, readFile(t, filepath.Join(req.GameDir, "a.bin")),
		"moved chunks are copied from the old file at their new offsets")
	assert.Zero(t, ts.totalChunkHits(), "a pure reorder fetches nothing")
}

func TestPredownloadThenUpdate(t *testing.T) {
	ts := newTestServer(t)
	p1 := patternData(2000, 30)
	p2old := patternData(1000, 31)
	p2new := patternData(1000, 32)
	dataF := patternData(600, 33)

	local := ts.build("1.0.0",
		fxAsset{name: "a.bin", data: append(append([]byte{}, p1...), p2old...), pieces: []int{2000, 1000}},
	)
	remote := ts.build("1.1.0",
		fxAsset{name: "a.bin", data: append(append([]byte{}, p1...), p2new...), pieces: []int{2000, 1000}},
		fxAsset{name: "f.bin", data: dataF},
	)

	gameDir := t.TempDir()
	chunksDir := filepath.Join(t.TempDir(), "chunks")
	statusPath := filepath.Join(t.TempDir(), "predownload.json")
	require.NoError(t, os.WriteFile(filepath.Join(gameDir, "a.bin"),
		append(append([]byte{}, p1...), p2old...), 0o644))

	sink := &recordSink{}
	eng := New(ts.srv.Client(), sink)
	pre := &Request{
		Kind:                  OpPredownload,
		GameDir:               gameDir,
		ChunksDir:             chunksDir,
		PredownloadStatusPath: statusPath,
		Workers:               4,
		LocalBuild:            local,
		RemoteBuild:           remote,
	}
	ok, err := eng.Start(pre)
	require.NoError(t, err)
	require.True(t, ok)

	st, err := ReadPredownloadStatus(statusPath)
	require.NoError(t, err)
	assert.Equal(t, PredownloadStatus{Tag: "1.1.0", Finished: true, TotalBlocks: 2}, st)

	assert.Equal(t, 1, ts.hitCount(chunkNameOf(p2new)))
	assert.Equal(t, 1, ts.hitCount(chunkNameOf(dataF)))
	assert.Zero(t, ts.hitCount(chunkNameOf(p1)), "unchanged chunks are not staged")
	assert.Equal(t, int64(len(p2new)+len(dataF)), sink.totalBytes())

	_, err = os.Stat(chunksDir)
	require.NoError(t, err, "predownload keeps the chunk store")

	// The finalizing update reuses every staged chunk.
	upd := &Request{
		Kind:        OpUpdate,
		GameDir:     gameDir,
		ChunksDir:   chunksDir,
		Workers:     4,
		LocalBuild:  local,
		RemoteBuild: remote,
	}
	ok, err = eng.Start(upd)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, ts.hitCount(chunkNameOf(p2new)), "no second download for staged chunks")
	assert.Equal(t, 1, ts.hitCount(chunkNameOf(dataF)))
	assert.Equal(t, append(append([]byte{}, p1...), p2new...),
		readFile(t, filepath.Join(gameDir, "a.bin")))
	assert.Equal(t, dataF, readFile(t, filepath.Join(gameDir, "f.bin")))

	_, err = os.Stat(chunksDir)
	assert.True(t, os.IsNotExist(err), "update purges the store it consumed")
}

func TestCancelMidInstall(t *testing.T) {
	ts := newTestServer(t)
	pieces := []int{20_000, 20_000, 20_000, 20_000}
	data := patternData(80_000, 40)
	remote := ts.build("1.0.0", fxAsset{name: "a.bin", data: data, pieces: pieces})

	req := testRequest(t, OpInstall)
	req.RemoteBuild = remote

	// Pre-stage one chunk so the retained store is observable after the
	// cancellation.
	store := chunkstore.New(req.ChunksDir)
	staged := chunkNameOf(data[:20_000])
	ts.mu.Lock()
	stagedBlob := ts.chunks[staged]
	ts.mu.Unlock()
	require.NoError(t, store.Put(context.Background(), staged, bytes.NewReader(stagedBlob)))

	gate := make(chan struct{})
	ts.mu.Lock()
	ts.gate = gate
	ts.started = make(chan struct{}, 1)
	ts.mu.Unlock()
	defer close(gate)

	eng := New(ts.srv.Client(), &recordSink{})
	results := make(chan startResult, 1)
	go func() {
		ok, err := eng.Start(req)
		results <- startResult{ok, err}
	}()

	select {
	case <-ts.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no chunk request arrived")
	}
	eng.Cancel()

	res := <-results
	require.NoError(t, res.err)
	assert.False(t, res.ok, "cancelled operation reports no success")

	assert.True(t, store.HasValid(context.Background(), staged),
		"cancellation leaves staged chunks in place")

	// Resuming the install succeeds and never refetches the staged chunk.
	ts.mu.Lock()
	ts.gate = nil
	ts.started = nil
	ts.mu.Unlock()

	ok, err := eng.Start(req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, readFile(t, filepath.Join(req.GameDir, "a.bin")))
	assert.Zero(t, ts.hitCount(staged), "staged chunk is served from the store on resume")
}

func TestStartCancelsPriorOperation(t *testing.T) {
	ts := newTestServer(t)
	data := patternData(10_000, 50)
	remote := ts.build("1.0.0", fxAsset{name: "a.bin", data: data})

	first := testRequest(t, OpInstall)
	first.RemoteBuild = remote

	gate := make(chan struct{})
	ts.mu.Lock()
	ts.gate = gate
	ts.started = make(chan struct{}, 1)
	ts.mu.Unlock()
	defer close(gate)

	eng := New(ts.srv.Client(), &recordSink{})
	results := make(chan startResult, 1)
	go func() {
		ok, err := eng.Start(first)
		results <- startResult{ok, err}
	}()

	select {
	case <-ts.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no chunk request arrived")
	}

	ts.mu.Lock()
	ts.gate = nil
	ts.started = nil
	ts.mu.Unlock()

	second := testRequest(t, OpInstall)
	second.RemoteBuild = remote
	ok, err := eng.Start(second)
	require.NoError(t, err)
	assert.True(t, ok, "takeover operation completes")

	res := <-results
	require.NoError(t, res.err)
	assert.False(t, res.ok, "displaced operation reports cancellation")

	assert.Equal(t, data, readFile(t, filepath.Join(second.GameDir, "a.bin")))
}

func TestCancelIdleIsNoop(t *testing.T) {
	eng := New(nil, nil)
	done := make(chan struct{})
	go func() {
		eng.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked on an idle engine")
	}
}
