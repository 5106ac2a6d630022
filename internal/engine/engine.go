// Package engine orchestrates the package operations (install, verify,
// update, predownload) over the chunk store, the manifest decoder, the
// assembler and the verifier. One engine runs at most one operation at
// a time; starting a new one cancels and drains the previous one first.
package engine

import (
	"context"
	"io"
	"net/http"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yixuan-Q/sophon/internal/chunkstore"
	"github.com/yixuan-Q/sophon/internal/manifest"
	"github.com/yixuan-Q/sophon/internal/progress"
)

// Operation selects which pipeline a request runs.
type Operation int

const (
	OpInstall Operation = iota
	OpVerify
	OpUpdate
	OpPredownload
)

func (op Operation) String() string {
	switch op {
	case OpInstall:
		return "install"
	case OpVerify:
		return "verify"
	case OpUpdate:
		return "update"
	case OpPredownload:
		return "predownload"
	default:
		return "unknown"
	}
}

// Request carries everything one operation needs. LocalBuild describes
// the build currently on disk (verify, update, predownload); RemoteBuild
// the build being installed or updated to.
type Request struct {
	Kind Operation

	GameDir               string
	ChunksDir             string
	PredownloadStatusPath string

	LocalBuild  *manifest.BuildData
	RemoteBuild *manifest.BuildData

	// AudioLanguages opts voice-pack manifests in by matching field.
	AudioLanguages map[string]bool

	// Workers bounds both asset-level and chunk-level parallelism.
	// Zero means runtime.NumCPU().
	Workers int

	// DownloadLimit throttles chunk downloads, in bytes per second.
	// Zero means unlimited.
	DownloadLimit int64
}

func (r *Request) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return runtime.NumCPU()
}

// errStop marks a precondition failure that was already reported through
// the progress sink: the pipeline stops but the operation is not an
// error from the caller's point of view.
var errStop = errors.New("operation stopped on precondition")

// Engine is the process-wide operation orchestrator.
type Engine struct {
	client *http.Client
	sink   progress.Sink

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine over client and sink. A nil client falls back to
// http.DefaultClient; a nil sink discards progress.
func New(client *http.Client, sink progress.Sink) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	if sink == nil {
		sink = progress.Discard{}
	}
	return &Engine{client: client, sink: sink}
}

// Start runs the requested operation to completion. It returns
// (true, nil) on success or a controlled precondition stop, (false, nil)
// when the operation was cancelled, and (false, err) on fatal errors.
// Any operation already in flight is cancelled and drained first.
func (e *Engine) Start(req *Request) (bool, error) {
	e.mu.Lock()
	for e.done != nil {
		cancel, done := e.cancel, e.done
		e.mu.Unlock()
		cancel()
		<-done
		e.mu.Lock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.done == done {
			e.cancel, e.done = nil, nil
		}
		e.mu.Unlock()
		cancel()
		close(done)
	}()

	op := e.newOperation(req)
	err := op.run(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStop):
		return true, nil
	case errors.Is(err, context.Canceled):
		log.WithField("op", req.Kind.String()).Info("operation cancelled")
		return false, nil
	default:
		log.WithField("op", req.Kind.String()).WithError(err).Error("operation failed")
		return false, err
	}
}

// Cancel requests cooperative cancellation of the in-flight operation
// and waits for it to drain. It is a no-op when the engine is idle.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) newOperation(req *Request) *operation {
	store := chunkstore.New(req.ChunksDir)
	var limiter *rate.Limiter
	if req.DownloadLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(req.DownloadLimit), downloadBurst)
	}
	dec := manifest.NewDecoder(e.client)
	fetch := dec.Fetch
	dec.Fetch = func(ctx context.Context, url string) (io.ReadCloser, error) {
		return withRetry(ctx, manifestRetryAttempts, "manifest fetch", func(ctx context.Context) (io.ReadCloser, error) {
			return fetch(ctx, url)
		})
	}
	return &operation{
		req:     req,
		sink:    e.sink,
		store:   store,
		dec:     dec,
		dl:      &downloader{client: e.client, store: store, limiter: limiter},
		asm:     &assembler{store: store, gameDir: req.GameDir},
		workers: req.workers(),
		log:     log.WithField("op", req.Kind.String()),
	}
}
