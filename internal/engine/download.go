package engine

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yixuan-Q/sophon/internal/chunkstore"
	"github.com/yixuan-Q/sophon/internal/manifest"
	"github.com/yixuan-Q/sophon/internal/progress"
)

// downloadBurst bounds a single limiter reservation; reads into the
// store are smaller than this.
const downloadBurst = 128 << 10

// downloader fetches compressed chunks into the store. There is no
// per-chunk retry here: a chunk that arrives broken stays invalid in the
// store and the verify/repair pass fetches it again.
type downloader struct {
	client  *http.Client
	store   *chunkstore.Store
	limiter *rate.Limiter
}

// fetchChunk downloads one chunk unless a valid copy is already stored.
// Progress is reported in decompressed bytes, once per chunk, so a
// predownload total matches the admission total.
func (d *downloader) fetchChunk(ctx context.Context, asset *manifest.SophonAsset, c *manifest.AssetChunk, sink progress.Sink) error {
	if d.store.HasValid(ctx, c.Name) {
		log.WithField("chunk", c.Name).Debug("chunk already stored, skipping download")
		sink.Report(c.SizeDecompressed, true)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.ChunkURL(c), nil)
	if err != nil {
		return errors.Wrapf(err, "chunk %s request", c.Name)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetch chunk %s", c.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("chunk %s: endpoint returned %s", c.Name, resp.Status)
	}
	if resp.ContentLength >= 0 && resp.ContentLength != c.Size {
		log.WithFields(log.Fields{
			"chunk": c.Name,
			"want":  c.Size,
			"got":   resp.ContentLength,
		}).Warn("chunk content length differs from manifest")
	}

	var body io.Reader = resp.Body
	if d.limiter != nil {
		body = &throttledReader{ctx: ctx, r: resp.Body, limiter: d.limiter}
	}
	if err := d.store.Put(ctx, c.Name, body); err != nil {
		return err
	}
	sink.Report(c.SizeDecompressed, true)
	return nil
}

// downloadChunks fans the asset's chunk set out across workers. Chunk
// failures, including request construction errors, are logged and left
// for the verifier; only cancellation stops the fan-out.
func downloadChunks(ctx context.Context, d *downloader, asset *manifest.SophonAsset, chunks []*manifest.AssetChunk, workers int, sink progress.Sink) error {
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, c := range chunks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(c *manifest.AssetChunk) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.fetchChunk(ctx, asset, c, sink); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.WithFields(log.Fields{
					"asset": asset.Name,
					"chunk": c.Name,
				}).WithError(err).Warn("chunk download failed, leaving for repair pass")
			}
		}(c)
	}
	wg.Wait()
	return ctx.Err()
}

// throttledReader paces reads through the shared rate limiter.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > downloadBurst {
		p = p[:downloadBurst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
