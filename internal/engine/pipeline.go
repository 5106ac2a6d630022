package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/alitto/pond"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/yixuan-Q/sophon/internal/chunkstore"
	"github.com/yixuan-Q/sophon/internal/manifest"
	"github.com/yixuan-Q/sophon/internal/progress"
)

// maxVerifyPasses bounds the verify/repair loop. The first pass finds
// damage, the second verifies the repair; a third failing pass means the
// source itself keeps serving bad data.
const maxVerifyPasses = 3

// operation is the per-run state of one pipeline.
type operation struct {
	req     *Request
	sink    progress.Sink
	store   *chunkstore.Store
	dec     *manifest.Decoder
	dl      *downloader
	asm     *assembler
	workers int
	log     *log.Entry
}

func (o *operation) run(ctx context.Context) error {
	o.log.Info("operation started")
	switch o.req.Kind {
	case OpInstall:
		return o.runInstall(ctx)
	case OpVerify:
		return o.runVerify(ctx)
	case OpUpdate:
		return o.runUpdate(ctx)
	case OpPredownload:
		return o.runPredownload(ctx)
	default:
		return errors.Errorf("unknown operation kind %d", o.req.Kind)
	}
}

// runInstall fetches the remote build, assembles every asset from
// freshly downloaded chunks, self-checks and purges the scratch store.
func (o *operation) runInstall(ctx context.Context) error {
	remote, err := o.decodeBuild(ctx, o.req.RemoteBuild)
	if err != nil {
		return err
	}
	if err := o.admit(remote.TotalBytes, o.req.GameDir); err != nil {
		return err
	}

	o.sink.Status("installing")
	assets := remote.Assets()
	if err := o.forEachAsset(ctx, assets, o.installAsset); err != nil {
		return err
	}
	if err := o.verifyAndRepair(ctx, assets, progress.Discard{}); err != nil {
		return err
	}
	o.log.Info("install complete")
	return o.store.PurgeAll()
}

// runVerify checks the local build on disk and repairs what fails. A
// clean verify leaves the chunk store untouched; a repair purges it.
func (o *operation) runVerify(ctx context.Context) error {
	local, err := o.decodeBuild(ctx, o.req.LocalBuild)
	if err != nil {
		return err
	}

	o.sink.Status("verifying")
	assets := local.Assets()
	conflicts := &conflictSet{}
	err = o.forEachAsset(ctx, assets, func(ctx context.Context, a *manifest.SophonAsset) error {
		return o.asm.verifyAsset(ctx, a, conflicts, o.sink)
	})
	if err != nil {
		return err
	}
	if conflicts.size() == 0 {
		o.log.Info("verification clean")
		return nil
	}

	o.sink.Status(fmt.Sprintf("repairing %d assets", conflicts.size()))
	if err := o.forEachAsset(ctx, conflicts.list(), o.installAsset); err != nil {
		return err
	}
	if err := o.verifyAndRepair(ctx, conflicts.list(), progress.Discard{}); err != nil {
		return err
	}
	o.log.Info("repair complete")
	return o.store.PurgeAll()
}

// runUpdate reconciles the disk tree with the remote build: new assets
// are assembled in full, modified ones diff-merged from the old file
// plus fetched diff chunks, vanished ones deleted. The whole remote
// manifest is then verified.
func (o *operation) runUpdate(ctx context.Context) error {
	local, err := o.decodeBuild(ctx, o.req.LocalBuild)
	if err != nil {
		return err
	}
	remote, err := o.decodeBuild(ctx, o.req.RemoteBuild)
	if err != nil {
		return err
	}
	diff := manifest.ComputeDiff(local, remote)
	if err := o.admit(diff.DownloadBytes(), o.req.GameDir); err != nil {
		return err
	}

	o.sink.Status("updating")
	if err := o.forEachAsset(ctx, diff.Added, o.installAsset); err != nil {
		return err
	}
	if err := o.forEachAsset(ctx, diff.Modified, o.updateAsset); err != nil {
		return err
	}
	if err := o.deleteAssets(ctx, diff.Deleted); err != nil {
		return err
	}
	if err := o.verifyAndRepair(ctx, remote.Assets(), progress.Discard{}); err != nil {
		return err
	}
	o.log.Info("update complete")
	return o.store.PurgeAll()
}

// runPredownload stages the chunks a later update will need without
// touching the game tree. The chunk store is deliberately retained.
func (o *operation) runPredownload(ctx context.Context) error {
	local, err := o.decodeBuild(ctx, o.req.LocalBuild)
	if err != nil {
		return err
	}
	remote, err := o.decodeBuild(ctx, o.req.RemoteBuild)
	if err != nil {
		return err
	}
	diff := manifest.ComputeDiff(local, remote)
	if err := o.admit(diff.DownloadBytes(), o.req.ChunksDir); err != nil {
		return err
	}

	totalBlocks := 0
	for _, a := range diff.Added {
		totalBlocks += len(a.Chunks)
	}
	for _, a := range diff.Modified {
		totalBlocks += len(a.DiffChunks)
	}
	status := PredownloadStatus{Tag: remote.Tag, TotalBlocks: totalBlocks}
	if err := WritePredownloadStatus(o.req.PredownloadStatusPath, status); err != nil {
		return err
	}

	o.sink.Status("predownloading")
	err = o.forEachAsset(ctx, diff.Added, func(ctx context.Context, a *manifest.SophonAsset) error {
		if a.IsDirectory() {
			return nil
		}
		return downloadChunks(ctx, o.dl, a, a.Chunks, o.workers, o.sink)
	})
	if err != nil {
		return err
	}
	err = o.forEachAsset(ctx, diff.Modified, func(ctx context.Context, a *manifest.SophonAsset) error {
		return downloadChunks(ctx, o.dl, a, a.DiffChunks, o.workers, o.sink)
	})
	if err != nil {
		return err
	}

	status.Finished = true
	if err := WritePredownloadStatus(o.req.PredownloadStatusPath, status); err != nil {
		return err
	}
	o.log.WithField("blocks", totalBlocks).Info("predownload complete")
	return nil
}

// installAsset downloads all of an asset's chunks, then assembles it.
// Used for installs, additions and repair passes alike.
func (o *operation) installAsset(ctx context.Context, a *manifest.SophonAsset) error {
	if a.IsDirectory() {
		return o.asm.mergeAsset(ctx, a, progress.Discard{})
	}
	if err := downloadChunks(ctx, o.dl, a, a.Chunks, o.workers, progress.Discard{}); err != nil {
		return err
	}
	return o.asm.mergeAsset(ctx, a, o.sink)
}

// updateAsset applies a modified asset: only its diff chunks are
// fetched, unchanged ranges come from the old file.
func (o *operation) updateAsset(ctx context.Context, a *manifest.SophonAsset) error {
	if a.IsDirectory() {
		return o.asm.mergeAsset(ctx, a, progress.Discard{})
	}
	if err := downloadChunks(ctx, o.dl, a, a.DiffChunks, o.workers, progress.Discard{}); err != nil {
		return err
	}
	return o.asm.mergeDiffAsset(ctx, a.Old, a, o.sink)
}

func (o *operation) deleteAssets(ctx context.Context, deleted []*manifest.SophonAsset) error {
	for _, a := range deleted {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := o.asm.assetPath(a.Name)
		var err error
		if a.IsDirectory() {
			err = os.RemoveAll(path)
		} else if err = os.Remove(path); os.IsNotExist(err) {
			err = nil
		}
		if err != nil {
			return errors.Wrapf(err, "delete %s", a.Name)
		}
		o.log.WithField("asset", a.Name).Debug("asset deleted")
	}
	return nil
}

// verifyAndRepair loops verify → repair until the conflict set drains
// or the pass budget runs out.
func (o *operation) verifyAndRepair(ctx context.Context, assets []*manifest.SophonAsset, verifySink progress.Sink) error {
	for pass := 1; pass <= maxVerifyPasses; pass++ {
		o.sink.Status("verifying")
		conflicts := &conflictSet{}
		err := o.forEachAsset(ctx, assets, func(ctx context.Context, a *manifest.SophonAsset) error {
			return o.asm.verifyAsset(ctx, a, conflicts, verifySink)
		})
		if err != nil {
			return err
		}
		if conflicts.size() == 0 {
			return nil
		}
		if pass == maxVerifyPasses {
			return errors.Errorf("%d assets still failing verification after repair", conflicts.size())
		}
		o.sink.Status(fmt.Sprintf("repairing %d assets", conflicts.size()))
		if err := o.forEachAsset(ctx, conflicts.list(), o.installAsset); err != nil {
			return err
		}
	}
	return nil
}

// forEachAsset fans fn out over assets on a bounded pool. The group
// context aborts remaining work on the first hard failure.
func (o *operation) forEachAsset(ctx context.Context, assets []*manifest.SophonAsset, fn func(context.Context, *manifest.SophonAsset) error) error {
	if len(assets) == 0 {
		return ctx.Err()
	}
	pool := pond.New(o.workers, len(assets)+1)
	defer pool.StopAndWait()

	group, gctx := pool.GroupContext(ctx)
	for _, a := range assets {
		a := a
		group.Submit(func() error {
			return fn(gctx, a)
		})
	}
	return group.Wait()
}

// decodeBuild decodes a branch's build into memory. Unreachable or
// tampered manifests are precondition failures surfaced through the
// sink; anything else is fatal.
func (o *operation) decodeBuild(ctx context.Context, build *manifest.BuildData) (*manifest.DecodedBuild, error) {
	if build == nil {
		return nil, errors.New("missing build descriptor")
	}
	decoded, err := o.dec.DecodeBuild(ctx, build, o.req.AudioLanguages)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, manifest.ErrManifestChecksum) || errors.Is(err, manifest.ErrManifestUnavailable) {
			o.log.WithError(err).Error("manifest precondition failed")
			o.sink.Status("manifest fetch failed")
			return nil, errStop
		}
		return nil, err
	}
	return decoded, nil
}

// admit compares the operation's byte requirement to the target
// volume's free space snapshot.
func (o *operation) admit(needBytes int64, targetDir string) error {
	free, err := freeSpace(targetDir)
	if err != nil {
		o.log.WithError(err).Warn("free space query failed, skipping admission")
		return nil
	}
	if free < needBytes {
		o.sink.Status(fmt.Sprintf("insufficient disk space, need %s, free %s",
			humanize.IBytes(uint64(needBytes)), humanize.IBytes(uint64(free))))
		return errStop
	}
	return nil
}
