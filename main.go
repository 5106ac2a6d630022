package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/yixuan-Q/sophon/internal/engine"
	"github.com/yixuan-Q/sophon/internal/manifest"
	"github.com/yixuan-Q/sophon/internal/progress"
)

type CommonOpts struct {
	GameDir     string   `arg:"--game-dir,required" help:"game install directory"`
	ChunksDir   string   `arg:"--chunks-dir" help:"scratch directory for downloaded chunks (default: <game-dir>/chunk_collapse)"`
	Workers     int      `arg:"--workers" help:"parallel workers (default: number of CPUs)"`
	Limit       int64    `arg:"--limit" help:"download speed limit in bytes per second (0 = unlimited)"`
	Audio       []string `arg:"--audio,separate" help:"audio language to include (zh-cn, en-us, ja-jp, ko-kr); repeatable"`
	Connections int      `arg:"--max-connections" help:"max HTTP connections per host" default:"128"`
	Verbose     bool     `arg:"-v,--verbose" help:"enable debug logging"`
}

type InstallCmd struct {
	CommonOpts
	BranchURL string `arg:"positional,required" help:"build branch URL"`
}

type VerifyCmd struct {
	CommonOpts
	BranchURL string `arg:"positional,required" help:"build branch URL of the installed build"`
}

type UpdateCmd struct {
	CommonOpts
	LocalBranchURL  string `arg:"positional,required" help:"branch URL of the installed build"`
	RemoteBranchURL string `arg:"positional,required" help:"branch URL of the target build"`
}

type PredownloadCmd struct {
	CommonOpts
	LocalBranchURL  string `arg:"positional,required" help:"branch URL of the installed build"`
	RemoteBranchURL string `arg:"positional,required" help:"branch URL of the upcoming build"`
	StatusPath      string `arg:"--status-path" help:"predownload status file (default: <chunks-dir>/predownload.json)"`
}

type cliArgs struct {
	Install     *InstallCmd     `arg:"subcommand:install" help:"install a build from scratch"`
	Verify      *VerifyCmd      `arg:"subcommand:verify" help:"verify the installed build and repair damage"`
	Update      *UpdateCmd      `arg:"subcommand:update" help:"update the installed build to a new version"`
	Predownload *PredownloadCmd `arg:"subcommand:predownload" help:"stage an upcoming build's chunks without installing"`
}

func (cliArgs) Description() string {
	return "sophon reconciles a chunked game distribution with its remote build manifests"
}

func main() {
	var args cliArgs
	parser := arg.MustParse(&args)

	var code int
	switch {
	case args.Install != nil:
		code = run(engine.OpInstall, &args.Install.CommonOpts, "", args.Install.BranchURL, "")
	case args.Verify != nil:
		code = run(engine.OpVerify, &args.Verify.CommonOpts, args.Verify.BranchURL, "", "")
	case args.Update != nil:
		code = run(engine.OpUpdate, &args.Update.CommonOpts, args.Update.LocalBranchURL, args.Update.RemoteBranchURL, "")
	case args.Predownload != nil:
		code = run(engine.OpPredownload, &args.Predownload.CommonOpts,
			args.Predownload.LocalBranchURL, args.Predownload.RemoteBranchURL, args.Predownload.StatusPath)
	default:
		parser.WriteHelp(os.Stderr)
		code = 1
	}
	os.Exit(code)
}

func run(kind engine.Operation, opts *CommonOpts, localURL, remoteURL, statusPath string) int {
	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	chunksDir := opts.ChunksDir
	if chunksDir == "" {
		chunksDir = filepath.Join(opts.GameDir, "chunk_collapse")
	}
	if statusPath == "" {
		statusPath = filepath.Join(chunksDir, "predownload.json")
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: opts.Connections,
			MaxConnsPerHost:     opts.Connections,
		},
	}

	req := &engine.Request{
		Kind:                  kind,
		GameDir:               opts.GameDir,
		ChunksDir:             chunksDir,
		PredownloadStatusPath: statusPath,
		AudioLanguages:        audioSelection(opts.Audio),
		Workers:               opts.Workers,
		DownloadLimit:         opts.Limit,
	}

	ctx := context.Background()
	if localURL != "" {
		build, err := manifest.FetchBranch(ctx, client, localURL)
		if err != nil {
			log.WithError(err).Error("fetch local branch")
			return 1
		}
		req.LocalBuild = build
	}
	if remoteURL != "" {
		build, err := manifest.FetchBranch(ctx, client, remoteURL)
		if err != nil {
			log.WithError(err).Error("fetch remote branch")
			return 1
		}
		req.RemoteBuild = build
	}

	sink := progress.NewAggregator(nil)
	defer sink.Close()

	eng := engine.New(client, sink)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ncancelling...")
		eng.Cancel()
	}()

	stopTicker := make(chan struct{})
	go printProgress(sink, stopTicker)

	ok, err := eng.Start(req)
	close(stopTicker)
	fmt.Fprintln(os.Stderr)

	switch {
	case err != nil:
		log.WithError(err).Errorf("%s failed", kind)
		return 1
	case !ok:
		log.Infof("%s cancelled", kind)
		return 130
	default:
		log.Infof("%s finished", kind)
		return 0
	}
}

func audioSelection(tags []string) map[string]bool {
	sel := make(map[string]bool, len(tags))
	for _, t := range tags {
		sel[t] = true
	}
	return sel
}

func printProgress(sink *progress.Aggregator, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := sink.Snapshot()
			fmt.Fprintf(os.Stderr, "\r%s | %s done, %d blocks    ",
				snap.LastStatus, humanize.IBytes(uint64(snap.Bytes)), snap.Finished)
		case <-stop:
			return
		}
	}
}
