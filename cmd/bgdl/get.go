package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/handiism/background-downloader/internal/download"
	ioutils "github.com/handiism/background-downloader/internal/io"
	"github.com/handiism/background-downloader/internal/model"
	"github.com/handiism/background-downloader/internal/session"
)

var getCmd = &cobra.Command{
	Use:   "get <url>[,<mirror>...]...",
	Short: "Download one file per argument",
	Long: "Each argument is one download. Separate mirrors of the same file with commas; " +
		"they are tried in order when a URL keeps failing.\n\n" +
		"On Unix, SIGUSR1 hands transfers to the session scheduler as if the app went to the " +
		"background and SIGUSR2 takes control back. Interrupting keeps unfinished downloads for the next run.",
	Args: cobra.MinimumNArgs(1),
	RunE: runGet,
}

// outcome is the terminal state of one command-line download.
type outcome struct {
	label string
	dest  string
	resp  *model.Response
	err   error
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := settings.ToSessionOptions()
	opts.OnError = func(err error) { log.WithError(err).Warn("session persistence") }
	s, err := session.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	mgr := download.NewManager(s, settings.ToManagerConfig(), eventSink(log))
	if err := mgr.Initialize(ctx); err != nil {
		s.Close()
		return err
	}
	if n := mgr.Stats().UnassociatedTasks; n > 0 {
		log.Infof("Found %d unfinished task(s) from a previous run", n)
	}

	if err := ioutils.EnsureDir(settings.DownloadsPath); err != nil {
		mgr.Shutdown()
		return err
	}

	outcomes := make(chan outcome, len(args))
	pending := 0
	for _, arg := range args {
		urls := splitMirrors(arg)
		if len(urls) == 0 {
			continue
		}
		label := ioutils.FileNameFromURL(urls[0], "download")
		dest := filepath.Join(settings.DownloadsPath, label)

		opts := append(settings.RequestOptions(),
			model.WithCompletion(func(resp *model.Response) {
				outcomes <- outcome{label: label, dest: dest, resp: resp}
			}),
			model.WithProgress(func(r *model.Request, total, _ int64) {
				log.WithField("request", r.DebugID()).Debugf("%s: %s", label, humanize.Bytes(uint64(total)))
			}),
		)
		req := model.NewRequest(urls, opts...)

		pending++
		if err := mgr.AddRequest(req); err != nil && !errors.Is(err, download.ErrURLConflict) {
			// Only URL conflicts complete the request themselves.
			outcomes <- outcome{label: label, err: err}
		}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := mgr.Run(gctx, settings.Tick())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		watchLifecycleSignals(gctx, mgr)
		return nil
	})

	var succeeded, failed int
	g.Go(func() error {
		defer cancelRun()
		for pending > 0 {
			select {
			case o := <-outcomes:
				pending--
				if collect(gctx, o) {
					succeeded++
				} else {
					failed++
				}
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	runErr := g.Wait()
	if err := mgr.Shutdown(); err != nil {
		log.WithError(err).Warn("Shutdown")
	}
	if runErr != nil {
		return runErr
	}

	if ctx.Err() != nil {
		log.Infof("Interrupted with %d download(s) unfinished; they resume on the next run", pending)
	}
	log.Infof("Finished: %d succeeded, %d failed", succeeded, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, succeeded+failed+pending)
	}
	return nil
}

// collect moves a finished download into place and reports whether it
// succeeded.
func collect(ctx context.Context, o outcome) bool {
	switch {
	case o.err != nil:
		log.WithError(o.err).Errorf("%s: not started", o.label)
		return false
	case !o.resp.Succeeded():
		log.Errorf("%s: failed on every mirror", o.label)
		return false
	}

	if err := ioutils.MoveFile(ctx, o.resp.TempFilePath, o.dest); err != nil {
		log.WithError(err).Errorf("%s: could not move into place", o.label)
		return false
	}
	log.WithField("size", humanize.Bytes(uint64(ioutils.FileSize(o.dest)))).Infof("%s: saved to %s", o.label, o.dest)
	return true
}

func splitMirrors(arg string) []string {
	var urls []string
	for _, u := range strings.Split(arg, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
