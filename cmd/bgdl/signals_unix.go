//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/handiism/background-downloader/internal/download"
)

// watchLifecycleSignals maps SIGUSR1 and SIGUSR2 onto background and
// foreground transitions until ctx is done.
func watchLifecycleSignals(ctx context.Context, mgr *download.Manager) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if sig == syscall.SIGUSR1 {
				mgr.EnterBackground()
			} else {
				mgr.EnterForeground()
			}
		}
	}
}
