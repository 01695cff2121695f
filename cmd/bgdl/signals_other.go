//go:build !unix

package main

import (
	"context"

	"github.com/handiism/background-downloader/internal/download"
)

func watchLifecycleSignals(ctx context.Context, _ *download.Manager) {
	<-ctx.Done()
}
