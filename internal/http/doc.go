// Package http provides the HTTP client behind the download session.
//
// The Client in this package handles:
//   - User-Agent headers
//   - Resumable file downloads (Range, If-Range) with progress tracking
//   - Status code mapping onto sentinel errors
//   - Telling "no network" apart from "bad server"
//
// # Basic Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	// Start a download, or continue one from byte 4096
//	res, err := client.DownloadFile(ctx, url, partPath, 4096, etag, func(written, total int64) {
//	    fmt.Printf("%d/%d\n", written, total)
//	})
//	if http.IsNotConnected(err) {
//	    // retry the same URL later
//	}
//
// # Progress Tracking
//
// The ProgressWriter type can be used to wrap any io.Writer for progress tracking:
//
//	pw := &http.ProgressWriter{
//	    Writer:   file,
//	    Total:    contentLength,
//	    OnUpdate: func(written, total int64) { /* update UI */ },
//	}
package http
