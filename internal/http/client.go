package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Common errors.
var (
	ErrNotFound          = errors.New("http: resource not found")
	ErrServerError       = errors.New("http: server error")
	ErrRangeNotSupported = errors.New("http: server does not support range requests")
	ErrUnexpectedStatus  = errors.New("http: unexpected status code")
)

// Options configures the HTTP client.
type Options struct {
	// UserAgent is sent with every request.
	// Default: "BackgroundDownloader"
	UserAgent string

	// Timeout bounds a whole request including the body. Zero disables it,
	// which is what long transfers want.
	// Default: 0
	Timeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers.
	// Default: 30s
	ResponseHeaderTimeout time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		UserAgent:             "BackgroundDownloader",
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// Client wraps HTTP operations used by the download session.
//
// Client provides:
//   - Configured User-Agent header
//   - Resumable downloads with Range and If-Range
//   - Progress tracking through ProgressWriter
//   - Status and network error classification
//
// Example usage:
//
//	client := NewClient(DefaultOptions())
//
//	// Continue a partial file from where it stopped
//	res, err := client.DownloadFile(ctx, url, "/tmp/1.part", 4096, etag, func(written, total int64) {
//	    fmt.Printf("%d / %d\n", written, total)
//	})
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a new HTTP client with the given options.
//
// Compression is disabled on the transport so byte offsets in Range
// requests match the bytes written to disk.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultOptions().UserAgent
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		userAgent: ua,
	}
}

// ProgressWriter wraps a writer to track download progress.
//
// Use this to monitor large downloads by providing an OnUpdate callback
// that receives the current bytes written and total expected bytes.
//
// Example:
//
//	pw := &ProgressWriter{
//	    Writer: file,
//	    Total:  contentLength,
//	    OnUpdate: func(written, total int64) {
//	        fmt.Printf("%d / %d bytes\n", written, total)
//	    },
//	}
//	io.Copy(pw, response.Body)
type ProgressWriter struct {
	// Writer is the underlying writer to write data to.
	Writer io.Writer

	// Total is the expected total bytes, or -1 when unknown.
	Total int64

	// Written is the current number of bytes written. Set it to the resume
	// offset before copying to report totals for the whole file.
	Written int64

	// OnUpdate is called after each Write with current progress.
	// Parameters are (bytesWritten, totalExpected).
	OnUpdate func(written, total int64)
}

// Write implements io.Writer, tracking progress and calling OnUpdate.
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	pw.Written += int64(n)
	if pw.OnUpdate != nil {
		pw.OnUpdate(pw.Written, pw.Total)
	}
	return n, err
}

// Result describes a finished DownloadFile call.
type Result struct {
	// Written is the size of the file on disk, including resumed bytes.
	Written int64

	// Total is the full size of the resource, or -1 when the server did
	// not say.
	Total int64

	// ETag identifies the representation that was downloaded.
	ETag string

	// Resumed reports whether the server honoured the resume offset.
	Resumed bool
}

// DownloadFile streams url into destPath starting at offset.
//
// With offset > 0 the request carries a Range header, plus If-Range when
// etag is known. A 206 response is appended to the existing file. A 200
// response means the server sent the whole resource, so the file is
// truncated and the download starts over.
//
// The file is synced and closed before DownloadFile returns. On error the
// partial file is left in place so a later call can resume it; the Result
// still reports how many bytes are on disk.
//
// Returns an error if:
//   - The request fails (see IsNotConnected for network classification)
//   - The server answers 404 (ErrNotFound), 5xx (ErrServerError), 416
//     (ErrRangeNotSupported) or any other unexpected status
//
// A 416 whose Content-Range reports a complete length equal to offset is
// not an error: the file was already fully downloaded.
//   - Writing to disk fails
//   - ctx is cancelled mid-transfer
func (c *Client) DownloadFile(ctx context.Context, url, destPath string, offset int64, etag string, onProgress func(written, total int64)) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if etag != "" {
			req.Header.Set("If-Range", `"`+etag+`"`)
		}
	}

	result := &Result{Written: offset, Total: -1}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// "bytes */N" with N == offset means the file on disk is already
		// complete.
		if total := totalFromContentRange(resp.Header.Get("Content-Range")); offset > 0 && total == offset {
			result.Total = total
			result.Resumed = true
			result.ETag = cleanETag(resp.Header.Get("ETag"))
			return result, nil
		}
		return result, ErrRangeNotSupported
	}
	if err := checkStatusCode(resp.StatusCode); err != nil {
		return result, err
	}

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
		result.Resumed = offset > 0
		result.Total = totalFromContentRange(resp.Header.Get("Content-Range"))
		if result.Total < 0 && resp.ContentLength >= 0 {
			result.Total = offset + resp.ContentLength
		}
	default:
		flags |= os.O_TRUNC
		result.Written = 0
		result.Total = resp.ContentLength
	}
	result.ETag = cleanETag(resp.Header.Get("ETag"))

	file, err := os.OpenFile(destPath, flags, 0644)
	if err != nil {
		return result, fmt.Errorf("open %s: %w", destPath, err)
	}

	pw := &ProgressWriter{
		Writer:   file,
		Total:    result.Total,
		Written:  result.Written,
		OnUpdate: onProgress,
	}
	_, copyErr := io.Copy(pw, resp.Body)
	result.Written = pw.Written

	if err := file.Sync(); err != nil && copyErr == nil {
		copyErr = err
	}
	if err := file.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return result, copyErr
	}
	if result.Total >= 0 && result.Written != result.Total {
		return result, fmt.Errorf("%w: short body, got %d of %d bytes", io.ErrUnexpectedEOF, result.Written, result.Total)
	}
	return result, nil
}

// IsNotConnected reports whether err means the network is unreachable, as
// opposed to the server misbehaving. Failures to resolve or dial fall in
// this class.
func IsNotConnected(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	return errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETDOWN)
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}

func checkStatusCode(code int) error {
	switch {
	case code == http.StatusOK || code == http.StatusPartialContent:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: %d", ErrNotFound, code)
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServerError, code)
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, code)
	}
}

// totalFromContentRange parses the complete length from a Content-Range
// header such as "bytes 100-199/200". It returns -1 when unknown.
func totalFromContentRange(header string) int64 {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
