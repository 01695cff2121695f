package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/handiism/background-downloader/internal/http"
	ioutils "github.com/handiism/background-downloader/internal/io"
	"github.com/handiism/background-downloader/internal/platform"
)

var _ platform.Task = (*Task)(nil)

// Task is one HTTP transfer. It writes into a partial file under the
// session directory and moves it to tmp/ once complete.
type Task struct {
	s       *Session
	id      int
	url     string
	partial string
	created time.Time

	mu      sync.Mutex
	state   platform.TaskState
	written int64
	total   int64
	etag    string
	gen     int
	stop    context.CancelFunc
	running chan struct{}
	// finished is set by the single terminal callback.
	finished bool
}

func (s *Session) newTask(id int, url string, created time.Time) *Task {
	return &Task{
		s:       s,
		id:      id,
		url:     url,
		partial: filepath.Join(partialDir(s.opts.Dir), strconv.Itoa(id)+".part"),
		created: created,
		state:   platform.StateSuspended,
		total:   -1,
	}
}

// ID implements platform.Task.
func (t *Task) ID() int { return t.id }

// URL implements platform.Task.
func (t *Task) URL() string { return t.url }

// State implements platform.Task.
func (t *Task) State() platform.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Written returns the bytes on disk so far.
func (t *Task) Written() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

// Created returns when the task was first created.
func (t *Task) Created() time.Time { return t.created }

// Resume implements platform.Task. A suspended task restarts its transfer
// from the bytes already on disk.
func (t *Task) Resume() {
	if t.s.isClosed() {
		return
	}
	t.mu.Lock()
	if t.state != platform.StateSuspended {
		t.mu.Unlock()
		return
	}

	t.state = platform.StateRunning
	t.gen++
	gen := t.gen
	prev := t.running
	done := make(chan struct{})
	t.running = done
	ctx, stop := context.WithCancel(t.s.ctx)
	t.stop = stop
	t.mu.Unlock()

	t.s.persist(t)
	t.s.goTransfer(func() {
		defer close(done)
		defer stop()
		// The previous transfer may still be flushing the partial file.
		if prev != nil {
			<-prev
		}
		t.transfer(ctx, gen)
	})
}

// Suspend implements platform.Task. The partial file is kept.
func (t *Task) Suspend() {
	t.mu.Lock()
	if t.state != platform.StateRunning {
		t.mu.Unlock()
		return
	}
	t.state = platform.StateSuspended
	t.gen++
	if t.stop != nil {
		t.stop()
	}
	t.mu.Unlock()

	t.s.persist(t)
}

// Cancel implements platform.Task. The completion callback reports
// CodeCancelled with resume data when bytes were received. It is delivered
// once, by whichever goroutine stops last touching the task.
func (t *Task) Cancel() {
	t.mu.Lock()
	switch t.state {
	case platform.StateRunning:
		// The transfer goroutine delivers the callback once it stops.
		t.state = platform.StateCanceling
		t.stop()
		t.mu.Unlock()
	case platform.StateSuspended:
		t.state = platform.StateCanceling
		t.gen++
		prev := t.running
		t.mu.Unlock()
		t.s.goTransfer(func() {
			// A transfer still unwinding sees StateCanceling and reports
			// first; finishCancelled is then a no-op.
			if prev != nil {
				<-prev
			}
			t.finishCancelled()
		})
	default:
		t.mu.Unlock()
	}
}

func (t *Task) transfer(ctx context.Context, gen int) {
	t.mu.Lock()
	offset := ioutils.FileSize(t.partial)
	if offset < t.written {
		// The partial file was truncated behind our back.
		t.written = offset
	}
	etag := t.etag
	t.mu.Unlock()

	last := offset
	res, err := t.s.client.DownloadFile(ctx, t.url, t.partial, offset, etag, func(written, total int64) {
		t.mu.Lock()
		t.written, t.total = written, total
		t.mu.Unlock()
		if d := t.s.getDelegate(); d != nil {
			d.OnTaskWroteData(t, written-last, written, total)
		}
		last = written
	})

	t.mu.Lock()
	if res != nil {
		t.written = res.Written
		t.total = res.Total
		if res.ETag != "" {
			t.etag = res.ETag
		}
	}
	if errors.Is(err, http.ErrRangeNotSupported) {
		// The partial file is unusable against this server.
		t.written = 0
		t.etag = ""
		os.Remove(t.partial)
	}
	state, current := t.state, t.gen == gen
	t.mu.Unlock()

	switch {
	case state == platform.StateCanceling:
		t.finishCancelled()
	case !current || state != platform.StateRunning:
		// Suspended; the next Resume continues from the partial file.
	case err == nil:
		t.finishSucceeded()
	default:
		t.finishFailed(err)
	}
}

func (t *Task) finishSucceeded() {
	if !t.complete() {
		return
	}
	dest := filepath.Join(tmpDir(t.s.opts.Dir), strconv.Itoa(t.id)+".download")
	if err := ioutils.MoveFile(context.Background(), t.partial, dest); err != nil {
		t.notifyError(&platform.TaskError{Code: platform.CodeFileMissing, Description: "move finished download", Err: err})
		return
	}

	if d := t.s.getDelegate(); d != nil {
		d.OnTaskFinishedDownloading(t, nil, dest)
		d.OnTaskCompletedWithError(t, nil)
	}
}

func (t *Task) finishFailed(err error) {
	if !t.complete() {
		return
	}
	var te *platform.TaskError
	if !errors.As(err, &te) {
		te = &platform.TaskError{
			Code:            classify(err),
			ResumeData:      t.resumeData(),
			CancelledReason: platform.CancelReasonNone,
			Err:             err,
		}
	}
	t.notifyError(te)
}

func (t *Task) finishCancelled() {
	if !t.complete() {
		return
	}
	t.notifyError(&platform.TaskError{
		Code:            platform.CodeCancelled,
		Description:     "cancelled",
		ResumeData:      t.resumeData(),
		CancelledReason: platform.CancelReasonNone,
	})
}

func (t *Task) notifyError(te *platform.TaskError) {
	if d := t.s.getDelegate(); d != nil {
		d.OnTaskCompletedWithError(t, te)
	}
}

// complete moves the task to StateCompleted. Only the first caller gets
// true and may deliver the terminal callback.
func (t *Task) complete() bool {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return false
	}
	t.finished = true
	t.state = platform.StateCompleted
	t.mu.Unlock()
	t.s.persist(t)
	return true
}

// resumeData returns the blob for continuing this transfer, or nil when
// nothing was received yet.
func (t *Task) resumeData() []byte {
	t.mu.Lock()
	rd := resumeData{URL: t.url, Partial: t.partial, Offset: t.written, ETag: t.etag}
	t.mu.Unlock()

	if rd.Offset <= 0 || !ioutils.FileExists(rd.Partial) {
		return nil
	}
	data, err := json.Marshal(rd)
	if err != nil {
		return nil
	}
	return data
}

func (t *Task) record() record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return record{
		ID:        t.id,
		URL:       t.url,
		State:     t.state,
		Offset:    t.written,
		ETag:      t.etag,
		CreatedAt: t.created,
		UpdatedAt: time.Now(),
	}
}

// classify maps a transfer error onto a platform error code.
func classify(err error) platform.ErrorCode {
	switch {
	case http.IsNotConnected(err):
		return platform.CodeNotConnectedToInternet
	case errors.Is(err, context.DeadlineExceeded), http.IsTimeout(err):
		return platform.CodeTimedOut
	case errors.Is(err, http.ErrNotFound),
		errors.Is(err, http.ErrServerError),
		errors.Is(err, http.ErrUnexpectedStatus),
		errors.Is(err, http.ErrRangeNotSupported):
		return platform.CodeBadServerResponse
	}
	return platform.CodeUnknown
}
