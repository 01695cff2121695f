package model

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/handiism/background-downloader/internal/platform"
)

// Request is one caller-level download intent spanning an ordered list of
// mirror URLs and, over its lifetime, possibly several provider tasks.
//
// Flags are read and written from both the tick goroutine and provider
// callback goroutines, so every one of them is atomic.
type Request struct {
	debugID    string
	urls       []string
	retryLimit int

	retryCount           atomic.Int32
	resumeDataRetryCount atomic.Int32

	mu           sync.Mutex
	task         platform.Task
	tempFilePath string

	isCompleted        atomic.Bool
	isFailed           atomic.Bool
	isPendingCancel    atomic.Bool
	hasAlreadyFinished atomic.Bool
	wasStartedInBG     atomic.Bool
	holdsSlot          atomic.Bool

	downloadProgress atomic.Int64
	expectedBytes    atomic.Int64
	lineageTaskID    atomic.Int64
	lineageProgress  atomic.Int64
	lastSentProgress int64 // tick goroutine only

	timeoutTimer atomic.Int64 // nanoseconds without server data
	stallTimer   atomic.Int64 // nanoseconds spent pending cancel

	onComplete func(*Response)
	onProgress func(r *Request, totalWritten, sinceLastUpdate int64)

	completeOnce sync.Once
	response     atomic.Pointer[Response]
	done         chan struct{}
}

// Option configures a Request.
type Option func(*Request)

// WithDebugID overrides the generated debug ID.
func WithDebugID(id string) Option {
	return func(r *Request) { r.debugID = id }
}

// WithRetryLimit sets how many URL rotations are allowed. Zero means one
// attempt per mirror, a negative limit cycles through the mirrors forever.
func WithRetryLimit(n int) Option {
	return func(r *Request) {
		if n == 0 {
			n = len(r.urls) - 1
		}
		r.retryLimit = n
	}
}

// WithCompletion installs the completion delegate.
func WithCompletion(fn func(*Response)) Option {
	return func(r *Request) { r.onComplete = fn }
}

// WithProgress installs a listener for progress pushes from the tick.
func WithProgress(fn func(r *Request, totalWritten, sinceLastUpdate int64)) Option {
	return func(r *Request) { r.onProgress = fn }
}

// NewRequest creates a Request over the given mirror list.
func NewRequest(urls []string, opts ...Option) *Request {
	r := &Request{
		debugID:    uuid.NewString(),
		urls:       append([]string(nil), urls...),
		retryLimit: len(urls) - 1,
		done:       make(chan struct{}),
	}
	r.lineageTaskID.Store(-1)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DebugID returns the request's stable, never reused identifier.
func (r *Request) DebugID() string { return r.debugID }

// URLs returns a copy of the mirror list.
func (r *Request) URLs() []string {
	return append([]string(nil), r.urls...)
}

// RetryCount returns how many URL rotations have been consumed.
func (r *Request) RetryCount() int { return int(r.retryCount.Load()) }

// ResumeDataRetryCount returns how many resume attempts the current lineage used.
func (r *Request) ResumeDataRetryCount() int { return int(r.resumeDataRetryCount.Load()) }

// IncrementResumeDataRetryCount bumps the resume counter and returns the new value.
func (r *Request) IncrementResumeDataRetryCount() int {
	return int(r.resumeDataRetryCount.Add(1))
}

// ResetResumeDataRetryCount starts a new resume lineage.
func (r *Request) ResetResumeDataRetryCount() { r.resumeDataRetryCount.Store(0) }

// CurrentURL returns the mirror selected by the retry cursor.
func (r *Request) CurrentURL() string {
	if len(r.urls) == 0 {
		return ""
	}
	return r.urls[int(r.retryCount.Load())%len(r.urls)]
}

// URLForRetry returns the URL for the next attempt, optionally consuming a
// retry. It returns "" once the retry limit is exhausted.
func (r *Request) URLForRetry(increaseRetryCount bool) string {
	if len(r.urls) == 0 {
		return ""
	}
	count := int(r.retryCount.Load())
	if increaseRetryCount {
		count = int(r.retryCount.Add(1))
	}
	if r.retryLimit >= 0 && count > r.retryLimit {
		return ""
	}
	return r.urls[count%len(r.urls)]
}

// AssociateWithTask makes r the exclusive owner of task. A previous task that
// is still transferring is cancelled.
func (r *Request) AssociateWithTask(task platform.Task) bool {
	if task == nil {
		return false
	}

	r.mu.Lock()
	old := r.task
	r.task = task
	r.mu.Unlock()

	if old != nil && old != task {
		switch old.State() {
		case platform.StateRunning, platform.StateSuspended:
			old.Cancel()
		}
	}

	r.isPendingCancel.Store(false)
	r.timeoutTimer.Store(0)
	r.stallTimer.Store(0)
	return true
}

// Task returns the currently owned task, or nil.
func (r *Request) Task() platform.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task
}

// OwnsTask reports whether task is the request's current task.
func (r *Request) OwnsTask(task platform.Task) bool {
	cur := r.Task()
	return cur != nil && task != nil && cur.ID() == task.ID()
}

// ActivateUnderlyingTask lets the owned task transfer data.
func (r *Request) ActivateUnderlyingTask() {
	if t := r.Task(); t != nil {
		r.timeoutTimer.Store(0)
		t.Resume()
	}
}

// PauseUnderlyingTask suspends the owned task.
func (r *Request) PauseUnderlyingTask() {
	if t := r.Task(); t != nil {
		t.Suspend()
	}
}

// IsUnderlyingTaskActive reports whether the request owns a live task,
// running or suspended.
func (r *Request) IsUnderlyingTaskActive() bool {
	t := r.Task()
	if t == nil {
		return false
	}
	st := t.State()
	return st == platform.StateRunning || st == platform.StateSuspended
}

// IsUnderlyingTaskPaused reports whether the owned task is suspended.
func (r *Request) IsUnderlyingTaskPaused() bool {
	t := r.Task()
	return t != nil && t.State() == platform.StateSuspended
}

// CancelActiveTask cancels the owned task once. Later calls are no-ops until
// a new task is associated.
func (r *Request) CancelActiveTask() {
	t := r.Task()
	if t == nil {
		return
	}
	if r.isPendingCancel.CompareAndSwap(false, true) {
		r.stallTimer.Store(0)
		t.Cancel()
	}
}

// SetRequestAsSuccess records the temporary file and marks the task complete.
func (r *Request) SetRequestAsSuccess(tempFilePath string) {
	r.mu.Lock()
	r.tempFilePath = tempFilePath
	r.mu.Unlock()
	r.isCompleted.Store(true)
}

// SetRequestAsFailed marks the request as terminally failed.
func (r *Request) SetRequestAsFailed() {
	r.isFailed.Store(true)
	r.isCompleted.Store(true)
}

// TempFilePath returns the path recorded by SetRequestAsSuccess.
func (r *Request) TempFilePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tempFilePath
}

// IsTaskComplete reports whether the request reached success or failure.
func (r *Request) IsTaskComplete() bool { return r.isCompleted.Load() }

// IsFailed reports whether the request ran out of retries.
func (r *Request) IsFailed() bool { return r.isFailed.Load() }

// IsPendingCancel reports whether a cancel was issued for the owned task.
func (r *Request) IsPendingCancel() bool { return r.isPendingCancel.Load() }

// HasAlreadyFinished reports whether finalization has begun.
func (r *Request) HasAlreadyFinished() bool { return r.hasAlreadyFinished.Load() }

// BeginFinish atomically claims finalization. Only the first caller gets true.
func (r *Request) BeginFinish() bool {
	return !r.hasAlreadyFinished.Swap(true)
}

// ResetCompletion clears the completion flags so the request can be retried.
func (r *Request) ResetCompletion() {
	r.isCompleted.Store(false)
	r.hasAlreadyFinished.Store(false)
}

// WasStartedInBackground reports whether the owned task was created while
// the application was backgrounded.
func (r *Request) WasStartedInBackground() bool { return r.wasStartedInBG.Load() }

// SetStartedInBackground stores the started-in-background flag.
func (r *Request) SetStartedInBackground(v bool) { r.wasStartedInBG.Store(v) }

// HoldsSlot reports whether the request counts against the active task cap.
func (r *Request) HoldsSlot() bool { return r.holdsSlot.Load() }

// SetHoldsSlot stores the slot flag and returns its previous value.
func (r *Request) SetHoldsSlot(v bool) bool { return r.holdsSlot.Swap(v) }

// UpdateDownloadProgress records totalWritten for the task with the given
// ID. It returns false when the value went backwards for the same task, which
// means the task was duplicated somewhere. The exposed progress never
// decreases.
func (r *Request) UpdateDownloadProgress(taskID int, totalWritten, sinceLast, totalExpected int64) bool {
	ok := true
	if r.lineageTaskID.Swap(int64(taskID)) == int64(taskID) {
		if prev := r.lineageProgress.Load(); totalWritten < prev {
			ok = false
		}
	}
	if ok {
		r.lineageProgress.Store(totalWritten)
	}

	for {
		cur := r.downloadProgress.Load()
		if totalWritten <= cur || r.downloadProgress.CompareAndSwap(cur, totalWritten) {
			break
		}
	}
	if totalExpected > 0 {
		r.expectedBytes.Store(totalExpected)
	}
	r.timeoutTimer.Store(0)
	return ok
}

// DownloadProgress returns the highest byte count reported so far.
func (r *Request) DownloadProgress() int64 { return r.downloadProgress.Load() }

// ExpectedBytes returns the last known total size, or 0.
func (r *Request) ExpectedBytes() int64 { return r.expectedBytes.Load() }

// TickTimeOutTimer advances the no-response timer and reports whether it
// crossed timeout. The timer restarts after firing. A non-positive timeout
// disables it.
func (r *Request) TickTimeOutTimer(delta, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	if time.Duration(r.timeoutTimer.Add(int64(delta))) >= timeout {
		r.timeoutTimer.Store(0)
		return true
	}
	return false
}

// TickStallTimer advances the pending-cancel timer and reports whether it
// crossed timeout.
func (r *Request) TickStallTimer(delta, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	if time.Duration(r.stallTimer.Add(int64(delta))) >= timeout {
		r.stallTimer.Store(0)
		return true
	}
	return false
}

// SendDownloadProgressUpdate pushes progress to the listener if it changed.
// It must only be called from the tick goroutine.
func (r *Request) SendDownloadProgressUpdate() {
	p := r.downloadProgress.Load()
	if p == r.lastSentProgress {
		return
	}
	since := p - r.lastSentProgress
	r.lastSentProgress = p
	if r.onProgress != nil {
		r.onProgress(r, p, since)
	}
}

// Complete delivers resp to the completion delegate. Only the first call has
// any effect.
func (r *Request) Complete(resp *Response) {
	r.completeOnce.Do(func() {
		r.response.Store(resp)
		close(r.done)
		if r.onComplete != nil {
			r.onComplete(resp)
		}
	})
}

// Response returns the terminal response, or nil while in flight.
func (r *Request) Response() *Response { return r.response.Load() }

// Done is closed once the request has a terminal response.
func (r *Request) Done() <-chan struct{} { return r.done }
