package platform

import (
	"errors"
	"fmt"
)

// TaskState is the lifecycle state of a provider task.
type TaskState int

const (
	StateRunning TaskState = iota
	StateSuspended
	StateCanceling
	StateCompleted
)

func (s TaskState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCanceling:
		return "canceling"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Task is a single provider-owned transfer tied to one URL.
type Task interface {
	// ID is unique within the owning Session.
	ID() int
	URL() string
	State() TaskState
	Suspend()
	Resume()
	// Cancel is asynchronous. The terminal OnTaskCompletedWithError callback
	// arrives later.
	Cancel()
}

// Delegate receives asynchronous task callbacks from a Session.
type Delegate interface {
	OnTaskFinishedDownloading(task Task, err error, tempFilePath string)
	OnTaskWroteData(task Task, bytesSinceLast, totalWritten, totalExpected int64)
	OnTaskCompletedWithError(task Task, err error)
	OnSessionFinishedAllEvents()
}

// Session is the platform download task provider.
type Session interface {
	// AllTasks enumerates every live task and hands the snapshot to fn on a
	// provider goroutine.
	AllTasks(fn func(tasks []Task))
	DownloadTaskWithURL(url string) (Task, error)
	DownloadTaskWithResumeData(resumeData []byte) (Task, error)
	// SetDelegate replaces the callback receiver. A nil delegate drops
	// callbacks.
	SetDelegate(d Delegate)
	Close() error
}

// ErrorCode classifies a TaskError.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeCancelled
	CodeNotConnectedToInternet
	CodeTimedOut
	CodeBadServerResponse
	CodeFileMissing
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUnknown:
		return "unknown"
	case CodeCancelled:
		return "cancelled"
	case CodeNotConnectedToInternet:
		return "not connected to internet"
	case CodeTimedOut:
		return "timed out"
	case CodeBadServerResponse:
		return "bad server response"
	case CodeFileMissing:
		return "file missing"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// CancelReason says why the provider cancelled a task on its own.
type CancelReason int

const (
	CancelReasonNone CancelReason = iota - 1
	CancelReasonUserForceQuit
	CancelReasonNoBackgroundTime
	CancelReasonInsufficientSystemResources
)

// TaskError is the error type delivered to OnTaskCompletedWithError.
type TaskError struct {
	Code            ErrorCode
	Description     string
	ResumeData      []byte
	CancelledReason CancelReason
	Err             error
}

func (e *TaskError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("task error (%s): %s", e.Code, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("task error (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("task error (%s)", e.Code)
}

func (e *TaskError) Unwrap() error { return e.Err }

// HasResumeData reports whether the error carries a usable resume blob.
func (e *TaskError) HasResumeData() bool {
	return e != nil && len(e.ResumeData) > 0
}

// ResumeDataOf extracts the resume blob from err, if any.
func ResumeDataOf(err error) []byte {
	var te *TaskError
	if errors.As(err, &te) && te.HasResumeData() {
		return te.ResumeData
	}
	return nil
}

// IsNotConnected reports whether err means the device has no connectivity.
func IsNotConnected(err error) bool {
	return CodeOf(err) == CodeNotConnectedToInternet
}

// CodeOf returns the ErrorCode of err, or CodeUnknown for foreign errors.
func CodeOf(err error) ErrorCode {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}
