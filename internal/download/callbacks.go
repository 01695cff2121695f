package download

import (
	ioutils "github.com/handiism/background-downloader/internal/io"
	"github.com/handiism/background-downloader/internal/platform"
)

var _ platform.Delegate = (*Manager)(nil)

// OnTaskFinishedDownloading implements platform.Delegate. A finished task
// without its temp file is handled as an error.
func (m *Manager) OnTaskFinishedDownloading(task platform.Task, err error, tempFilePath string) {
	exists := tempFilePath != "" && ioutils.FileExists(tempFilePath)
	m.logf(LevelVerbose, "", "Finished callback for task %d (%s), file exists: %t, location: %q", task.ID(), task.URL(), exists, tempFilePath)

	if !exists {
		if err == nil {
			err = &platform.TaskError{Code: platform.CodeFileMissing, Description: "finished without temp file"}
		}
		m.OnTaskCompletedWithError(task, err)
		return
	}

	r := m.routes.lookup(task.URL())
	if r == nil || !r.OwnsTask(task) {
		m.logf(LevelVerbose, "", "No request owns finished task %d: %s", task.ID(), task.URL())
		return
	}
	r.SetRequestAsSuccess(tempFilePath)
	m.logf(LevelInfo, r.DebugID(), "Marked task %d complete", task.ID())
}

// OnTaskWroteData implements platform.Delegate.
func (m *Manager) OnTaskWroteData(task platform.Task, bytesSinceLast, totalWritten, totalExpected int64) {
	r := m.routes.lookup(task.URL())
	if r == nil || !r.OwnsTask(task) {
		return
	}
	before := r.DownloadProgress()
	if !r.UpdateDownloadProgress(task.ID(), totalWritten, bytesSinceLast, totalExpected) {
		m.ensure(r.DebugID(), "download progress went down (task %d, %d -> %d), task may have been duplicated", task.ID(), before, totalWritten)
	}
}

// OnTaskCompletedWithError implements platform.Delegate. Successful
// completions (nil err) are ignored here; they arrive through
// OnTaskFinishedDownloading.
func (m *Manager) OnTaskCompletedWithError(task platform.Task, err error) {
	if err == nil {
		return
	}

	increaseRetryCount := true
	reason := ""
	if platform.IsNotConnected(err) {
		// Keep recreating on the same mirror until connectivity returns.
		increaseRetryCount = false
		reason = " (not connected to internet)"
	}
	resumeData := platform.ResumeDataOf(err)

	r := m.routes.lookup(task.URL())
	m.logf(LevelInfo, "", "Task %d (%s) completed with error%s, has resume data: %t, found request: %t: %v",
		task.ID(), task.URL(), reason, len(resumeData) > 0, r != nil, err)

	switch {
	case r == nil:
		// Expected for unassociated tasks.
		m.logf(LevelVerbose, "", "No request for completing task %d: %s", task.ID(), task.URL())
	case !r.OwnsTask(task):
		m.logf(LevelVerbose, r.DebugID(), "Ignoring error from stale task %d", task.ID())
	case r.IsTaskComplete():
		m.logf(LevelVerbose, r.DebugID(), "Ignoring error for already completed request")
	default:
		m.RetryRequest(r, increaseRetryCount, true, resumeData)
	}
}

// OnSessionFinishedAllEvents implements platform.Delegate.
func (m *Manager) OnSessionFinishedAllEvents() {
	m.logf(LevelVerbose, "", "Session done sending background events")
}
