// Package platform defines the contract between the download manager and
// the platform download task provider.
//
// The provider owns the actual network transfers. Its tasks are identified by
// URL, may outlive the process, and are re-discovered after a relaunch through
// Session.AllTasks. The manager never performs transfers itself; it only
// creates, suspends, resumes and cancels tasks, and reacts to the callbacks a
// Session delivers to its Delegate.
//
// # Tasks
//
// A Task moves through the states Suspended, Running, Canceling and Completed.
// Tasks created by DownloadTaskWithURL or DownloadTaskWithResumeData start
// Suspended and do not transfer anything until Resume is called.
//
// # Callbacks
//
// Delegate methods are invoked on goroutines owned by the provider, never on
// the caller's goroutine, and may run in parallel with each other:
//
//	OnTaskWroteData            progress for a running task
//	OnTaskFinishedDownloading  the payload landed in a temporary file
//	OnTaskCompletedWithError   the task ended; err is nil on success
//	OnSessionFinishedAllEvents the provider drained its background events
//
// # Errors
//
// Failures are reported as *TaskError. Its Code classifies the failure and
// ResumeData, when non-empty, can be handed to DownloadTaskWithResumeData to
// continue the transfer without starting from zero.
package platform
