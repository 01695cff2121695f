// Package session is an in-process download task provider backed by HTTP.
//
// A Session implements platform.Session. Each Task streams one URL into
// <dir>/partial/<id>.part and, once complete, moves the file to
// <dir>/tmp/<id>.download before reporting it to the delegate.
//
// # Task Lifecycle
//
// New tasks start suspended. Resume starts (or continues) the transfer with
// a Range request from the bytes already on disk; Suspend stops it and
// keeps the partial file. Cancel ends the task with a CodeCancelled
// TaskError whose ResumeData lets DownloadTaskWithResumeData pick the
// transfer up in a new task.
//
// # Persistence
//
// Task records live in a gocloud.dev blob bucket under tasks/<id>.json.
// Open reloads unfinished records as suspended tasks, so a restarted
// download manager finds them through AllTasks and can adopt them:
//
//	s, err := session.Open(ctx, session.Options{Dir: "/var/lib/bgdl"})
//	mgr := download.NewManager(s, download.DefaultConfig(), onEvent)
//	err = mgr.Initialize(ctx)
//
// Tests and multi-host setups can pass any bucket URL ("mem://",
// "gs://...") through Options.BucketURL, or open the bucket themselves and
// call OpenWithBucket.
package session
