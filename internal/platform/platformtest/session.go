// Package platformtest provides a scriptable in-memory platform.Session.
//
// Nothing happens on its own: tests create or seed tasks, then drive them
// with WriteData, Finish and Fail, which invoke the installed delegate
// synchronously on the calling goroutine.
package platformtest

import (
	"errors"
	"sync"

	"github.com/handiism/background-downloader/internal/platform"
)

// Session is a fake platform.Session.
type Session struct {
	mu        sync.Mutex
	tasks     []*Task
	nextID    int
	delegate  platform.Delegate
	holdEnums bool
	queued    []func()
	closed    bool

	// CreateErr, when set, is returned by both task constructors.
	CreateErr error
}

// Task is a fake platform.Task.
type Task struct {
	s          *Session
	id         int
	url        string
	resumeData []byte
	state      platform.TaskState

	Suspends int
	Resumes  int
	Cancels  int
}

// NewSession returns an empty Session.
func NewSession() *Session {
	return &Session{nextID: 1}
}

// HoldEnumerations makes AllTasks queue its callbacks until
// FlushEnumerations is called.
func (s *Session) HoldEnumerations(hold bool) {
	s.mu.Lock()
	s.holdEnums = hold
	s.mu.Unlock()
}

// FlushEnumerations runs every queued AllTasks callback.
func (s *Session) FlushEnumerations() {
	s.mu.Lock()
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

// PendingEnumerations returns how many AllTasks callbacks are queued.
func (s *Session) PendingEnumerations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// Seed adds a pre-existing task, as if it survived from a previous launch.
func (s *Session) Seed(url string, state platform.TaskState) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newTaskLocked(url, nil, state)
}

func (s *Session) newTaskLocked(url string, resumeData []byte, state platform.TaskState) *Task {
	t := &Task{s: s, id: s.nextID, url: url, resumeData: resumeData, state: state}
	s.nextID++
	s.tasks = append(s.tasks, t)
	return t
}

// AllTasks implements platform.Session.
func (s *Session) AllTasks(fn func(tasks []platform.Task)) {
	s.mu.Lock()
	run := func() { fn(s.Tasks()) }
	if s.holdEnums {
		s.queued = append(s.queued, run)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	run()
}

// Tasks returns every task that has not completed.
func (s *Session) Tasks() []platform.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]platform.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.state != platform.StateCompleted {
			out = append(out, t)
		}
	}
	return out
}

// Created returns every task ever created or seeded, in order.
func (s *Session) Created() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

// Last returns the most recently created task, or nil.
func (s *Session) Last() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return nil
	}
	return s.tasks[len(s.tasks)-1]
}

// DownloadTaskWithURL implements platform.Session.
func (s *Session) DownloadTaskWithURL(url string) (platform.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	if url == "" {
		return nil, errors.New("platformtest: empty url")
	}
	return s.newTaskLocked(url, nil, platform.StateSuspended), nil
}

// DownloadTaskWithResumeData implements platform.Session. The resume blob is
// interpreted as the task URL.
func (s *Session) DownloadTaskWithResumeData(resumeData []byte) (platform.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	if len(resumeData) == 0 {
		return nil, errors.New("platformtest: empty resume data")
	}
	return s.newTaskLocked(string(resumeData), resumeData, platform.StateSuspended), nil
}

// SetDelegate implements platform.Session.
func (s *Session) SetDelegate(d platform.Delegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

// Close implements platform.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) getDelegate() platform.Delegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

// WriteData reports progress for t.
func (s *Session) WriteData(t *Task, sinceLast, total, expected int64) {
	if d := s.getDelegate(); d != nil {
		d.OnTaskWroteData(t, sinceLast, total, expected)
	}
}

// Finish completes t successfully with its payload at tempPath.
func (s *Session) Finish(t *Task, tempPath string) {
	t.setState(platform.StateCompleted)
	if d := s.getDelegate(); d != nil {
		d.OnTaskFinishedDownloading(t, nil, tempPath)
		d.OnTaskCompletedWithError(t, nil)
	}
}

// Fail completes t with err.
func (s *Session) Fail(t *Task, err error) {
	t.setState(platform.StateCompleted)
	if d := s.getDelegate(); d != nil {
		d.OnTaskCompletedWithError(t, err)
	}
}

// FinishAllEvents fires OnSessionFinishedAllEvents.
func (s *Session) FinishAllEvents() {
	if d := s.getDelegate(); d != nil {
		d.OnSessionFinishedAllEvents()
	}
}

func (t *Task) setState(st platform.TaskState) {
	t.s.mu.Lock()
	t.state = st
	t.s.mu.Unlock()
}

// ID implements platform.Task.
func (t *Task) ID() int { return t.id }

// URL implements platform.Task.
func (t *Task) URL() string { return t.url }

// ResumeData returns the blob the task was created from, if any.
func (t *Task) ResumeData() []byte { return t.resumeData }

// State implements platform.Task.
func (t *Task) State() platform.TaskState {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.state
}

// Suspend implements platform.Task.
func (t *Task) Suspend() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.Suspends++
	if t.state == platform.StateRunning {
		t.state = platform.StateSuspended
	}
}

// Resume implements platform.Task.
func (t *Task) Resume() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.Resumes++
	if t.state == platform.StateSuspended {
		t.state = platform.StateRunning
	}
}

// Cancel implements platform.Task. The terminal callback is left to the test.
func (t *Task) Cancel() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.Cancels++
	if t.state == platform.StateRunning || t.state == platform.StateSuspended {
		t.state = platform.StateCanceling
	}
}

// CancelCount returns how many times Cancel was called.
func (t *Task) CancelCount() int {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.Cancels
}
