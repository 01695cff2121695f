package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/handiism/background-downloader/internal/model"
	"github.com/handiism/background-downloader/internal/platform"
	"github.com/handiism/background-downloader/internal/platform/platformtest"
)

type eventLog struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (l *eventLog) add(e ProgressEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func newTestManager(t *testing.T, cfg Config, seed func(s *platformtest.Session)) (*Manager, *platformtest.Session, *eventLog) {
	t.Helper()

	session := platformtest.NewSession()
	if seed != nil {
		seed(session)
	}
	log := &eventLog{}
	m := NewManager(session, cfg, log.add)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m, session, log
}

func lastTask(t *testing.T, s *platformtest.Session) *platformtest.Task {
	t.Helper()
	task := s.Last()
	if task == nil {
		t.Fatal("no task created")
	}
	return task
}

func writeTempFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAddRequest_CreatesSuspendedTaskAndTickActivates(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)

	req := model.NewRequest([]string{"A"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	task := lastTask(t, session)
	if task.URL() != "A" {
		t.Errorf("task URL = %q, want %q", task.URL(), "A")
	}
	if task.State() != platform.StateSuspended {
		t.Errorf("task state = %v, want suspended", task.State())
	}
	if got := m.Stats().ActiveRequests; got != 1 {
		t.Errorf("ActiveRequests = %d, want 1", got)
	}

	m.Tick(0)

	if task.State() != platform.StateRunning {
		t.Errorf("task state after tick = %v, want running", task.State())
	}
	if got := m.Stats().ActiveTasks; got != 1 {
		t.Errorf("ActiveTasks = %d, want 1", got)
	}
	if !req.HoldsSlot() {
		t.Error("request should hold a slot after activation")
	}
}

func TestAddRequest_URLConflict(t *testing.T) {
	m, session, events := newTestManager(t, DefaultConfig(), nil)

	first := model.NewRequest([]string{"A", "B"})
	if err := m.AddRequest(first); err != nil {
		t.Fatalf("AddRequest(first): %v", err)
	}
	created := len(session.Created())

	var delivered atomic.Int32
	second := model.NewRequest([]string{"C", "B"}, model.WithCompletion(func(*model.Response) {
		delivered.Add(1)
	}))
	err := m.AddRequest(second)
	if !errors.Is(err, ErrURLConflict) {
		t.Fatalf("AddRequest(second) error = %v, want ErrURLConflict", err)
	}

	resp := second.Response()
	if resp == nil || resp.StatusCode != model.StatusUnknown || resp.TempFilePath != "" {
		t.Errorf("second response = %+v, want unknown with empty path", resp)
	}
	if delivered.Load() != 1 {
		t.Errorf("completion delivered %d times, want 1", delivered.Load())
	}
	for _, r := range m.Requests() {
		if r == second {
			t.Error("conflicting request entered the active set")
		}
	}
	if got := m.routes.lookup("C"); got != nil {
		t.Error("partial registration for C was not rolled back")
	}
	if got := m.routes.lookup("B"); got != first {
		t.Error("URL B no longer routes to the first request")
	}
	if len(session.Created()) != created {
		t.Error("a task was created for the conflicting request")
	}
	if m.Stats().Anomalies != 1 {
		t.Errorf("Anomalies = %d, want 1", m.Stats().Anomalies)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	var flagged bool
	for _, e := range events.events {
		if e.Level == LevelError && e.RequestID == second.DebugID() && strings.HasPrefix(e.Message, "ensure: ") {
			flagged = true
		}
	}
	if !flagged {
		t.Error("conflict was not reported as an ensure event")
	}
}

type foreignRequest struct{}

func (foreignRequest) DebugID() string          { return "foreign" }
func (foreignRequest) URLs() []string           { return []string{"A"} }
func (foreignRequest) Complete(*model.Response) {}

func TestAddRequest_Rejections(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig(), nil)
	if err := m.AddRequest(foreignRequest{}); !errors.Is(err, ErrUnsupportedRequest) {
		t.Errorf("AddRequest(foreign) = %v, want ErrUnsupportedRequest", err)
	}

	req := model.NewRequest([]string{"A"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	if err := m.AddRequest(req); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second AddRequest = %v, want ErrAlreadyActive", err)
	}

	uninit := NewManager(platformtest.NewSession(), DefaultConfig(), nil)
	if err := uninit.AddRequest(model.NewRequest([]string{"A"})); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("AddRequest before Initialize = %v, want ErrNotInitialized", err)
	}
}

func TestRetry_ResumeLimitZeroRotatesURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryResumeDataLimit = 0
	m, session, _ := newTestManager(t, cfg, nil)

	req := model.NewRequest([]string{"A", "B", "C"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	session.Fail(lastTask(t, session), &platform.TaskError{
		Code:       platform.CodeBadServerResponse,
		ResumeData: []byte("A"),
	})

	if got := req.RetryCount(); got != 1 {
		t.Errorf("RetryCount = %d, want 1", got)
	}
	if got := req.CurrentURL(); got != "B" {
		t.Errorf("CurrentURL = %q, want %q", got, "B")
	}
	task := lastTask(t, session)
	if task.URL() != "B" || task.ResumeData() != nil {
		t.Errorf("new task = %q (resume %q), want fresh task for B", task.URL(), task.ResumeData())
	}
	if got := req.ResumeDataRetryCount(); got != 0 {
		t.Errorf("ResumeDataRetryCount = %d, want 0 after fresh task", got)
	}
	if task.State() != platform.StateRunning {
		t.Errorf("retried task state = %v, want running (immediate start)", task.State())
	}
}

func TestRetry_ResumeDataThenFallThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryResumeDataLimit = 1
	m, session, _ := newTestManager(t, cfg, nil)

	req := model.NewRequest([]string{"A", "B"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	session.Fail(lastTask(t, session), &platform.TaskError{Code: platform.CodeTimedOut, ResumeData: []byte("A")})

	resumed := lastTask(t, session)
	if resumed.ResumeData() == nil {
		t.Fatal("first failure with resume data did not resume")
	}
	if req.RetryCount() != 0 || req.ResumeDataRetryCount() != 1 {
		t.Errorf("counters = (url %d, resume %d), want (0, 1)", req.RetryCount(), req.ResumeDataRetryCount())
	}

	session.Fail(resumed, &platform.TaskError{Code: platform.CodeTimedOut, ResumeData: []byte("A")})

	fresh := lastTask(t, session)
	if fresh.ResumeData() != nil || fresh.URL() != "B" {
		t.Errorf("second failure created %q (resume %q), want fresh task for B", fresh.URL(), fresh.ResumeData())
	}
	if req.RetryCount() != 1 || req.ResumeDataRetryCount() != 0 {
		t.Errorf("counters = (url %d, resume %d), want (1, 0)", req.RetryCount(), req.ResumeDataRetryCount())
	}
}

func TestRetry_NoConnectivityNeverRotates(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)

	req := model.NewRequest([]string{"A"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	for i := 0; i < 5; i++ {
		session.Fail(lastTask(t, session), &platform.TaskError{Code: platform.CodeNotConnectedToInternet})

		if got := req.RetryCount(); got != 0 {
			t.Fatalf("retry %d: RetryCount = %d, want 0", i+1, got)
		}
		if got := lastTask(t, session).URL(); got != "A" {
			t.Fatalf("retry %d: task URL = %q, want %q", i+1, got, "A")
		}
	}
	if req.IsFailed() {
		t.Error("request failed after connectivity errors")
	}
	if got := len(session.Created()); got != 6 {
		t.Errorf("tasks created = %d, want 6", got)
	}
}

func TestRetry_URLExhaustionFails(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)

	var resp *model.Response
	req := model.NewRequest([]string{"A", "B"}, model.WithCompletion(func(r *model.Response) { resp = r }))
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	session.Fail(lastTask(t, session), &platform.TaskError{Code: platform.CodeBadServerResponse})
	session.Fail(lastTask(t, session), &platform.TaskError{Code: platform.CodeBadServerResponse})

	if !req.IsFailed() {
		t.Fatal("request not failed after exhausting URLs")
	}
	if got := len(session.Created()); got != 2 {
		t.Errorf("tasks created = %d, want 2", got)
	}

	m.Tick(0)

	if resp == nil || resp.StatusCode != model.StatusUnknown || resp.TempFilePath != "" {
		t.Errorf("response = %+v, want unknown with empty path", resp)
	}
	stats := m.Stats()
	if stats.ActiveRequests != 0 || len(m.Requests()) != 0 {
		t.Errorf("active requests = %d, want 0", stats.ActiveRequests)
	}
	if stats.ActiveTasks != 0 {
		t.Errorf("ActiveTasks = %d, want 0", stats.ActiveTasks)
	}
}

func TestFinish_Success(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)
	path := writeTempFile(t, "task.download")

	var (
		completions int
		resp        *model.Response
		progress    []int64
	)
	req := model.NewRequest([]string{"A"},
		model.WithCompletion(func(r *model.Response) { completions++; resp = r }),
		model.WithProgress(func(_ *model.Request, total, _ int64) { progress = append(progress, total) }),
	)
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	m.Tick(0)
	task := lastTask(t, session)

	session.WriteData(task, 10, 10, 20)
	m.Tick(10 * time.Millisecond)
	session.Finish(task, path)
	m.Tick(10 * time.Millisecond)

	if completions != 1 {
		t.Fatalf("completions = %d, want 1", completions)
	}
	if !resp.Succeeded() || resp.TempFilePath != path || resp.StatusCode != model.StatusCreated {
		t.Errorf("response = %+v, want created at %s", resp, path)
	}
	if len(progress) != 1 || progress[0] != 10 {
		t.Errorf("progress pushes = %v, want [10]", progress)
	}
	if m.Stats().ActiveTasks != 0 || m.Stats().ActiveRequests != 0 {
		t.Errorf("stats after finish = %+v", m.Stats())
	}
	if m.routes.lookup("A") != nil {
		t.Error("finished request still routed")
	}
}

func TestFinish_ExactlyOnceUnderRace(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig(), nil)
	path := writeTempFile(t, "task.download")

	var completions atomic.Int32
	req := model.NewRequest([]string{"A"}, model.WithCompletion(func(*model.Response) {
		completions.Add(1)
	}))
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	req.SetRequestAsSuccess(path)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.finishRequest(req)
		}()
	}
	wg.Wait()

	if got := completions.Load(); got != 1 {
		t.Errorf("completions = %d, want 1", got)
	}
	if !req.HasAlreadyFinished() {
		t.Error("HasAlreadyFinished = false after finish")
	}
}

func TestFinish_MissingTempFileRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActiveReceiveTimeout = time.Second
	m, session, _ := newTestManager(t, cfg, nil)
	path := writeTempFile(t, "task.download")

	req := model.NewRequest([]string{"A", "B"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	m.Tick(0)
	task := lastTask(t, session)

	session.Finish(task, path)
	if !req.IsTaskComplete() {
		t.Fatal("request not complete after finish callback")
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	m.Tick(0)

	if req.IsTaskComplete() {
		t.Error("IsTaskComplete = true, want reset to false")
	}
	if req.HasAlreadyFinished() {
		t.Error("HasAlreadyFinished = true, want reset to false")
	}
	if got := task.CancelCount(); got != 1 {
		t.Errorf("cancel count = %d, want 1", got)
	}
	if req.Response() != nil {
		t.Errorf("response delivered = %+v, want none", req.Response())
	}
	if len(m.Requests()) != 1 {
		t.Error("request left the active set")
	}

	// The provider never calls back for a completed task; the watchdog retries.
	m.Tick(2 * time.Second)

	retried := lastTask(t, session)
	if retried == task || retried.URL() != "B" {
		t.Fatalf("watchdog did not retry on B (last task %q)", retried.URL())
	}
	if req.IsPendingCancel() {
		t.Error("still pending cancel after retry")
	}
	if retried.State() != platform.StateRunning {
		t.Errorf("retried task state = %v, want running", retried.State())
	}
}

func TestFinish_MissingTempFileRetriesWithTimeoutDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActiveReceiveTimeout = 0
	m, session, _ := newTestManager(t, cfg, nil)
	path := writeTempFile(t, "task.download")

	req := model.NewRequest([]string{"A", "B"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	m.Tick(0)
	task := lastTask(t, session)

	session.Finish(task, path)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	m.Tick(0)
	if !req.IsPendingCancel() {
		t.Fatal("request not pending cancel after the temp file went missing")
	}

	m.Tick(defaultStallTimeout - time.Second)
	if lastTask(t, session) != task {
		t.Fatal("retried before the stall timeout")
	}

	m.Tick(time.Second)
	retried := lastTask(t, session)
	if retried == task || retried.URL() != "B" {
		t.Fatalf("no retry on B after the stall timeout (last task %q)", retried.URL())
	}
	if req.IsPendingCancel() {
		t.Error("still pending cancel after retry")
	}
	if req.Response() != nil {
		t.Errorf("response delivered = %+v, want none", req.Response())
	}
}

func TestBackgroundForeground_RecreatesBackgroundTasks(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)

	req := model.NewRequest([]string{"A", "B"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	original := lastTask(t, session)

	m.EnterBackground()
	if original.State() != platform.StateRunning || original.Resumes != 1 {
		t.Fatalf("task not resumed on background entry (state %v)", original.State())
	}

	// A retry while backgrounded starts at once and is flagged.
	session.Fail(original, &platform.TaskError{Code: platform.CodeNotConnectedToInternet})
	bgTask := lastTask(t, session)
	if bgTask.State() != platform.StateRunning {
		t.Errorf("background task state = %v, want running", bgTask.State())
	}
	if !req.WasStartedInBackground() {
		t.Fatal("request not flagged as started in background")
	}

	m.Tick(0)
	if bgTask.CancelCount() != 0 {
		t.Error("background tick cancelled a background task")
	}

	m.EnterForeground()
	if bgTask.State() != platform.StateSuspended {
		t.Errorf("task state after foreground = %v, want suspended", bgTask.State())
	}
	if m.Stats().ActiveTasks != 0 {
		t.Errorf("ActiveTasks after foreground = %d, want 0", m.Stats().ActiveTasks)
	}

	m.Tick(0)
	if got := bgTask.CancelCount(); got != 1 {
		t.Fatalf("cancel count on foreground tick = %d, want 1", got)
	}
	if req.WasStartedInBackground() {
		t.Error("started-in-background flag not cleared")
	}

	session.Fail(bgTask, &platform.TaskError{Code: platform.CodeCancelled, ResumeData: []byte("A")})
	fgTask := lastTask(t, session)
	if fgTask == bgTask || fgTask.ResumeData() == nil {
		t.Fatal("cancelled background task was not recreated from resume data")
	}
	if fgTask.State() != platform.StateRunning {
		t.Errorf("recreated task state = %v, want running", fgTask.State())
	}
	if req.WasStartedInBackground() {
		t.Error("foreground task flagged as started in background")
	}
}

func TestBackground_ResumedForegroundTaskIsKept(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)

	req := model.NewRequest([]string{"A"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	m.Tick(0)
	task := lastTask(t, session)

	m.EnterBackground()
	m.EnterForeground()
	m.Tick(0)

	if task.CancelCount() != 0 {
		t.Error("task created in foreground was cancelled")
	}
	if task.State() != platform.StateRunning {
		t.Errorf("task state = %v, want running again after tick", task.State())
	}
}

func TestAdoptUnassociatedTask(t *testing.T) {
	var seeded *platformtest.Task
	m, session, _ := newTestManager(t, DefaultConfig(), func(s *platformtest.Session) {
		seeded = s.Seed("B", platform.StateRunning)
		s.Seed("Z", platform.StateCompleted)
	})

	if got := m.Stats().UnassociatedTasks; got != 1 {
		t.Fatalf("UnassociatedTasks = %d, want 1", got)
	}

	req := model.NewRequest([]string{"A", "B"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	if req.Task() != seeded {
		t.Fatal("request did not adopt the seeded task")
	}
	if len(session.Created()) != 2 {
		t.Errorf("tasks = %d, want no new task", len(session.Created()))
	}
	if seeded.State() != platform.StateSuspended {
		t.Errorf("adopted task state = %v, want suspended", seeded.State())
	}
	if !req.WasStartedInBackground() {
		t.Error("adopted task not flagged as started in background")
	}
	if m.Stats().UnassociatedTasks != 0 {
		t.Error("adopted task still pooled")
	}

	m.Tick(0)
	if seeded.CancelCount() != 1 {
		t.Errorf("adopted task cancel count = %d, want 1", seeded.CancelCount())
	}
}

func TestTickUnassociatedTasks(t *testing.T) {
	var orphan *platformtest.Task
	m, _, _ := newTestManager(t, DefaultConfig(), func(s *platformtest.Session) {
		orphan = s.Seed("X", platform.StateSuspended)
	})

	m.Tick(0)
	if orphan.State() != platform.StateRunning {
		t.Fatalf("orphan state with idle capacity = %v, want running", orphan.State())
	}
	if m.Stats().ActiveTasks != 0 {
		t.Errorf("orphan counted against the cap")
	}

	if err := m.AddRequest(model.NewRequest([]string{"A"})); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	m.Tick(0)
	if orphan.State() != platform.StateSuspended {
		t.Errorf("orphan state with active requests = %v, want suspended", orphan.State())
	}
}

func TestTickTasks_RespectsPlatformMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlatformMaxActiveDownloads = 2
	m, session, _ := newTestManager(t, cfg, nil)

	var reqs []*model.Request
	for _, url := range []string{"A", "B", "C", "D"} {
		r := model.NewRequest([]string{url})
		if err := m.AddRequest(r); err != nil {
			t.Fatalf("AddRequest(%s): %v", url, err)
		}
		reqs = append(reqs, r)
	}

	running := func() int {
		n := 0
		for _, task := range session.Created() {
			if task.State() == platform.StateRunning {
				n++
			}
		}
		return n
	}

	for i := 0; i < 3; i++ {
		m.Tick(0)
		if got := m.Stats().ActiveTasks; got > 2 || got < 0 {
			t.Fatalf("ActiveTasks = %d, out of [0, 2]", got)
		}
	}
	if got := running(); got != 2 {
		t.Fatalf("running tasks = %d, want 2", got)
	}

	path := writeTempFile(t, "a.download")
	session.Finish(reqs[0].Task().(*platformtest.Task), path)
	m.Tick(0)

	if got := m.Stats().ActiveTasks; got != 2 {
		t.Errorf("ActiveTasks after one finish = %d, want 2", got)
	}
	if got := running(); got != 2 {
		t.Errorf("running tasks after one finish = %d, want 2", got)
	}
	if reqs[0].Response() == nil || !reqs[0].Response().Succeeded() {
		t.Error("first request did not succeed")
	}
}

func TestTickTasks_SingleFlight(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)
	session.HoldEnumerations(true)

	m.TickTasks()
	m.TickTasks()
	if got := session.PendingEnumerations(); got != 1 {
		t.Fatalf("pending enumerations = %d, want 1", got)
	}

	session.FlushEnumerations()
	m.TickTasks()
	if got := session.PendingEnumerations(); got != 1 {
		t.Errorf("pending enumerations after flush = %d, want 1", got)
	}
	if m.Stats().Anomalies != 0 {
		t.Errorf("Anomalies = %d, want 0", m.Stats().Anomalies)
	}
}

func TestEnterForeground_ConcurrentTickTasksKeepsCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PlatformMaxActiveDownloads = 2
	m, session, _ := newTestManager(t, cfg, nil)

	for _, url := range []string{"A", "B", "C", "D"} {
		if err := m.AddRequest(model.NewRequest([]string{url})); err != nil {
			t.Fatalf("AddRequest(%s): %v", url, err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.TickTasks()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.EnterForeground()
		}
	}()
	wg.Wait()
	m.TickTasks()

	running := 0
	for _, task := range session.Created() {
		if task.State() == platform.StateRunning {
			running++
		}
	}
	if got := m.Stats().ActiveTasks; got != running {
		t.Errorf("ActiveTasks = %d, running tasks = %d", got, running)
	}
	if running > 2 {
		t.Errorf("running tasks = %d, want at most 2", running)
	}
}

func TestProgress_BackwardsIsFlagged(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)

	req := model.NewRequest([]string{"A", "B"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	task := lastTask(t, session)

	session.WriteData(task, 100, 100, 200)
	session.WriteData(task, 0, 50, 200)

	if got := m.Stats().Anomalies; got != 1 {
		t.Errorf("Anomalies = %d, want 1", got)
	}
	if got := req.DownloadProgress(); got != 100 {
		t.Errorf("DownloadProgress = %d, want 100", got)
	}

	session.Fail(task, &platform.TaskError{Code: platform.CodeBadServerResponse})
	session.WriteData(lastTask(t, session), 5, 5, 200)

	if got := m.Stats().Anomalies; got != 1 {
		t.Errorf("Anomalies after new task = %d, want 1", got)
	}
	if got := req.DownloadProgress(); got != 100 {
		t.Errorf("DownloadProgress after new task = %d, want 100", got)
	}

	// Late data from the replaced task is ignored.
	session.WriteData(task, 1000, 1000, 2000)
	if got := req.DownloadProgress(); got != 100 {
		t.Errorf("DownloadProgress after stale write = %d, want 100", got)
	}
}

func TestRemoveRequest(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)

	req := model.NewRequest([]string{"A"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	m.Tick(0)
	task := lastTask(t, session)

	m.RemoveRequest(req)
	m.RemoveRequest(req)

	if m.routes.lookup("A") != nil {
		t.Error("routing not severed")
	}
	if got := task.CancelCount(); got != 1 {
		t.Errorf("cancel count = %d, want 1", got)
	}
	if len(m.Requests()) != 1 {
		t.Error("removal was not deferred to the tick")
	}

	m.Tick(0)
	if len(m.Requests()) != 0 || m.Stats().ActiveRequests != 0 {
		t.Errorf("request still active after tick")
	}
	if m.Stats().ActiveTasks != 0 {
		t.Errorf("ActiveTasks = %d, want 0", m.Stats().ActiveTasks)
	}

	created := len(session.Created())
	session.Fail(task, &platform.TaskError{Code: platform.CodeCancelled})
	if len(session.Created()) != created {
		t.Error("cancel callback for removed request created a task")
	}
	if req.Response() != nil {
		t.Error("removed request received a response")
	}
}

func TestTimeout_CancelsSilentTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActiveReceiveTimeout = time.Second
	m, session, _ := newTestManager(t, cfg, nil)

	req := model.NewRequest([]string{"A", "B"})
	if err := m.AddRequest(req); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	m.Tick(0)
	task := lastTask(t, session)

	m.Tick(600 * time.Millisecond)
	session.WriteData(task, 1, 1, 10)
	m.Tick(600 * time.Millisecond)
	if task.CancelCount() != 0 {
		t.Fatal("task with recent data timed out")
	}

	m.Tick(600 * time.Millisecond)
	if got := task.CancelCount(); got != 1 {
		t.Errorf("cancel count = %d, want 1", got)
	}
	if !req.IsPendingCancel() {
		t.Error("request not pending cancel after timeout")
	}
}

func TestShutdown(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)

	if err := m.AddRequest(model.NewRequest([]string{"A"})); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	m.Tick(0)
	task := lastTask(t, session)

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if task.State() != platform.StateSuspended {
		t.Errorf("task state after shutdown = %v, want suspended", task.State())
	}
	if !session.Closed() {
		t.Error("session not closed")
	}
}

func TestRun_StopsOnContext(t *testing.T) {
	m, session, _ := newTestManager(t, DefaultConfig(), nil)
	if err := m.AddRequest(model.NewRequest([]string{"A"})); err != nil {
		t.Fatalf("AddRequest: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := m.Run(ctx, 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want deadline exceeded", err)
	}
	if lastTask(t, session).State() != platform.StateRunning {
		t.Error("Run did not tick the manager")
	}
}
