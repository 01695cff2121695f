package download

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	ioutils "github.com/handiism/background-downloader/internal/io"
	"github.com/handiism/background-downloader/internal/model"
	"github.com/handiism/background-downloader/internal/platform"
)

var (
	// ErrUnsupportedRequest is returned when AddRequest receives a request
	// type this manager cannot drive.
	ErrUnsupportedRequest = errors.New("download: unsupported request type")
	// ErrNotInitialized is returned when requests are added before Initialize.
	ErrNotInitialized = errors.New("download: manager not initialized")
	// ErrURLConflict is returned when a URL is already owned by another request.
	ErrURLConflict = errors.New("download: url owned by another request")
	// ErrAlreadyActive is returned when the same request is added twice.
	ErrAlreadyActive = errors.New("download: request already active")
)

// BackgroundRequest is the caller-facing request surface accepted by
// AddRequest and RemoveRequest.
type BackgroundRequest interface {
	DebugID() string
	URLs() []string
	Complete(resp *model.Response)
}

// Config holds the manager tunables.
type Config struct {
	// ActiveReceiveTimeout cancels a running task that received nothing for
	// this long. Zero disables the timeout; a cancel with no callback is
	// still retried after defaultStallTimeout.
	ActiveReceiveTimeout time.Duration
	// RetryResumeDataLimit bounds resume attempts per lineage. Negative means
	// unlimited.
	RetryResumeDataLimit int
	// PlatformMaxActiveDownloads caps foreground-managed running tasks.
	PlatformMaxActiveDownloads int
}

// defaultStallTimeout bounds how long a request may wait for the callback
// of a cancelled task when ActiveReceiveTimeout is disabled.
const defaultStallTimeout = 30 * time.Second

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		ActiveReceiveTimeout:       30 * time.Second,
		RetryResumeDataLimit:       -1,
		PlatformMaxActiveDownloads: 4,
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	ActiveRequests    int
	ActiveTasks       int
	UnassociatedTasks int
	PendingRemoval    int
	RoutedURLs        int
	Anomalies         int64
	InBackground      bool
}

// Manager reconciles caller requests with provider tasks.
//
// Tick must be driven from a single goroutine. Provider callbacks may arrive
// on any goroutine at any time.
type Manager struct {
	cfg        Config
	session    platform.Session
	onProgress func(ProgressEvent)

	routes *routingTable
	pool   *unassociatedPool

	activeMu sync.RWMutex
	active   []*model.Request

	pendingMu     sync.Mutex
	pendingRemove []*model.Request

	// slotsMu serializes slot reservation against the foreground reset.
	slotsMu sync.Mutex

	numActiveRequests atomic.Int32
	numActiveTasks    atomic.Int32
	inBackground      atomic.Bool
	iteratingTasks    atomic.Bool
	initialized       atomic.Bool
	anomalies         atomic.Int64
}

// NewManager creates a Manager on top of session.
func NewManager(session platform.Session, cfg Config, onProgress func(ProgressEvent)) *Manager {
	if cfg.PlatformMaxActiveDownloads <= 0 {
		cfg.PlatformMaxActiveDownloads = DefaultConfig().PlatformMaxActiveDownloads
	}
	return &Manager{
		cfg:        cfg,
		session:    session,
		onProgress: onProgress,
		routes:     newRoutingTable(),
		pool:       newUnassociatedPool(),
	}
}

// Initialize subscribes to provider callbacks and reconciles the tasks the
// provider already knows about. It blocks until enumeration finishes or ctx
// is done; in the latter case the pool keeps filling in the background.
func (m *Manager) Initialize(ctx context.Context) error {
	m.session.SetDelegate(m)
	m.initialized.Store(true)

	done := make(chan struct{})
	m.session.AllTasks(func(tasks []platform.Task) {
		n := m.pool.populate(tasks)
		m.logf(LevelInfo, "", "Found %d unassociated task(s) from a previous session", n)
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enumerate existing tasks: %w", ctx.Err())
	}
}

// Shutdown detaches from the provider, suspends every live task so the
// provider can persist it, and closes the session.
func (m *Manager) Shutdown() error {
	m.session.SetDelegate(nil)
	m.initialized.Store(false)

	done := make(chan struct{})
	m.session.AllTasks(func(tasks []platform.Task) {
		for _, t := range tasks {
			if t.State() == platform.StateRunning {
				t.Suspend()
			}
		}
		close(done)
	})
	<-done

	return m.session.Close()
}

// AddRequest registers req and starts or adopts a task for it. A request
// whose URLs collide with another request is completed immediately with an
// unknown response and never becomes active.
func (m *Manager) AddRequest(req BackgroundRequest) error {
	r, ok := req.(*model.Request)
	if !ok {
		m.ensure("", "AddRequest called with unsupported request type %T", req)
		return ErrUnsupportedRequest
	}
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	m.logf(LevelVerbose, r.DebugID(), "AddRequest called for %d url(s)", len(r.URLs()))

	if m.isActive(r) {
		return ErrAlreadyActive
	}

	if url, ok := m.routes.register(r); !ok {
		m.ensure(r.DebugID(), "URL is represented by 2 different requests, completing new request with error: %s", url)
		r.Complete(model.NewResponse(model.StatusUnknown, ""))
		return fmt.Errorf("%w: %s", ErrURLConflict, url)
	}

	if !m.adoptUnassociatedTask(r) {
		m.startRequest(r)
	}

	m.activeMu.Lock()
	m.active = append(m.active, r)
	m.activeMu.Unlock()
	m.numActiveRequests.Add(1)
	return nil
}

// RemoveRequest severs routing for req and cancels its task right away. The
// request leaves the active set on the next tick.
func (m *Manager) RemoveRequest(req BackgroundRequest) {
	r, ok := req.(*model.Request)
	if !ok {
		return
	}

	// Routing goes first so the cancel callback finds no owner.
	m.routes.remove(r)
	if t := r.Task(); t != nil && t.State() != platform.StateCompleted {
		r.CancelActiveTask()
	}

	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if !slices.Contains(m.pendingRemove, r) {
		m.pendingRemove = append(m.pendingRemove, r)
	}
}

// EnterBackground hands every task back to the provider scheduler.
func (m *Manager) EnterBackground() {
	m.inBackground.Store(true)
	m.logf(LevelInfo, "", "Entering background, resuming all tasks")
	m.session.AllTasks(func(tasks []platform.Task) {
		for _, t := range tasks {
			if t.State() == platform.StateSuspended {
				m.logf(LevelVerbose, "", "Resuming task %d for %s", t.ID(), t.URL())
				t.Resume()
			}
		}
	})
}

// EnterForeground pauses every running task so the tick loop regains control
// of concurrency.
func (m *Manager) EnterForeground() {
	m.inBackground.Store(false)
	m.logf(LevelInfo, "", "Entering foreground, pausing all active tasks")
	m.session.AllTasks(func(tasks []platform.Task) {
		m.slotsMu.Lock()
		defer m.slotsMu.Unlock()

		for _, t := range tasks {
			if t.State() == platform.StateRunning {
				m.logf(LevelVerbose, "", "Pausing task %d for %s", t.ID(), t.URL())
				t.Suspend()
			}
		}
		m.numActiveTasks.Store(0)
		for _, r := range m.snapshotActive() {
			r.SetHoldsSlot(false)
		}
	})
}

// InBackground reports whether the application is backgrounded.
func (m *Manager) InBackground() bool { return m.inBackground.Load() }

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.pendingMu.Lock()
	pending := len(m.pendingRemove)
	m.pendingMu.Unlock()

	return Stats{
		ActiveRequests:    int(m.numActiveRequests.Load()),
		ActiveTasks:       int(m.numActiveTasks.Load()),
		UnassociatedTasks: m.pool.len(),
		PendingRemoval:    pending,
		RoutedURLs:        m.routes.len(),
		Anomalies:         m.anomalies.Load(),
		InBackground:      m.inBackground.Load(),
	}
}

// Requests returns the active requests in submission order.
func (m *Manager) Requests() []*model.Request {
	return m.snapshotActive()
}

func (m *Manager) snapshotActive() []*model.Request {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return slices.Clone(m.active)
}

func (m *Manager) isActive(r *model.Request) bool {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return slices.Contains(m.active, r)
}

func (m *Manager) adoptUnassociatedTask(r *model.Request) bool {
	if !m.pool.populated.Load() {
		m.logf(LevelWarning, r.DebugID(), "Request added before unassociated tasks finished populating, an existing task may be missed")
	}

	for _, url := range r.URLs() {
		t, ok := m.pool.take(url)
		if !ok {
			continue
		}
		if st := t.State(); st != platform.StateRunning && st != platform.StateSuspended {
			m.logf(LevelVerbose, r.DebugID(), "Dropping unassociated task %d in state %s", t.ID(), st)
			continue
		}

		m.logf(LevelInfo, r.DebugID(), "Existing unassociated task found for request, associating: %s", url)
		if r.AssociateWithTask(t) {
			// The real start time is unknown, so treat it as started in the background.
			r.SetStartedInBackground(true)
			r.PauseUnderlyingTask()
			return true
		}
		m.logf(LevelWarning, r.DebugID(), "Failed to associate with unassociated task for %s", url)
	}
	return false
}

func (m *Manager) startRequest(r *model.Request) {
	m.RetryRequest(r, false, false, nil)
}

// RetryRequest creates the next task for r: from resumeData while the resume
// budget allows, otherwise from the next mirror URL. With no URL left the
// request is marked failed.
func (m *Manager) RetryRequest(r *model.Request, increaseRetryCount, startImmediately bool, resumeData []byte) {
	var task platform.Task

	useResume := m.shouldUseResumeData(r, resumeData)
	if useResume {
		m.logf(LevelInfo, r.DebugID(), "Resuming task with resume data (%d bytes)", len(resumeData))
		t, err := m.session.DownloadTaskWithResumeData(resumeData)
		if err != nil {
			m.logf(LevelWarning, r.DebugID(), "Could not create task from resume data: %v", err)
		} else {
			task = t
		}
	}

	if task == nil {
		// A fresh task starts a new resume lineage.
		r.ResetResumeDataRetryCount()

		if url := r.URLForRetry(increaseRetryCount); url != "" {
			t, err := m.session.DownloadTaskWithURL(url)
			if err != nil {
				m.logf(LevelWarning, r.DebugID(), "Could not create task for %s: %v", url, err)
			} else {
				task = t
			}
		}
	}

	if task == nil {
		m.logf(LevelWarning, r.DebugID(), "Marking request failed, out of retries (used resume data: %t)", useResume)
		r.SetRequestAsFailed()
		return
	}

	r.AssociateWithTask(task)

	bg := m.inBackground.Load()
	switch {
	case bg:
		r.ActivateUnderlyingTask()
	case startImmediately:
		m.activateInForeground(r)
	}
	r.SetStartedInBackground(bg)

	m.logf(LevelInfo, r.DebugID(), "Created task %d for %s (start immediately: %t, in background: %t)", task.ID(), task.URL(), startImmediately, bg)
}

// stallTimeout is how long a pending cancel may go without a callback
// before the request is retried directly.
func (m *Manager) stallTimeout() time.Duration {
	if m.cfg.ActiveReceiveTimeout > 0 {
		return m.cfg.ActiveReceiveTimeout
	}
	return defaultStallTimeout
}

func (m *Manager) shouldUseResumeData(r *model.Request, resumeData []byte) bool {
	if len(resumeData) == 0 {
		return false
	}
	count := r.IncrementResumeDataRetryCount()
	limit := m.cfg.RetryResumeDataLimit
	return limit < 0 || count <= limit
}

// activateInForeground resumes r's task if it holds or can reserve a slot.
// Otherwise the task stays suspended until TickTasks finds room.
func (m *Manager) activateInForeground(r *model.Request) {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()

	if r.HoldsSlot() {
		r.ActivateUnderlyingTask()
		return
	}
	if m.tryReserveSlot() {
		r.SetHoldsSlot(true)
		r.ActivateUnderlyingTask()
		return
	}
	m.logf(LevelVerbose, r.DebugID(), "No free slot, task waits for the next tick")
}

func (m *Manager) tryReserveSlot() bool {
	limit := int32(m.cfg.PlatformMaxActiveDownloads)
	for {
		cur := m.numActiveTasks.Load()
		if cur >= limit {
			return false
		}
		if m.numActiveTasks.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (m *Manager) releaseSlot(r *model.Request) {
	if !r.SetHoldsSlot(false) {
		return
	}
	for {
		cur := m.numActiveTasks.Load()
		if cur <= 0 {
			m.ensure(r.DebugID(), "active task count would go negative (%d)", cur-1)
			return
		}
		if m.numActiveTasks.CompareAndSwap(cur, cur-1) {
			m.logf(LevelVerbose, r.DebugID(), "Finishing request lowering task count to %d", cur-1)
			return
		}
	}
}

// finishRequest delivers r's terminal response exactly once. A success whose
// temp file has vanished is turned back into a retry.
func (m *Manager) finishRequest(r *model.Request) {
	if !r.BeginFinish() {
		m.logf(LevelVerbose, r.DebugID(), "Not finishing request, a finish is already in progress")
		return
	}

	finished := true
	path := r.TempFilePath()
	switch {
	case path != "" && ioutils.FileExists(path):
		m.logf(LevelSuccess, r.DebugID(), "Task completed successfully: %s", path)
		r.Complete(model.NewResponse(model.StatusCreated, path))
	case !r.IsFailed():
		m.logf(LevelError, r.DebugID(), "Task finished downloading, but temp file was not found: %q", path)
		r.ResetCompletion()
		// The cancel callback recreates the task; the stall watchdog covers
		// providers that never call back for a completed task.
		r.CancelActiveTask()
		finished = false
	default:
		m.logf(LevelWarning, r.DebugID(), "Task failed completely")
		r.Complete(model.NewResponse(model.StatusUnknown, ""))
	}

	if !finished {
		return
	}
	if !m.inBackground.Load() {
		m.releaseSlot(r)
	}
	m.RemoveRequest(r)
}

func (m *Manager) deletePendingRemoveRequests() {
	m.pendingMu.Lock()
	pending := m.pendingRemove
	m.pendingRemove = nil
	m.pendingMu.Unlock()
	if len(pending) == 0 {
		return
	}

	m.activeMu.Lock()
	removed := 0
	m.active = slices.DeleteFunc(m.active, func(r *model.Request) bool {
		if slices.Contains(pending, r) {
			removed++
			return true
		}
		return false
	})
	m.activeMu.Unlock()

	m.numActiveRequests.Add(-int32(removed))
	bg := m.inBackground.Load()
	for _, r := range pending {
		if bg {
			r.SetHoldsSlot(false)
			continue
		}
		m.releaseSlot(r)
	}
}
