package download

import (
	"context"
	"time"

	"github.com/handiism/background-downloader/internal/platform"
)

// Tick runs one frame of the manager: requests first, then provider tasks,
// then unassociated tasks. It always asks to keep ticking.
func (m *Manager) Tick(delta time.Duration) bool {
	m.TickRequests(delta)
	m.TickTasks()
	m.TickUnassociatedTasks()
	return true
}

// Run drives Tick every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			delta := now.Sub(last)
			last = now
			if !m.Tick(delta) {
				return nil
			}
		}
	}
}

// TickRequests finalizes completed requests, recreates tasks that were
// started in the background, times out silent tasks and pushes progress.
// Requests queued for removal are purged afterwards.
func (m *Manager) TickRequests(delta time.Duration) {
	timeout := m.cfg.ActiveReceiveTimeout
	inBackground := m.inBackground.Load()

	for _, r := range m.snapshotActive() {
		isComplete := r.IsTaskComplete()
		startedInBG := r.WasStartedInBackground()
		isPendingCancel := r.IsPendingCancel()

		switch {
		case isComplete:
			m.logf(LevelVerbose, r.DebugID(), "Calling finish on request (started in background: %t)", startedInBG)
			m.finishRequest(r)

		case startedInBG && !isPendingCancel && !inBackground:
			m.logf(LevelInfo, r.DebugID(), "Cancelling request created in background to re-create it in foreground")
			// Cleared first so the cancel is issued only once per task.
			r.SetStartedInBackground(false)
			r.CancelActiveTask()

		case isPendingCancel:
			if r.TickStallTimer(delta, m.stallTimeout()) {
				m.logf(LevelWarning, r.DebugID(), "No callback for cancelled task, retrying directly")
				m.RetryRequest(r, true, true, nil)
			}
			r.SendDownloadProgressUpdate()

		case r.IsUnderlyingTaskActive() && !r.IsUnderlyingTaskPaused():
			if r.TickTimeOutTimer(delta, timeout) {
				m.logf(LevelInfo, r.DebugID(), "Timing out request due to lack of server response")
				r.CancelActiveTask()
			}
			r.SendDownloadProgressUpdate()

		default:
			r.SendDownloadProgressUpdate()
		}
	}

	m.deletePendingRemoveRequests()
}

// TickTasks activates suspended tasks owned by requests until the platform
// cap is reached. Only one enumeration is in flight at a time.
func (m *Manager) TickTasks() {
	if !m.iteratingTasks.CompareAndSwap(false, true) {
		return
	}

	m.session.AllTasks(func(tasks []platform.Task) {
		m.activateSuspendedTasks(tasks)

		if !m.iteratingTasks.Swap(false) {
			m.ensure("", "task enumeration flag was cleared while its callback was running")
		}
	})
}

func (m *Manager) activateSuspendedTasks(tasks []platform.Task) {
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()

	limit := int32(m.cfg.PlatformMaxActiveDownloads)
	if m.numActiveTasks.Load() >= limit {
		return
	}

	for _, t := range tasks {
		if t.State() != platform.StateSuspended {
			continue
		}
		if !m.tryReserveSlot() {
			m.logf(LevelVerbose, "", "Task %d not activated, platform max reached", t.ID())
			break
		}

		r := m.routes.lookup(t.URL())
		switch {
		case r != nil && r.OwnsTask(t) && !r.IsPendingCancel():
			if r.SetHoldsSlot(true) {
				// Already counted.
				m.numActiveTasks.Add(-1)
			}
			m.logf(LevelVerbose, r.DebugID(), "Activating task %d for %s (active tasks: %d)", t.ID(), t.URL(), m.numActiveTasks.Load())
			r.ActivateUnderlyingTask()
		default:
			m.logf(LevelVerbose, "", "Skipping task %d with no owning request: %s", t.ID(), t.URL())
			m.numActiveTasks.Add(-1)
		}

		if m.numActiveTasks.Load() >= limit {
			break
		}
	}
}

// TickUnassociatedTasks lets orphaned tasks use idle capacity and parks them
// while any request task is running.
func (m *Manager) TickUnassociatedTasks() {
	if m.numActiveTasks.Load() == 0 {
		m.pool.resumeAll()
		return
	}
	m.pool.suspendAll()
}
