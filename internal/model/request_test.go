package model

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/handiism/background-downloader/internal/platform"
	"github.com/handiism/background-downloader/internal/platform/platformtest"
)

func TestURLForRetry(t *testing.T) {
	tests := []struct {
		name  string
		urls  []string
		opts  []Option
		steps []bool
		want  []string
	}{
		{
			name:  "default limit visits each mirror once",
			urls:  []string{"A", "B", "C"},
			steps: []bool{false, true, true, true},
			want:  []string{"A", "B", "C", ""},
		},
		{
			name:  "no increase keeps the mirror",
			urls:  []string{"A", "B"},
			steps: []bool{false, false, false},
			want:  []string{"A", "A", "A"},
		},
		{
			name:  "negative limit cycles forever",
			urls:  []string{"A", "B"},
			opts:  []Option{WithRetryLimit(-1)},
			steps: []bool{true, true, true, true},
			want:  []string{"B", "A", "B", "A"},
		},
		{
			name:  "explicit limit wraps around",
			urls:  []string{"A", "B"},
			opts:  []Option{WithRetryLimit(3)},
			steps: []bool{true, true, true, true},
			want:  []string{"B", "A", "B", ""},
		},
		{
			name:  "single url",
			urls:  []string{"A"},
			steps: []bool{false, true},
			want:  []string{"A", ""},
		},
		{
			name:  "empty list",
			steps: []bool{false},
			want:  []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRequest(tt.urls, tt.opts...)
			for i, inc := range tt.steps {
				if got := r.URLForRetry(inc); got != tt.want[i] {
					t.Errorf("step %d: URLForRetry(%t) = %q, want %q", i, inc, got, tt.want[i])
				}
			}
		})
	}
}

func TestCurrentURL(t *testing.T) {
	r := NewRequest([]string{"A", "B"})
	if got := r.CurrentURL(); got != "A" {
		t.Errorf("CurrentURL = %q, want A", got)
	}
	r.URLForRetry(true)
	if got := r.CurrentURL(); got != "B" {
		t.Errorf("CurrentURL after retry = %q, want B", got)
	}
}

func TestNewRequest_CopiesURLs(t *testing.T) {
	urls := []string{"A", "B"}
	r := NewRequest(urls, WithDebugID("req-1"))
	urls[0] = "changed"

	if r.URLs()[0] != "A" {
		t.Error("request shares the caller's URL slice")
	}
	if r.DebugID() != "req-1" {
		t.Errorf("DebugID = %q, want req-1", r.DebugID())
	}
	if NewRequest(nil).DebugID() == NewRequest(nil).DebugID() {
		t.Error("generated debug IDs collide")
	}
}

func TestAssociateWithTask(t *testing.T) {
	s := platformtest.NewSession()
	first := s.Seed("A", platform.StateRunning)
	second := s.Seed("A", platform.StateSuspended)

	r := NewRequest([]string{"A"})
	if r.AssociateWithTask(nil) {
		t.Error("AssociateWithTask(nil) = true")
	}
	r.AssociateWithTask(first)
	r.CancelActiveTask()
	if !r.IsPendingCancel() {
		t.Fatal("not pending cancel after CancelActiveTask")
	}

	r.AssociateWithTask(second)
	if r.IsPendingCancel() {
		t.Error("pending cancel survived a new association")
	}
	if !r.OwnsTask(second) || r.OwnsTask(first) {
		t.Error("ownership not moved to the new task")
	}
	if got := first.CancelCount(); got != 1 {
		t.Errorf("old task cancel count = %d, want 1", got)
	}
}

func TestAssociateWithTask_CancelsLiveOldTask(t *testing.T) {
	s := platformtest.NewSession()
	old := s.Seed("A", platform.StateRunning)
	next := s.Seed("A", platform.StateSuspended)

	r := NewRequest([]string{"A"})
	r.AssociateWithTask(old)
	r.AssociateWithTask(next)

	if old.State() != platform.StateCanceling {
		t.Errorf("old task state = %v, want canceling", old.State())
	}
}

func TestCancelActiveTask_Idempotent(t *testing.T) {
	r := NewRequest([]string{"A"})
	r.CancelActiveTask()
	if r.IsPendingCancel() {
		t.Error("pending cancel set without a task")
	}

	task := platformtest.NewSession().Seed("A", platform.StateRunning)
	r.AssociateWithTask(task)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CancelActiveTask()
		}()
	}
	wg.Wait()

	if got := task.CancelCount(); got != 1 {
		t.Errorf("cancel count = %d, want 1", got)
	}
}

func TestActivateAndPause(t *testing.T) {
	task := platformtest.NewSession().Seed("A", platform.StateSuspended)
	r := NewRequest([]string{"A"})
	r.AssociateWithTask(task)

	if !r.IsUnderlyingTaskActive() || !r.IsUnderlyingTaskPaused() {
		t.Fatal("seeded suspended task not reported as live and paused")
	}
	r.ActivateUnderlyingTask()
	if !r.IsUnderlyingTaskActive() || r.IsUnderlyingTaskPaused() {
		t.Error("task not running after ActivateUnderlyingTask")
	}
	r.PauseUnderlyingTask()
	if !r.IsUnderlyingTaskPaused() {
		t.Error("task not paused after PauseUnderlyingTask")
	}
	r.CancelActiveTask()
	if r.IsUnderlyingTaskActive() || r.IsUnderlyingTaskPaused() {
		t.Error("cancelling task still reported as live")
	}
}

func TestBeginFinish(t *testing.T) {
	r := NewRequest([]string{"A"})

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.BeginFinish() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("BeginFinish winners = %d, want 1", got)
	}

	r.SetRequestAsSuccess("/tmp/x")
	r.ResetCompletion()
	if r.IsTaskComplete() || r.HasAlreadyFinished() {
		t.Error("ResetCompletion left flags set")
	}
	if !r.BeginFinish() {
		t.Error("BeginFinish after reset = false")
	}
}

func TestSetRequestAsFailed(t *testing.T) {
	r := NewRequest([]string{"A"})
	r.SetRequestAsFailed()
	if !r.IsFailed() || !r.IsTaskComplete() {
		t.Error("failed request must also be complete")
	}
}

func TestUpdateDownloadProgress(t *testing.T) {
	r := NewRequest([]string{"A"})

	if !r.UpdateDownloadProgress(1, 100, 100, 1000) {
		t.Fatal("first update flagged")
	}
	if r.UpdateDownloadProgress(1, 40, 0, 1000) {
		t.Error("regression on the same task not flagged")
	}
	if !r.UpdateDownloadProgress(2, 10, 10, 1000) {
		t.Error("new task lineage flagged")
	}
	if got := r.DownloadProgress(); got != 100 {
		t.Errorf("DownloadProgress = %d, want monotonic 100", got)
	}
	if !r.UpdateDownloadProgress(2, 250, 240, 0) {
		t.Error("forward progress flagged")
	}
	if got := r.DownloadProgress(); got != 250 {
		t.Errorf("DownloadProgress = %d, want 250", got)
	}
	if got := r.ExpectedBytes(); got != 1000 {
		t.Errorf("ExpectedBytes = %d, want 1000 (unknown size keeps last value)", got)
	}
}

func TestSendDownloadProgressUpdate(t *testing.T) {
	var pushes [][2]int64
	r := NewRequest([]string{"A"}, WithProgress(func(_ *Request, total, since int64) {
		pushes = append(pushes, [2]int64{total, since})
	}))

	r.SendDownloadProgressUpdate()
	r.UpdateDownloadProgress(1, 30, 30, 0)
	r.SendDownloadProgressUpdate()
	r.SendDownloadProgressUpdate()
	r.UpdateDownloadProgress(1, 50, 20, 0)
	r.SendDownloadProgressUpdate()

	want := [][2]int64{{30, 30}, {50, 20}}
	if len(pushes) != len(want) {
		t.Fatalf("pushes = %v, want %v", pushes, want)
	}
	for i := range want {
		if pushes[i] != want[i] {
			t.Errorf("push %d = %v, want %v", i, pushes[i], want[i])
		}
	}
}

func TestTimers(t *testing.T) {
	r := NewRequest([]string{"A"})

	if r.TickTimeOutTimer(time.Hour, 0) {
		t.Error("disabled timeout fired")
	}
	if r.TickTimeOutTimer(600*time.Millisecond, time.Second) {
		t.Error("timeout fired early")
	}
	r.UpdateDownloadProgress(1, 1, 1, 0)
	if r.TickTimeOutTimer(600*time.Millisecond, time.Second) {
		t.Error("progress did not reset the timeout")
	}
	if !r.TickTimeOutTimer(600*time.Millisecond, time.Second) {
		t.Error("timeout did not fire")
	}

	if r.TickStallTimer(500*time.Millisecond, time.Second) {
		t.Error("stall fired early")
	}
	if !r.TickStallTimer(500*time.Millisecond, time.Second) {
		t.Error("stall did not fire")
	}
}

func TestComplete_Once(t *testing.T) {
	var calls atomic.Int32
	r := NewRequest([]string{"A"}, WithCompletion(func(*Response) { calls.Add(1) }))

	r.Complete(NewResponse(StatusCreated, "/tmp/a"))
	r.Complete(NewResponse(StatusUnknown, ""))

	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed")
	}
	if calls.Load() != 1 {
		t.Errorf("completion calls = %d, want 1", calls.Load())
	}
	if resp := r.Response(); !resp.Succeeded() || resp.TempFilePath != "/tmp/a" {
		t.Errorf("Response = %+v, want the first one", resp)
	}
}
