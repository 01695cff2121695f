package download

import (
	"sync"
	"sync/atomic"

	"github.com/handiism/background-downloader/internal/platform"
)

// unassociatedPool holds provider tasks discovered at startup that no
// request has claimed yet, keyed by URL.
type unassociatedPool struct {
	mu        sync.Mutex
	tasks     map[string]platform.Task
	populated atomic.Bool
}

func newUnassociatedPool() *unassociatedPool {
	return &unassociatedPool{tasks: make(map[string]platform.Task)}
}

// populate stores every enumerated task that still has work to do.
func (p *unassociatedPool) populate(tasks []platform.Task) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tasks {
		if t == nil || t.URL() == "" {
			continue
		}
		switch t.State() {
		case platform.StateRunning, platform.StateSuspended:
			p.tasks[t.URL()] = t
		}
	}
	p.populated.Store(true)
	return len(p.tasks)
}

// take removes and returns the task pooled under url.
func (p *unassociatedPool) take(url string) (platform.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[url]
	if ok {
		delete(p.tasks, url)
	}
	return t, ok
}

func (p *unassociatedPool) snapshot() []platform.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]platform.Task, 0, len(p.tasks))
	for url, t := range p.tasks {
		if t.State() == platform.StateCompleted {
			delete(p.tasks, url)
			continue
		}
		out = append(out, t)
	}
	return out
}

func (p *unassociatedPool) suspendAll() {
	for _, t := range p.snapshot() {
		if t.State() == platform.StateRunning {
			t.Suspend()
		}
	}
}

func (p *unassociatedPool) resumeAll() {
	for _, t := range p.snapshot() {
		if t.State() == platform.StateSuspended {
			t.Resume()
		}
	}
}

func (p *unassociatedPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}
