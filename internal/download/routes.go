package download

import (
	"sync"
	"weak"

	"github.com/handiism/background-downloader/internal/model"
)

// routingTable maps a URL to the request that owns it. Entries hold weak
// references so the table never keeps a request alive.
type routingTable struct {
	mu      sync.RWMutex
	entries map[string]weak.Pointer[model.Request]
}

func newRoutingTable() *routingTable {
	return &routingTable{entries: make(map[string]weak.Pointer[model.Request])}
}

// register claims every URL of req. On the first URL owned by a different
// live request, all entries added for req are rolled back and the
// conflicting URL is returned.
func (t *routingTable) register(req *model.Request) (conflict string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, url := range req.URLs() {
		if found, exists := t.entries[url]; exists {
			if owner := found.Value(); owner != nil && owner != req {
				t.removeLocked(req)
				return url, false
			}
		}
		t.entries[url] = weak.Make(req)
	}
	return "", true
}

// remove drops every entry still owned by req.
func (t *routingTable) remove(req *model.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(req)
}

func (t *routingTable) removeLocked(req *model.Request) {
	for _, url := range req.URLs() {
		if found, exists := t.entries[url]; exists {
			if owner := found.Value(); owner == nil || owner == req {
				delete(t.entries, url)
			}
		}
	}
}

// lookup returns the live owner of url, or nil.
func (t *routingTable) lookup(url string) *model.Request {
	t.mu.RLock()
	defer t.mu.RUnlock()
	found, ok := t.entries[url]
	if !ok {
		return nil
	}
	return found.Value()
}

func (t *routingTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
