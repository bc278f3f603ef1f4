package coordinator

import (
	"sync"

	"github.com/flownet-io/go-flownet/engine"
)

// caseHandle serializes all work on one case.
type caseHandle struct {
	mu sync.Mutex
	c  *engine.Case
}

type caseTable struct {
	mu      sync.RWMutex
	handles map[string]*caseHandle
}

func newCaseTable() *caseTable {
	return &caseTable{handles: make(map[string]*caseHandle)}
}

func (t *caseTable) get(caseID string) *caseHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handles[caseID]
}

// put registers a fully built case. The handle is only discoverable once
// its state exists, so callers never observe a half-launched case.
func (t *caseTable) put(c *engine.Case) *caseHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := &caseHandle{c: c}
	t.handles[c.ID] = h
	return h
}

func (t *caseTable) ids() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handles))
	for id := range t.handles {
		out = append(out, id)
	}
	return out
}
