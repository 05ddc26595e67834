package pipeline

import "sync"

// registry retains recent run reports for the status query surface.
// Reports handed out are copies; the executing run keeps mutating its own.
type registry struct {
	mu    sync.RWMutex
	max   int
	byID  map[string]*Report
	order []string
}

func newRegistry(max int) *registry {
	return &registry{max: max, byID: make(map[string]*Report)}
}

// put stores a snapshot of the report, evicting the oldest run beyond the
// retention cap.
func (r *registry) put(rep *Report) {
	snap := snapshot(rep)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.byID[rep.RunID]; !known {
		r.order = append(r.order, rep.RunID)
		if len(r.order) > r.max {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.byID, oldest)
		}
	}
	r.byID[rep.RunID] = snap
}

func (r *registry) get(runID string) (*Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.byID[runID]
	if !ok {
		return nil, false
	}
	return snapshot(rep), true
}

// list returns retained runs, newest first.
func (r *registry) list() []*Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Report, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, snapshot(r.byID[r.order[i]]))
	}
	return out
}

func snapshot(rep *Report) *Report {
	cp := *rep
	cp.Tasks = make([]TaskReport, len(rep.Tasks))
	copy(cp.Tasks, rep.Tasks)
	return &cp
}
