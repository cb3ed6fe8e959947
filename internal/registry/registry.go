package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tracelane/tracelane/internal/run"
)

var ErrRunNotFound = errors.New("run not found")

// Registry is the single source of truth for run state: a run-id → record
// map behind one mutex. Every read and write of any record happens under the
// lock; blocking operations (process wait, stream reads, stop timeouts) are
// the caller's business and must happen outside it.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*run.Run
}

func New() *Registry {
	return &Registry{runs: make(map[string]*run.Run)}
}

// NewID returns a fresh run identifier. ULIDs sort by creation time, which
// keeps recency ordering a plain string sort.
func NewID() string {
	return ulid.Make().String()
}

// Add inserts r. The id must not already be present.
func (g *Registry) Add(r *run.Run) {
	g.mu.Lock()
	g.runs[r.ID] = r
	g.mu.Unlock()
}

// Descriptor returns the public snapshot of one run.
func (g *Registry) Descriptor(id string) (run.Descriptor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[id]
	if !ok {
		return run.Descriptor{}, ErrRunNotFound
	}
	return r.Descriptor(), nil
}

// List returns descriptors most recently created first, truncated to limit
// when limit > 0.
func (g *Registry) List(limit int) []run.Descriptor {
	g.mu.Lock()
	out := make([]run.Descriptor, 0, len(g.runs))
	for _, r := range g.runs {
		out = append(out, r.Descriptor())
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Update applies fn to the run under the lock.
func (g *Registry) Update(id string, fn func(*run.Run)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	fn(r)
	return nil
}

// AppendLine feeds one captured log line into the run's tail ring.
// Unknown ids are ignored: the drain worker may outlive registry pruning.
func (g *Registry) AppendLine(id, line string) {
	g.mu.Lock()
	if r, ok := g.runs[id]; ok && r.LastLines != nil {
		r.LastLines.Append(line)
	}
	g.mu.Unlock()
}

// RequestStop marks the run stopping if it is still running and returns its
// pid. The bool result reports whether this call performed the transition;
// callers racing a natural exit use it to decide whether to signal.
func (g *Registry) RequestStop(id string) (pid int, transitioned bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[id]
	if !ok {
		return 0, false, ErrRunNotFound
	}
	if r.Status.Terminal() || r.Status == run.StatusCreated {
		return r.PID, false, nil
	}
	r.StopRequested = true
	if r.Status == run.StatusRunning {
		r.Status = run.StatusStopping
	}
	return r.PID, true, nil
}

// FinalizeExit applies the terminal classification for an observed exit
// code. The check-and-set is atomic under the lock: if the run is already
// terminal the call is a no-op and reports false, which is how the race
// between the drain worker and an explicit stop resolves to a single winner.
func (g *Registry) FinalizeExit(id string, code int, errMsg string) (run.Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[id]
	if !ok {
		return "", false
	}
	if r.Status.Terminal() {
		return r.Status, false
	}
	st := run.Classify(code, r.StopRequested)
	now := time.Now()
	r.Status = st
	r.ReturnCode = &code
	r.CompletedAt = &now
	if errMsg != "" {
		r.Error = errMsg
	}
	return st, true
}

// MarkStarted transitions a created managed run to running. Reports false
// for unknown ids or runs that already left the created state.
func (g *Registry) MarkStarted(id string, pid int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runs[id]
	if !ok || r.Status != run.StatusCreated {
		return false
	}
	now := time.Now()
	r.Status = run.StatusRunning
	r.PID = pid
	r.StartedAt = &now
	return true
}

// Snapshot returns a deep copy of the record for use outside the lock
// (timeline extraction reads directories and log tails at leisure).
func (g *Registry) Snapshot(id string) (run.Descriptor, error) {
	return g.Descriptor(id)
}

// Len reports the number of tracked runs.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runs)
}
