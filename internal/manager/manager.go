// Package manager supervises profiler runs: it launches profiler processes,
// drains their output, applies the lifecycle state machine, and serves
// timeline extraction for the artifacts they leave behind.
package manager

import (
	"errors"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/tracelane/tracelane/internal/config"
	"github.com/tracelane/tracelane/internal/history"
	"github.com/tracelane/tracelane/internal/registry"
	"github.com/tracelane/tracelane/internal/run"
)

var (
	ErrInvalidCommand    = errors.New("invalid target command")
	ErrPathEscape        = errors.New("working directory escapes workspace root")
	ErrDirectoryNotFound = errors.New("working directory not found")
)

// ErrRunNotFound is re-exported so callers match one package.
var ErrRunNotFound = registry.ErrRunNotFound

// JobLinker records the run id on an externally owned job record. The job
// store itself lives outside this subsystem.
type JobLinker interface {
	LinkRun(jobID, runID string) error
}

// procHandle tracks the live process of a manual run. done is closed by the
// drain worker after the exit transition has been applied.
type procHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Manager owns the run registry and every operation on it.
type Manager struct {
	root      string
	stopGrace time.Duration
	reg       *registry.Registry
	log       *slog.Logger

	hist history.Sink
	jobs JobLinker

	hmu     sync.Mutex
	handles map[string]*procHandle
}

// New builds a Manager rooted at cfg.Root. The root must resolve to local
// storage; remote roots are rejected outright.
func New(cfg config.Config, log *slog.Logger) (*Manager, error) {
	root, err := config.ResolveRoot(cfg.Root)
	if err != nil {
		return nil, err
	}
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		root:      root,
		stopGrace: grace,
		reg:       registry.New(),
		log:       log,
		handles:   make(map[string]*procHandle),
	}, nil
}

// Root returns the resolved workspace root.
func (m *Manager) Root() string { return m.root }

// SetHistorySink configures the optional terminal-run audit sink.
func (m *Manager) SetHistorySink(s history.Sink) { m.hist = s }

// SetJobLinker configures the external job metadata hook.
func (m *Manager) SetJobLinker(j JobLinker) { m.jobs = j }

// GetRun returns the public descriptor for one run.
func (m *Manager) GetRun(id string) (run.Descriptor, error) {
	return m.reg.Descriptor(id)
}

// ListRuns returns descriptors most recently created first.
func (m *Manager) ListRuns(limit int) []run.Descriptor {
	return m.reg.List(limit)
}

func (m *Manager) putHandle(id string, h *procHandle) {
	m.hmu.Lock()
	m.handles[id] = h
	m.hmu.Unlock()
}

func (m *Manager) handle(id string) *procHandle {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	return m.handles[id]
}

func (m *Manager) dropHandle(id string) {
	m.hmu.Lock()
	delete(m.handles, id)
	m.hmu.Unlock()
}

// recordHistory persists a terminal run to the audit sink, best-effort.
func (m *Manager) recordHistory(id string) {
	if m.hist == nil {
		return
	}
	d, err := m.reg.Descriptor(id)
	if err != nil {
		return
	}
	if err := m.hist.RecordFinished(history.Record{
		RunID:       d.ID,
		Profiler:    string(d.Profiler),
		Status:      string(d.Status),
		Source:      string(d.Source),
		ReturnCode:  d.ReturnCode,
		CreatedAt:   d.CreatedAt,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
	}); err != nil {
		m.log.Warn("history record failed", "run_id", id, "error", err)
	}
}
