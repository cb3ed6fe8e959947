package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tracelane/tracelane/internal/catalog"
	"github.com/tracelane/tracelane/internal/metrics"
	"github.com/tracelane/tracelane/internal/registry"
	"github.com/tracelane/tracelane/internal/run"
)

// ManagedRequest prepares a run whose process an external caller owns.
type ManagedRequest struct {
	BaseCommand string
	Profiler    catalog.Profiler
	Name        string
	ExtraArgs   []string
	JobID       string
}

// ManagedRun is what the external caller needs to launch the profiler
// itself: the full command line and the tracked record.
type ManagedRun struct {
	RunID       string         `json:"run_id"`
	FullCommand []string       `json:"full_command"`
	Run         run.Descriptor `json:"run"`
}

// PrepareManagedRun validates like StartRun, allocates the run directory and
// output path, and builds the command the caller should execute, without
// executing it. The record starts in the created state.
func (m *Manager) PrepareManagedRun(req ManagedRequest) (ManagedRun, error) {
	base, err := splitCommand(req.BaseCommand)
	if err != nil {
		return ManagedRun{}, err
	}
	if err := catalog.ValidateArgs(req.ExtraArgs); err != nil {
		return ManagedRun{}, err
	}
	exe, err := catalog.Resolve(req.Profiler)
	if err != nil {
		return ManagedRun{}, err
	}

	id := registry.NewID()
	runDir := filepath.Join(m.root, id)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return ManagedRun{}, fmt.Errorf("create run directory: %w", err)
	}
	outputBase := filepath.Join(runDir, outputBaseName)
	argv := append(catalog.CommandPrefix(req.Profiler, exe, outputBase, req.ExtraArgs), base...)

	r := &run.Run{
		ID:         id,
		Name:       req.Name,
		Profiler:   req.Profiler,
		Status:     run.StatusCreated,
		Command:    argv,
		RunDir:     runDir,
		LogPath:    filepath.Join(runDir, LogFileName),
		OutputPath: catalog.OutputPath(req.Profiler, outputBase),
		CreatedAt:  time.Now(),
		Source:     run.SourceManaged,
		JobID:      req.JobID,
		LastLines:  run.NewLineRing(run.LastLineCap),
	}
	m.reg.Add(r)
	m.log.Info("managed run prepared", "run_id", id, "profiler", req.Profiler, "job_id", req.JobID)

	if req.JobID != "" && m.jobs != nil {
		if err := m.jobs.LinkRun(req.JobID, id); err != nil {
			m.log.Warn("job link failed", "run_id", id, "job_id", req.JobID, "error", err)
		}
	}

	d, err := m.reg.Descriptor(id)
	if err != nil {
		return ManagedRun{}, err
	}
	return ManagedRun{RunID: id, FullCommand: argv, Run: d}, nil
}

// MarkManagedRunStarted transitions a created managed run to running.
// Fire-and-forget: unknown ids and repeated calls are no-ops.
func (m *Manager) MarkManagedRunStarted(id string, pid int) {
	if !m.reg.MarkStarted(id, pid) {
		return
	}
	metrics.IncRunStart(profilerOf(m, id), string(run.SourceManaged))
	m.log.Info("managed run started", "run_id", id, "pid", pid)
}

// MarkManagedRunFinished applies the terminal classification an external
// owner reports. Idempotent against already-terminal runs; unknown ids are
// ignored.
func (m *Manager) MarkManagedRunFinished(id string, returnCode int, errMsg string) {
	wasActive := false
	if d, err := m.reg.Descriptor(id); err == nil {
		wasActive = d.Status == run.StatusRunning || d.Status == run.StatusStopping
	}
	st, applied := m.reg.FinalizeExit(id, returnCode, errMsg)
	if !applied {
		return
	}
	if wasActive {
		metrics.IncRunFinished(profilerOf(m, id), string(st))
	}
	m.log.Info("managed run finished", "run_id", id, "status", st, "return_code", returnCode)
	m.recordHistory(id)
}
