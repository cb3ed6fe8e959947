package run

import (
	"time"

	"github.com/tracelane/tracelane/internal/catalog"
)

// Status is the lifecycle state of a profiler run.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether s is absorbing: once a run reaches a terminal
// status it is never transitioned again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Source distinguishes runs whose process this package owns from runs whose
// process is started and stopped by an external caller.
type Source string

const (
	SourceManual  Source = "manual"
	SourceManaged Source = "managed"
)

// LastLineCap bounds the in-memory tail of captured log lines per run.
const LastLineCap = 400

// signalExitCodes are exit codes treated as a deliberate termination rather
// than a failure: negative values for raw signals (SIGTERM, SIGKILL) and the
// 128+N shell conventions plus 130 for Ctrl-C.
var signalExitCodes = map[int]struct{}{
	-15: {}, -9: {}, 130: {}, 137: {}, 143: {},
}

// SignalExit reports whether code is in the signal-like exit code set.
func SignalExit(code int) bool {
	_, ok := signalExitCodes[code]
	return ok
}

// Classify maps a process exit code to a terminal status. An explicit stop
// request always wins; otherwise 0 completes, a signal-like code stops, and
// anything else fails.
func Classify(code int, stopRequested bool) Status {
	switch {
	case stopRequested || SignalExit(code):
		return StatusStopped
	case code == 0:
		return StatusCompleted
	default:
		return StatusFailed
	}
}

// Run is one profiler invocation tracked by the registry. All fields are
// read and written only while holding the registry lock; Descriptor builds
// the immutable view handed to callers.
type Run struct {
	ID       string
	Name     string
	Profiler catalog.Profiler
	Status   Status
	Command  []string

	RunDir     string
	WorkDir    string
	LogPath    string
	OutputPath string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	PID           int
	ReturnCode    *int
	Error         string
	StopRequested bool

	Source Source
	JobID  string

	LastLines *LineRing
}

// Descriptor is the public, JSON-ready snapshot of a run.
type Descriptor struct {
	ID         string           `json:"run_id"`
	Name       string           `json:"name,omitempty"`
	Profiler   catalog.Profiler `json:"profiler_id"`
	Status     Status           `json:"status"`
	Command    []string         `json:"command"`
	RunDir     string           `json:"run_directory"`
	WorkDir    string           `json:"working_directory,omitempty"`
	LogPath    string           `json:"log_path"`
	OutputPath string           `json:"output_path"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	PID           int      `json:"pid,omitempty"`
	ReturnCode    *int     `json:"return_code,omitempty"`
	Error         string   `json:"error,omitempty"`
	StopRequested bool     `json:"stop_requested"`
	Source        Source   `json:"source"`
	JobID         string   `json:"associated_job_id,omitempty"`
	LastLines     []string `json:"last_lines"`
}

// Descriptor snapshots r. The stored status is reported as-is except for one
// read-path correction: a run recorded as failed whose return code is in the
// signal-like set is presented as stopped. The stored value is not mutated.
func (r *Run) Descriptor() Descriptor {
	st := r.Status
	if st == StatusFailed && r.ReturnCode != nil && SignalExit(*r.ReturnCode) {
		st = StatusStopped
	}
	d := Descriptor{
		ID:            r.ID,
		Name:          r.Name,
		Profiler:      r.Profiler,
		Status:        st,
		Command:       append([]string(nil), r.Command...),
		RunDir:        r.RunDir,
		WorkDir:       r.WorkDir,
		LogPath:       r.LogPath,
		OutputPath:    r.OutputPath,
		CreatedAt:     r.CreatedAt,
		PID:           r.PID,
		Error:         r.Error,
		StopRequested: r.StopRequested,
		Source:        r.Source,
		JobID:         r.JobID,
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		d.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		d.CompletedAt = &t
	}
	if r.ReturnCode != nil {
		c := *r.ReturnCode
		d.ReturnCode = &c
	}
	if r.LastLines != nil {
		d.LastLines = r.LastLines.Lines()
	} else {
		d.LastLines = []string{}
	}
	return d
}
