// Package tracelane manages profiler runs: it launches GPU/CPU profiling
// tools (nsys, ncu, nvprof, rocprof, rocprofv2) against target commands,
// tracks each invocation through a lifecycle state machine, captures log
// output, and extracts normalized lane/event timelines from whatever trace
// artifacts the tools produce.
package tracelane

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tracelane/tracelane/internal/catalog"
	cfg "github.com/tracelane/tracelane/internal/config"
	"github.com/tracelane/tracelane/internal/history"
	"github.com/tracelane/tracelane/internal/manager"
	"github.com/tracelane/tracelane/internal/metrics"
	"github.com/tracelane/tracelane/internal/run"
	"github.com/tracelane/tracelane/internal/timeline"
)

// Re-export core types for external consumers. Aliases, so conversions are
// zero-cost.

type Profiler = catalog.Profiler

const (
	Nsys      = catalog.Nsys
	Ncu       = catalog.Ncu
	Nvprof    = catalog.Nvprof
	Rocprof   = catalog.Rocprof
	Rocprofv2 = catalog.Rocprofv2
)

type Config = cfg.Config

type RunDescriptor = run.Descriptor

type StartRequest = manager.StartRequest

type ManagedRequest = manager.ManagedRequest

type ManagedRun = manager.ManagedRun

type Timeline = timeline.Timeline

type HistorySink = history.Sink

// Manager is a thin facade over internal/manager.Manager providing a stable
// public API for embedding.
type Manager struct{ inner *manager.Manager }

func New(c Config, log *slog.Logger) (*Manager, error) {
	m, err := manager.New(c, log)
	if err != nil {
		return nil, err
	}
	return &Manager{inner: m}, nil
}

func DefaultConfig() Config { return cfg.Default() }

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// RegisterMetrics registers the package collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func (m *Manager) StartRun(req StartRequest) (RunDescriptor, error) { return m.inner.StartRun(req) }
func (m *Manager) GetRun(id string) (RunDescriptor, error)          { return m.inner.GetRun(id) }
func (m *Manager) ListRuns(limit int) []RunDescriptor               { return m.inner.ListRuns(limit) }
func (m *Manager) StopRun(id string) (RunDescriptor, error)         { return m.inner.StopRun(id) }
func (m *Manager) GetTimeline(ctx context.Context, id string, maxLanes, maxEvents int) (Timeline, error) {
	return m.inner.GetTimeline(ctx, id, maxLanes, maxEvents)
}
func (m *Manager) PrepareManagedRun(req ManagedRequest) (ManagedRun, error) {
	return m.inner.PrepareManagedRun(req)
}
func (m *Manager) MarkManagedRunStarted(id string, pid int) {
	m.inner.MarkManagedRunStarted(id, pid)
}
func (m *Manager) MarkManagedRunFinished(id string, returnCode int, errMsg string) {
	m.inner.MarkManagedRunFinished(id, returnCode, errMsg)
}
func (m *Manager) SetHistorySink(s HistorySink)            { m.inner.SetHistorySink(s) }
func (m *Manager) SetJobLinker(j manager.JobLinker)        { m.inner.SetJobLinker(j) }
func (m *Manager) Root() string                            { return m.inner.Root() }
func (m *Manager) Internal() *manager.Manager              { return m.inner }
func NewHistorySink(path string) (HistorySink, error)      { return history.New(path) }
func SupportedProfilers() []Profiler                       { return catalog.Supported() }
