//go:build !windows

package manager

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tracelane/tracelane/internal/catalog"
	"github.com/tracelane/tracelane/internal/config"
	"github.com/tracelane/tracelane/internal/history"
	"github.com/tracelane/tracelane/internal/run"
)

// fakeProfilers installs stub executables for every supported profiler that
// skip their own flags through the output option and exec the target command.
func fakeProfilers(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	script := `#!/bin/sh
while [ $# -gt 0 ]; do
  a="$1"; shift
  if [ "$a" = "-o" ] || [ "$a" = "-d" ]; then shift; break; fi
done
exec "$@"
`
	for _, p := range catalog.Supported() {
		if err := os.WriteFile(filepath.Join(dir, string(p)), []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newTestManager(t *testing.T, grace time.Duration) *Manager {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := New(config.Config{Root: t.TempDir(), StopGrace: grace}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func waitTerminal(t *testing.T, m *Manager, id string) run.Descriptor {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		d, err := m.GetRun(id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if d.Status.Terminal() {
			return d
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state", id)
	return run.Descriptor{}
}

func hasLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestStartRunCompletes(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)

	d, err := m.StartRun(StartRequest{Profiler: catalog.Rocprof, Command: "echo hello"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if d.Status != run.StatusRunning || d.PID == 0 || d.StartedAt == nil {
		t.Fatalf("initial descriptor: %+v", d)
	}
	if d.Source != run.SourceManual {
		t.Fatalf("source = %q", d.Source)
	}

	d = waitTerminal(t, m, d.ID)
	if d.Status != run.StatusCompleted {
		t.Fatalf("status = %q, error = %q", d.Status, d.Error)
	}
	if d.ReturnCode == nil || *d.ReturnCode != 0 {
		t.Fatalf("return code = %v", d.ReturnCode)
	}
	if d.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if !hasLine(d.LastLines, "hello") {
		t.Fatalf("tail missing output: %v", d.LastLines)
	}
	data, err := os.ReadFile(d.LogPath)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(data), "hello\n") {
		t.Fatalf("run log missing output: %q", data)
	}
	if filepath.Dir(d.RunDir) != m.Root() {
		t.Fatalf("run dir %q not under root %q", d.RunDir, m.Root())
	}
}

func TestStartRunCapturesBothStreams(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)

	d, err := m.StartRun(StartRequest{
		Profiler: catalog.Rocprof,
		Command:  `sh -c 'echo to-stdout; echo to-stderr 1>&2'`,
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	d = waitTerminal(t, m, d.ID)
	if !hasLine(d.LastLines, "to-stdout") || !hasLine(d.LastLines, "to-stderr") {
		t.Fatalf("tail missing a stream: %v", d.LastLines)
	}
}

func TestStartRunValidationCreatesNoRecord(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)

	cases := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"shell operator", StartRequest{Profiler: catalog.Rocprof, Command: "echo hi && rm -rf ."}, ErrInvalidCommand},
		{"empty command", StartRequest{Profiler: catalog.Rocprof, Command: "   "}, ErrInvalidCommand},
		{"unsafe extra arg", StartRequest{Profiler: catalog.Rocprof, Command: "echo hi", ExtraArgs: []string{">"}}, catalog.ErrUnsafeArgument},
		{"unknown profiler", StartRequest{Profiler: "perf", Command: "echo hi"}, catalog.ErrUnsupportedProfiler},
		{"escaping workdir", StartRequest{Profiler: catalog.Rocprof, Command: "echo hi", WorkDir: "../elsewhere"}, ErrPathEscape},
		{"missing workdir", StartRequest{Profiler: catalog.Rocprof, Command: "echo hi", WorkDir: "nope"}, ErrDirectoryNotFound},
	}
	for _, tc := range cases {
		if _, err := m.StartRun(tc.req); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	if got := m.ListRuns(0); len(got) != 0 {
		t.Fatalf("rejected requests left records: %+v", got)
	}
}

func TestStartRunMissingExecutable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	m := newTestManager(t, 2*time.Second)
	_, err := m.StartRun(StartRequest{Profiler: catalog.Nsys, Command: "echo hi"})
	if !errors.Is(err, catalog.ErrExecutableNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartRunRelativeWorkDir(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)
	sub := filepath.Join(m.Root(), "workspace")
	if err := os.MkdirAll(sub, 0o750); err != nil {
		t.Fatal(err)
	}
	d, err := m.StartRun(StartRequest{Profiler: catalog.Rocprof, Command: "true", WorkDir: "workspace"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if d.WorkDir != sub {
		t.Fatalf("workdir = %q, want %q", d.WorkDir, sub)
	}
	if d = waitTerminal(t, m, d.ID); d.Status != run.StatusCompleted {
		t.Fatalf("status = %q", d.Status)
	}
}

func TestStopRunGraceful(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 5*time.Second)

	d, err := m.StartRun(StartRequest{Profiler: catalog.Rocprof, Command: "sleep 30"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	start := time.Now()
	d, err = m.StopRun(d.ID)
	if err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("graceful stop took %v", elapsed)
	}
	if d.Status != run.StatusStopped {
		t.Fatalf("status = %q", d.Status)
	}
	if !d.StopRequested {
		t.Fatal("stop_requested not recorded")
	}
	if d.ReturnCode == nil || !run.SignalExit(*d.ReturnCode) {
		t.Fatalf("return code = %v, want a signal-like code", d.ReturnCode)
	}
}

func TestStopRunForcefulAfterGrace(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 300*time.Millisecond)

	d, err := m.StartRun(StartRequest{
		Profiler: catalog.Rocprof,
		Command:  `sh -c 'trap "" TERM; while :; do sleep 1; done'`,
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	// Give the shell a moment to install its trap.
	time.Sleep(200 * time.Millisecond)
	d, err = m.StopRun(d.ID)
	if err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if d.Status != run.StatusStopped {
		t.Fatalf("status = %q", d.Status)
	}
	if d.ReturnCode == nil || *d.ReturnCode != -int(syscall.SIGKILL) {
		t.Fatalf("return code = %v, want %d", d.ReturnCode, -int(syscall.SIGKILL))
	}
}

func TestStopRunTerminalIsNoOp(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)

	d, err := m.StartRun(StartRequest{Profiler: catalog.Rocprof, Command: "echo done"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	d = waitTerminal(t, m, d.ID)
	completed := *d.CompletedAt

	d2, err := m.StopRun(d.ID)
	if err != nil {
		t.Fatalf("StopRun on terminal run: %v", err)
	}
	if d2.Status != run.StatusCompleted || !d2.CompletedAt.Equal(completed) {
		t.Fatalf("terminal run mutated by stop: %+v", d2)
	}
	if d2.StopRequested {
		t.Fatal("stop_requested set on a terminal run")
	}
}

func TestStopRunUnknown(t *testing.T) {
	m := newTestManager(t, 2*time.Second)
	if _, err := m.StopRun("no-such-run"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestExternalKillPresentsAsStopped(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)

	d, err := m.StartRun(StartRequest{Profiler: catalog.Rocprof, Command: "sleep 30"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := syscall.Kill(-d.PID, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	d = waitTerminal(t, m, d.ID)
	if d.Status != run.StatusStopped {
		t.Fatalf("status = %q, want stopped", d.Status)
	}
	if d.StopRequested {
		t.Fatal("no stop was requested through the manager")
	}
}

func TestRunNonZeroExitFails(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)

	d, err := m.StartRun(StartRequest{Profiler: catalog.Ncu, Command: `sh -c 'exit 3'`})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	d = waitTerminal(t, m, d.ID)
	if d.Status != run.StatusFailed {
		t.Fatalf("status = %q", d.Status)
	}
	if d.ReturnCode == nil || *d.ReturnCode != 3 {
		t.Fatalf("return code = %v", d.ReturnCode)
	}
}

type memLinker struct {
	mu    sync.Mutex
	links map[string]string
}

func (l *memLinker) LinkRun(jobID, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.links == nil {
		l.links = make(map[string]string)
	}
	l.links[jobID] = runID
	return nil
}

func TestManagedRunLifecycle(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)
	linker := &memLinker{}
	m.SetJobLinker(linker)

	mr, err := m.PrepareManagedRun(ManagedRequest{
		BaseCommand: "python train.py --epochs 2",
		Profiler:    catalog.Nsys,
		JobID:       "job-7",
	})
	if err != nil {
		t.Fatalf("PrepareManagedRun: %v", err)
	}
	if mr.Run.Status != run.StatusCreated || mr.Run.Source != run.SourceManaged {
		t.Fatalf("prepared descriptor: %+v", mr.Run)
	}
	if mr.Run.JobID != "job-7" {
		t.Fatalf("job id = %q", mr.Run.JobID)
	}
	if linker.links["job-7"] != mr.RunID {
		t.Fatalf("linker not called: %+v", linker.links)
	}
	if got := strings.Join(mr.FullCommand[len(mr.FullCommand)-4:], " "); got != "python train.py --epochs 2" {
		t.Fatalf("command tail = %q", got)
	}
	if st, err := os.Stat(mr.Run.RunDir); err != nil || !st.IsDir() {
		t.Fatalf("run directory not created: %v", err)
	}

	// Stop on a created run has nothing to signal and changes nothing.
	if d, err := m.StopRun(mr.RunID); err != nil || d.Status != run.StatusCreated {
		t.Fatalf("stop on created run: %+v err=%v", d, err)
	}

	m.MarkManagedRunStarted(mr.RunID, 4242)
	d, err := m.GetRun(mr.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != run.StatusRunning || d.PID != 4242 || d.StartedAt == nil {
		t.Fatalf("after start: %+v", d)
	}

	// A repeated start report must not reset anything.
	m.MarkManagedRunStarted(mr.RunID, 9999)
	if d, _ = m.GetRun(mr.RunID); d.PID != 4242 {
		t.Fatalf("pid rewritten to %d", d.PID)
	}

	m.MarkManagedRunFinished(mr.RunID, 0, "")
	d, _ = m.GetRun(mr.RunID)
	if d.Status != run.StatusCompleted || d.ReturnCode == nil || *d.ReturnCode != 0 {
		t.Fatalf("after finish: %+v", d)
	}

	// Terminal states absorb later reports.
	m.MarkManagedRunFinished(mr.RunID, 5, "late")
	d, _ = m.GetRun(mr.RunID)
	if d.Status != run.StatusCompleted || *d.ReturnCode != 0 || d.Error != "" {
		t.Fatalf("terminal state mutated: %+v", d)
	}
}

func TestManagedRunSignalCodePresentsAsStopped(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)

	mr, err := m.PrepareManagedRun(ManagedRequest{BaseCommand: "python train.py", Profiler: catalog.Rocprofv2})
	if err != nil {
		t.Fatalf("PrepareManagedRun: %v", err)
	}
	m.MarkManagedRunStarted(mr.RunID, 100)
	m.MarkManagedRunFinished(mr.RunID, 137, "")

	d, err := m.GetRun(mr.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != run.StatusStopped {
		t.Fatalf("status = %q, want stopped", d.Status)
	}
}

func TestManagedRunStopThenFinish(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)

	mr, err := m.PrepareManagedRun(ManagedRequest{BaseCommand: "python train.py", Profiler: catalog.Nvprof})
	if err != nil {
		t.Fatalf("PrepareManagedRun: %v", err)
	}
	m.MarkManagedRunStarted(mr.RunID, 100)

	d, err := m.StopRun(mr.RunID)
	if err != nil {
		t.Fatalf("StopRun: %v", err)
	}
	if d.Status != run.StatusStopping || !d.StopRequested {
		t.Fatalf("after stop request: %+v", d)
	}

	m.MarkManagedRunFinished(mr.RunID, 143, "")
	d, _ = m.GetRun(mr.RunID)
	if d.Status != run.StatusStopped || !d.StopRequested {
		t.Fatalf("after finish: %+v", d)
	}
}

func TestTerminalRunRecordedToHistory(t *testing.T) {
	fakeProfilers(t)
	m := newTestManager(t, 2*time.Second)
	sink, err := history.New(":memory:")
	if err != nil {
		t.Fatalf("history.New: %v", err)
	}
	defer func() { _ = sink.Close() }()
	m.SetHistorySink(sink)

	d, err := m.StartRun(StartRequest{Profiler: catalog.Rocprof, Command: "echo recorded"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitTerminal(t, m, d.ID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := sink.Query(10)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].RunID != d.ID || recs[0].Status != string(run.StatusCompleted) {
				t.Fatalf("record = %+v", recs[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("history record never arrived")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
