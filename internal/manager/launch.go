package manager

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/tracelane/tracelane/internal/catalog"
	"github.com/tracelane/tracelane/internal/metrics"
	"github.com/tracelane/tracelane/internal/registry"
	"github.com/tracelane/tracelane/internal/run"
)

// LogFileName is the per-run combined output log inside the run directory.
const LogFileName = "run.log"

// outputBaseName is the extensionless artifact base handed to the profiler.
const outputBaseName = "profile"

// StartRequest describes a manual run launch.
type StartRequest struct {
	Profiler  catalog.Profiler
	Command   string
	WorkDir   string
	ExtraArgs []string
	Name      string
}

// StartRun validates the request, allocates a run directory, starts the
// profiler process with its combined output captured, inserts the record
// with status running, and spawns the drain worker. Validation and spawn
// failures never create a record.
func (m *Manager) StartRun(req StartRequest) (run.Descriptor, error) {
	target, err := splitCommand(req.Command)
	if err != nil {
		return run.Descriptor{}, err
	}
	if err := catalog.ValidateArgs(target); err != nil {
		return run.Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := catalog.ValidateArgs(req.ExtraArgs); err != nil {
		return run.Descriptor{}, err
	}
	exe, err := catalog.Resolve(req.Profiler)
	if err != nil {
		return run.Descriptor{}, err
	}
	workDir, err := m.resolveWorkDir(req.WorkDir)
	if err != nil {
		return run.Descriptor{}, err
	}

	id := registry.NewID()
	runDir := filepath.Join(m.root, id)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return run.Descriptor{}, fmt.Errorf("create run directory: %w", err)
	}
	outputBase := filepath.Join(runDir, outputBaseName)
	argv := append(catalog.CommandPrefix(req.Profiler, exe, outputBase, req.ExtraArgs), target...)

	logPath := filepath.Join(runDir, LogFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return run.Descriptor{}, fmt.Errorf("create run log: %w", err)
	}

	// Combined output goes through one pipe so stdout and stderr interleave
	// in capture order.
	pr, pw, err := os.Pipe()
	if err != nil {
		_ = logFile.Close()
		return run.Descriptor{}, err
	}

	// ok: argv[0] is the resolved profiler executable, arguments are validated
	// #nosec G204
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		_ = logFile.Close()
		return run.Descriptor{}, fmt.Errorf("start profiler process: %w", err)
	}
	_ = pw.Close() // parent keeps only the read end

	now := time.Now()
	r := &run.Run{
		ID:         id,
		Name:       req.Name,
		Profiler:   req.Profiler,
		Status:     run.StatusRunning,
		Command:    argv,
		RunDir:     runDir,
		WorkDir:    workDir,
		LogPath:    logPath,
		OutputPath: catalog.OutputPath(req.Profiler, outputBase),
		CreatedAt:  now,
		StartedAt:  &now,
		PID:        cmd.Process.Pid,
		Source:     run.SourceManual,
		LastLines:  run.NewLineRing(run.LastLineCap),
	}
	m.reg.Add(r)
	h := &procHandle{cmd: cmd, done: make(chan struct{})}
	m.putHandle(id, h)
	metrics.IncRunStart(string(req.Profiler), string(run.SourceManual))
	m.log.Info("run started", "run_id", id, "profiler", req.Profiler, "pid", cmd.Process.Pid)

	go m.drain(id, pr, logFile, h)

	return m.reg.Descriptor(id)
}

// drain is the single reader of the run's combined output. It mirrors every
// line to the run log (written, not buffered, so each line lands on disk)
// and into the in-memory tail ring, then reaps the process and applies the
// exit transition exactly once.
func (m *Manager) drain(id string, pr *os.File, logFile *os.File, h *procHandle) {
	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		_, _ = logFile.WriteString(line + "\n")
		m.reg.AppendLine(id, line)
	}
	_ = pr.Close()
	_ = logFile.Close()

	err := h.cmd.Wait()
	code := exitCode(h.cmd, err)
	st, applied := m.reg.FinalizeExit(id, code, "")
	close(h.done)
	if applied {
		metrics.IncRunFinished(profilerOf(m, id), string(st))
		m.log.Info("run finished", "run_id", id, "status", st, "return_code", code)
		m.recordHistory(id)
	}
}

// splitCommand applies shell-word rules to the target command string.
func splitCommand(command string) ([]string, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	return argv, nil
}

// resolveWorkDir confines the requested working directory to the workspace
// root. Empty means the root itself.
func (m *Manager) resolveWorkDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return m.root, nil
	}
	abs := dir
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.root, dir)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, dir)
	}
	st, err := os.Stat(abs)
	if err != nil || !st.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrDirectoryNotFound, abs)
	}
	return abs, nil
}

func profilerOf(m *Manager, id string) string {
	if d, err := m.reg.Descriptor(id); err == nil {
		return string(d.Profiler)
	}
	return "unknown"
}
