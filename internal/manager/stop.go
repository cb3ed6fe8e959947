package manager

import (
	"time"

	"github.com/tracelane/tracelane/internal/metrics"
	"github.com/tracelane/tracelane/internal/run"
)

// StopRun requests termination of a running run: graceful signal to the
// process group, a grace period, then a forceful kill and a second wait.
// The drain worker still performs the terminal transition; this call only
// signals and waits for it. Once terminal, the call is a no-op.
func (m *Manager) StopRun(id string) (run.Descriptor, error) {
	pid, transitioned, err := m.reg.RequestStop(id)
	if err != nil {
		return run.Descriptor{}, err
	}
	if !transitioned {
		// Already terminal, or a created managed run with nothing to signal.
		return m.reg.Descriptor(id)
	}
	metrics.IncStopRequest(profilerOf(m, id))
	m.log.Info("stop requested", "run_id", id, "pid", pid)

	h := m.handle(id)
	if h == nil {
		// Managed run: the external owner stops the process and reports the
		// result through MarkManagedRunFinished. stop_requested is recorded
		// so that exit classifies as stopped.
		return m.reg.Descriptor(id)
	}

	terminateGroup(pid)
	select {
	case <-h.done:
	case <-time.After(m.stopGrace):
		killGroup(pid)
		select {
		case <-h.done:
		case <-time.After(m.stopGrace):
			// The forceful kill failing to reap within its own window has no
			// further escalation; the drain worker will still finalize when
			// the kernel releases the process.
			m.log.Error("run did not exit after kill", "run_id", id, "pid", pid)
		}
	}
	m.dropHandle(id)
	return m.reg.Descriptor(id)
}
