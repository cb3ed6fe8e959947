package manager

import (
	"context"
	"errors"

	"github.com/tracelane/tracelane/internal/catalog"
	"github.com/tracelane/tracelane/internal/metrics"
	"github.com/tracelane/tracelane/internal/run"
	"github.com/tracelane/tracelane/internal/timeline"
)

// GetTimeline extracts a normalized timeline for the run within the given
// budgets. nsys runs go through the SQLite-export extractor; any failure on
// that path falls back to the generic extractor explicitly — a timeline is
// always producible, degraded if necessary.
func (m *Manager) GetTimeline(ctx context.Context, id string, maxLanes, maxEvents int) (timeline.Timeline, error) {
	b := timeline.Budget{Lanes: maxLanes, Events: maxEvents}
	if err := b.Validate(); err != nil {
		return timeline.Timeline{}, err
	}
	d, err := m.reg.Snapshot(id)
	if err != nil {
		return timeline.Timeline{}, err
	}
	info := runInfo(d)

	if d.Profiler == catalog.Nsys {
		tl, cached, nerr := timeline.ExtractNsys(ctx, info, b)
		switch {
		case nerr == nil:
			if cached {
				metrics.IncTimelineCacheHit()
			}
			metrics.IncTimeline("nsys-sqlite")
			return tl, nil
		case errors.Is(nerr, timeline.ErrMissingExportTool),
			errors.Is(nerr, timeline.ErrNoTimelineData):
			m.log.Debug("nsys extraction degraded to generic", "run_id", id, "reason", nerr)
		default:
			m.log.Debug("nsys extraction failed, using generic", "run_id", id, "error", nerr)
		}
	}

	tl := timeline.Generic(info, b)
	metrics.IncTimeline("generic")
	return tl, nil
}

func runInfo(d run.Descriptor) timeline.RunInfo {
	return timeline.RunInfo{
		ID:          d.ID,
		Profiler:    string(d.Profiler),
		Status:      string(d.Status),
		Source:      string(d.Source),
		RunDir:      d.RunDir,
		OutputPath:  d.OutputPath,
		CreatedAt:   d.CreatedAt,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
		LogTail:     d.LastLines,
	}
}
