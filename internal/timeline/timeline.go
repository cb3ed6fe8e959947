// Package timeline turns whatever a profiler run left behind (an nsys
// SQLite export, CSV traces, or nothing but lifecycle state and log lines)
// into one normalized lane/event representation.
package timeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidBudget     = errors.New("timeline budget out of range")
	ErrMissingExportTool = errors.New("nsys executable not available for export")
	ErrNoTimelineData    = errors.New("no timeline data in export")
)

// Budget bounds on lanes and total events across all lanes.
const (
	MinLanes  = 1
	MaxLanes  = 32
	MinEvents = 100
	MaxEvents = 10000
)

// Budget caps the size of an extracted timeline.
type Budget struct {
	Lanes  int
	Events int
}

func (b Budget) Validate() error {
	if b.Lanes < MinLanes || b.Lanes > MaxLanes {
		return fmt.Errorf("%w: lanes %d not in [%d,%d]", ErrInvalidBudget, b.Lanes, MinLanes, MaxLanes)
	}
	if b.Events < MinEvents || b.Events > MaxEvents {
		return fmt.Errorf("%w: events %d not in [%d,%d]", ErrInvalidBudget, b.Events, MinEvents, MaxEvents)
	}
	return nil
}

// Event is a single timeline entry. Offsets and durations are milliseconds
// relative to the timeline origin.
type Event struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	StartMs    float64 `json:"start_ms"`
	DurationMs float64 `json:"duration_ms"`
}

// Lane is one named stream of events.
type Lane struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Events []Event `json:"events"`
}

// Timeline is the normalized extraction result.
type Timeline struct {
	Source  string  `json:"source"`
	Unit    string  `json:"unit"`
	RangeMs float64 `json:"range_ms"`
	Lanes   []Lane  `json:"lanes"`
}

// RunInfo is the slice of run state extraction needs, decoupled from the
// registry record so extractors read plain data outside any lock.
type RunInfo struct {
	ID          string
	Profiler    string
	Status      string
	Source      string
	RunDir      string
	OutputPath  string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LogTail     []string
}

// Window returns the run's observed duration: start (or creation) to
// completion (or now for a still-active run).
func (ri RunInfo) Window() (time.Time, time.Time) {
	start := ri.CreatedAt
	if ri.StartedAt != nil {
		start = *ri.StartedAt
	}
	end := time.Now()
	if ri.CompletedAt != nil {
		end = *ri.CompletedAt
	}
	if end.Before(start) {
		end = start
	}
	return start, end
}
