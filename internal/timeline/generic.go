package timeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const maxLabelLen = 120

// Generic builds a timeline without any format-specific knowledge: a
// lifecycle lane is always present, CSV artifacts found near the run are
// promoted to lanes where their headers expose usable time columns, and any
// leftover budget is spent on a lane synthesized from the log tail. It
// cannot fail; the worst case is a single-lane, single-event timeline.
func Generic(info RunInfo, b Budget) Timeline {
	start, end := info.Window()
	spanMs := float64(end.Sub(start).Microseconds()) / 1000.0

	lifecycle := Lane{
		ID:   "lifecycle",
		Name: "Run lifecycle",
		Events: []Event{{
			ID:         info.ID + "-lifecycle",
			Label:      fmt.Sprintf("%s %s (%s)", info.Profiler, info.Status, info.Source),
			StartMs:    0,
			DurationMs: spanMs,
		}},
	}
	tl := Timeline{Source: "generic", Unit: "ms", Lanes: []Lane{lifecycle}}
	lanesLeft := b.Lanes - 1
	eventsLeft := b.Events - 1

	if lanesLeft > 0 && eventsLeft > 0 {
		csvLanes := scanCSVLanes(info, lanesLeft, eventsLeft)
		for _, l := range csvLanes {
			if eventsLeft <= 0 {
				break
			}
			if len(l.Events) > eventsLeft {
				l.Events = l.Events[:eventsLeft]
			}
			eventsLeft -= len(l.Events)
			tl.Lanes = append(tl.Lanes, l)
			lanesLeft--
		}
	}

	if lanesLeft > 0 && eventsLeft > 0 && len(info.LogTail) > 0 {
		tl.Lanes = append(tl.Lanes, logLane(info, spanMs, eventsLeft))
	}

	tl.RangeMs = spanMs
	for _, l := range tl.Lanes {
		for _, e := range l.Events {
			if end := e.StartMs + e.DurationMs; end > tl.RangeMs {
				tl.RangeMs = end
			}
		}
	}
	return tl
}

// scanCSVLanes finds candidate CSV files in the run directory (and the
// output path, which for rocprof points straight at the trace CSV) and
// parses each into a lane. Lanes come back ranked by event count.
func scanCSVLanes(info RunInfo, maxLanes, maxEvents int) []Lane {
	seen := make(map[string]struct{})
	var files []string
	add := func(p string) {
		if _, dup := seen[p]; dup {
			return
		}
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}
	if strings.HasSuffix(info.OutputPath, ".csv") {
		add(info.OutputPath)
	}
	for _, dir := range []string{info.RunDir, info.OutputPath} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".csv") {
				add(filepath.Join(dir, e.Name()))
			}
		}
	}

	var lanes []Lane
	for _, f := range files {
		lane, ok := parseCSVLane(f, maxEvents)
		if ok {
			lanes = append(lanes, lane)
		}
	}
	sort.SliceStable(lanes, func(i, j int) bool {
		return len(lanes[i].Events) > len(lanes[j].Events)
	})
	if len(lanes) > maxLanes {
		lanes = lanes[:maxLanes]
	}
	return lanes
}

// parseCSVLane reads one CSV file into a lane. The header must expose a
// start column and either an end or a duration column; otherwise the file
// is skipped. Values are normalized to milliseconds relative to the file's
// minimum start, and rows with non-positive derived durations are dropped.
func parseCSVLane(path string, maxEvents int) (Lane, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Lane{}, false
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return Lane{}, false
	}
	startIdx, endIdx, durIdx, labelIdx := SelectColumns(header)
	if startIdx < 0 || (endIdx < 0 && durIdx < 0) {
		return Lane{}, false
	}

	type rawRow struct {
		start, other float64
		label        string
	}
	var rows []rawRow
	maxRaw := 0.0
	for len(rows) < maxEvents {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		start, ok := fieldFloat(rec, startIdx)
		if !ok {
			continue
		}
		otherIdx := endIdx
		if otherIdx < 0 {
			otherIdx = durIdx
		}
		other, ok := fieldFloat(rec, otherIdx)
		if !ok {
			continue
		}
		label := ""
		if labelIdx >= 0 && labelIdx < len(rec) {
			label = rec[labelIdx]
		}
		rows = append(rows, rawRow{start: start, other: other, label: label})
		if start > maxRaw {
			maxRaw = start
		}
		if other > maxRaw {
			maxRaw = other
		}
	}
	if len(rows) == 0 {
		return Lane{}, false
	}

	scaleCol := header[startIdx]
	if durIdx >= 0 && endIdx < 0 {
		scaleCol = header[durIdx]
	}
	scale := unitScale(scaleCol, maxRaw)

	minStart := rows[0].start
	for _, row := range rows {
		if row.start < minStart {
			minStart = row.start
		}
	}

	name := filepath.Base(path)
	lane := Lane{ID: name, Name: name}
	for i, row := range rows {
		var durMs float64
		if endIdx >= 0 {
			durMs = (row.other - row.start) * scale
		} else {
			durMs = row.other * scale
		}
		if durMs <= 0 {
			continue
		}
		label := row.label
		if label == "" {
			label = fmt.Sprintf("row %d", i+1)
		}
		lane.Events = append(lane.Events, Event{
			ID:         fmt.Sprintf("%s-%d", name, i),
			Label:      truncate(label, maxLabelLen),
			StartMs:    (row.start - minStart) * scale,
			DurationMs: durMs,
		})
	}
	if len(lane.Events) == 0 {
		return Lane{}, false
	}
	return lane, true
}

// logLane spreads the tail of the captured log evenly across the run's
// duration window so a caller with no structured trace still sees activity.
func logLane(info RunInfo, spanMs float64, maxEvents int) Lane {
	tail := info.LogTail
	if len(tail) > maxEvents {
		tail = tail[len(tail)-maxEvents:]
	}
	step := spanMs / float64(len(tail))
	if step <= 0 {
		step = 1
	}
	lane := Lane{ID: "log", Name: "Profiler log"}
	for i, line := range tail {
		lane.Events = append(lane.Events, Event{
			ID:         fmt.Sprintf("log-%d", i),
			Label:      truncate(line, maxLabelLen),
			StartMs:    float64(i) * step,
			DurationMs: step,
		})
	}
	return lane
}

func fieldFloat(rec []string, idx int) (float64, bool) {
	if idx < 0 || idx >= len(rec) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rec[idx]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
