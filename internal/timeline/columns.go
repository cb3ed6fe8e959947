package timeline

import "strings"

// Column selection is a pure lookup over case-insensitive candidate names.
// Underscores are stripped before matching so duration_ns and durationNs
// land on the same candidate.

var (
	startCandidates = []string{"start", "startns", "startus", "startms", "begin", "beginns", "timestamp", "ts"}
	endCandidates   = []string{"end", "endns", "endus", "endms", "finish", "stop"}
	durCandidates   = []string{"duration", "durationns", "durationus", "durationms", "dur", "durns"}
	labelCandidates = []string{"name", "kernelname", "demangledname", "shortname", "opname", "operation", "function", "func", "text", "message", "label"}
)

func normalizeColumn(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "_", "")
	n = strings.ReplaceAll(n, " ", "")
	n = strings.Trim(n, "\"")
	return n
}

func matchColumn(header []string, candidates []string) int {
	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = normalizeColumn(h)
	}
	for _, c := range candidates {
		for i, n := range norm {
			if n == c {
				return i
			}
		}
	}
	return -1
}

// SelectColumns inspects header names and returns the indexes of the start,
// end, duration, and label columns, -1 where no candidate matched.
func SelectColumns(header []string) (start, end, dur, label int) {
	start = matchColumn(header, startCandidates)
	end = matchColumn(header, endCandidates)
	dur = matchColumn(header, durCandidates)
	label = matchColumn(header, labelCandidates)
	return start, end, dur, label
}

// unitScale derives the multiplier from a raw time value to milliseconds.
// The column name is consulted first for a unit suffix; absent a hint, the
// magnitude of the largest observed raw value decides.
func unitScale(columnName string, maxRaw float64) float64 {
	n := normalizeColumn(columnName)
	switch {
	case strings.HasSuffix(n, "ns"):
		return 1.0 / 1e6
	case strings.HasSuffix(n, "us"):
		return 1.0 / 1e3
	case strings.HasSuffix(n, "ms"):
		return 1.0
	case strings.HasSuffix(n, "sec") || n == "s":
		return 1000.0
	}
	switch {
	case maxRaw >= 1e12: // nanoseconds since some epoch
		return 1.0 / 1e6
	case maxRaw >= 1e9: // microseconds
		return 1.0 / 1e3
	default:
		return 1.0
	}
}
