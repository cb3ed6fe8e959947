package timeline

import (
	"encoding/json"
	"os"
)

// CacheFileName is the per-run timeline cache inside the run directory.
const CacheFileName = "timeline_cache.json"

// cacheEntry pins an extracted timeline to the source artifact it was
// derived from. The entry is valid only while the recorded modification
// time matches the artifact's current one and the budget is unchanged.
type cacheEntry struct {
	SourcePath  string   `json:"source_path"`
	SourceModNs int64    `json:"source_mod_ns"`
	Lanes       int      `json:"lanes"`
	Events      int      `json:"events"`
	Timeline    Timeline `json:"timeline"`
}

func loadCache(path, source string, modNs int64, b Budget) (Timeline, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Timeline{}, false
	}
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return Timeline{}, false
	}
	if e.SourcePath != source || e.SourceModNs != modNs || e.Lanes != b.Lanes || e.Events != b.Events {
		return Timeline{}, false
	}
	return e.Timeline, true
}

// saveCache is best-effort: a cache that cannot be written only costs the
// next caller a re-extraction.
func saveCache(path, source string, modNs int64, b Budget, tl Timeline) {
	data, err := json.Marshal(cacheEntry{
		SourcePath:  source,
		SourceModNs: modNs,
		Lanes:       b.Lanes,
		Events:      b.Events,
		Timeline:    tl,
	})
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o600)
}
