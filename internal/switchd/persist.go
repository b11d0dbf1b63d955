package switchd

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const watchersFileName = "watchers.json"

// SaveWatchers persists the current watcher set to <dir>/watchers.json.
func SaveWatchers(watchers []Watcher, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(watchers, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, watchersFileName), data, 0o600)
}

// LoadWatchers loads a previously persisted watcher set, returning an
// empty slice if no file exists or it cannot be parsed.
func LoadWatchers(dir string) []Watcher {
	data, err := os.ReadFile(filepath.Join(dir, watchersFileName))
	if err != nil {
		return nil
	}
	var watchers []Watcher
	if err := json.Unmarshal(data, &watchers); err != nil {
		return nil
	}
	return watchers
}

// Restore repopulates the watcher set from a previously loaded slice
// (e.g. the result of LoadWatchers at daemon startup).
func (ws *WatcherSet) Restore(watchers []Watcher) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.watchers = make([]*Watcher, len(watchers))
	for i := range watchers {
		w := watchers[i]
		ws.watchers[i] = &w
	}
}
