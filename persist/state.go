package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadState parses state/<name>.json into out. If the file is missing,
// unreadable, or fails to parse, out is left holding whatever default the
// caller pre-populated it with (load_state(name, default) in spec §4.2).
func (s *Store) LoadState(name string, out any) error {
	path := filepath.Join(s.root, "state", name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil // default stands
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil // corrupt snapshot: default stands, matching "on any failure"
	}
	return nil
}

// SaveState scrubs and writes value to state/<name>.json.tmp, then
// atomically renames it over state/<name>.json.
func (s *Store) SaveState(name string, value any) error {
	data, err := scrubToJSON(value)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, "state")
	final := filepath.Join(dir, name+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("persist: write temp state %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("persist: rename state %s: %w", name, err)
	}
	return nil
}
