package wfstate

import (
	"sync"

	"github.com/noderouter/noderouter/persist"
)

const stateKey = "workflow_state"

// raw is the on-disk shape: a generic map so callers can stash arbitrary
// fields beyond the minimum three without a schema migration.
type raw = map[string]any

// Store is the single process-wide locked workflow-state store.
type Store struct {
	mu        sync.Mutex
	persist   *persist.Store
	lastBytes raw
}

// New builds a Store bound to the given persistence root.
func New(p *persist.Store) *Store {
	return &Store{persist: p}
}

func defaultRaw() raw {
	return raw{
		"active_folder": "",
		"interviews":    map[string]any{},
		"settings":      map[string]any{},
	}
}

// reload loads the snapshot from disk, filling in the minimum shape for any
// field that is absent. Caller must hold mu.
func (s *Store) reload() raw {
	cur := defaultRaw()
	_ = s.persist.LoadState(stateKey, &cur)
	if cur == nil {
		cur = defaultRaw()
	}
	if _, ok := cur["active_folder"]; !ok {
		cur["active_folder"] = ""
	}
	if _, ok := cur["interviews"]; !ok {
		cur["interviews"] = map[string]any{}
	}
	if _, ok := cur["settings"]; !ok {
		cur["settings"] = map[string]any{}
	}
	return cur
}

func deepCopy(m raw) raw {
	out := make(raw, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = deepCopyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, val := range vv {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}

// Get reloads from disk and returns a deep copy of the whole state.
func (s *Store) Get() raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.reload()
	return deepCopy(cur)
}

// Read reloads from disk and returns a deep copy of a single field, or
// def if the field is absent.
func (s *Store) Read(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.reload()
	v, ok := cur[key]
	if !ok {
		return def
	}
	return deepCopyValue(v)
}

// Update reloads, merges patch into the state, saves, and returns a copy of
// the merged state.
func (s *Store) Update(patch map[string]any) (raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.reload()
	for k, v := range patch {
		cur[k] = v
	}
	if err := s.persist.SaveState(stateKey, cur); err != nil {
		return nil, err
	}
	return deepCopy(cur), nil
}

// Mutate reloads, passes a mutable copy to fn, saves whatever fn leaves
// behind, and returns a copy of the saved state.
func (s *Store) Mutate(fn func(state raw)) (raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.reload()
	fn(cur)
	if err := s.persist.SaveState(stateKey, cur); err != nil {
		return nil, err
	}
	return deepCopy(cur), nil
}
