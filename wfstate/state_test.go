package wfstate

import (
	"testing"

	"github.com/noderouter/noderouter/persist"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	p, err := persist.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return New(p)
}

func TestGetReturnsMinimumShape(t *testing.T) {
	s := newTestStore(t)
	got := s.Get()
	require.Equal(t, "", got["active_folder"])
	require.Empty(t, got["interviews"])
	require.Empty(t, got["settings"])
}

func TestUpdatePersistsAcrossInstances(t *testing.T) {
	p, err := persist.NewStore(t.TempDir())
	require.NoError(t, err)
	defer p.Close()

	s1 := New(p)
	_, err = s1.Update(map[string]any{"active_folder": "proj-a"})
	require.NoError(t, err)

	s2 := New(p) // fresh instance, same persistence root
	require.Equal(t, "proj-a", s2.Read("active_folder", ""))
}

func TestMutateIsIsolatedFromCallerCopies(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Mutate(func(state raw) {
		state["settings"] = map[string]any{"theme": "dark"}
	})
	require.NoError(t, err)

	copy1 := s.Get()
	copy1["settings"].(map[string]any)["theme"] = "light"

	copy2 := s.Get()
	require.Equal(t, "dark", copy2["settings"].(map[string]any)["theme"])
}
