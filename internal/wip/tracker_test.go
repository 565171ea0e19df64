package wip

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkearney/foreman/internal/statestore"
)

type fixedLimits struct {
	global   int
	projects map[string]int
}

func (f fixedLimits) GlobalLimit() int { return f.global }

func (f fixedLimits) ProjectLimit(id string) int {
	if n, ok := f.projects[id]; ok {
		return n
	}
	return 3
}

func newTestTracker(t *testing.T, limits Limits) *Tracker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wip.json")
	return NewTracker(statestore.New(time.Second), path, limits)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	tr := newTestTracker(t, fixedLimits{global: 5})

	require.NoError(t, tr.AddSession("acme/widgets#1", "acme/widgets", "high"))

	active, err := tr.IsActive("acme/widgets#1")
	require.NoError(t, err)
	assert.True(t, active)

	count, err := tr.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, tr.RemoveSession("acme/widgets#1"))

	count, err = tr.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRemoveUnknownKeyIsNoop(t *testing.T) {
	tr := newTestTracker(t, fixedLimits{global: 5})

	require.NoError(t, tr.AddSession("acme/widgets#1", "acme/widgets", "high"))
	require.NoError(t, tr.RemoveSession("never-added"))

	count, err := tr.CountActive()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAddSessionIdempotentOverwrite(t *testing.T) {
	tr := newTestTracker(t, fixedLimits{global: 5})

	require.NoError(t, tr.AddSession("acme/widgets#1", "acme/widgets", "low"))
	require.NoError(t, tr.AddSession("acme/widgets#1", "acme/widgets", "high"))

	sessions, err := tr.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "high", sessions["acme/widgets#1"].Priority)
}

func TestCountForProject(t *testing.T) {
	tr := newTestTracker(t, fixedLimits{global: 5})

	require.NoError(t, tr.AddSession("acme/widgets#1", "acme/widgets", "p1"))
	require.NoError(t, tr.AddSession("acme/widgets#2", "acme/widgets", "p2"))
	require.NoError(t, tr.AddSession("acme/gadgets#9", "acme/gadgets", "p1"))

	n, err := tr.CountForProject("acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	forProject, err := tr.ListSessionsForProject("acme/gadgets")
	require.NoError(t, err)
	require.Len(t, forProject, 1)
	assert.Contains(t, forProject, "acme/gadgets#9")
}

func TestAvailableSlots(t *testing.T) {
	tests := []struct {
		name          string
		global        int
		project       int
		globalActive  int // sessions in other projects
		projectActive int
		want          int
	}{
		{"empty", 5, 3, 0, 0, 3},
		{"project limit binds", 5, 2, 0, 1, 1},
		{"global limit binds", 4, 3, 3, 0, 1},
		{"both exhausted", 2, 2, 1, 1, 0},
		{"over limit floors at zero", 2, 1, 3, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(t, fixedLimits{
				global:   tt.global,
				projects: map[string]int{"acme/widgets": tt.project},
			})
			for i := 0; i < tt.projectActive; i++ {
				require.NoError(t, tr.AddSession(key("acme/widgets", i), "acme/widgets", ""))
			}
			for i := 0; i < tt.globalActive; i++ {
				require.NoError(t, tr.AddSession(key("acme/other", i), "acme/other", ""))
			}

			slots, err := tr.AvailableSlots("acme/widgets")
			require.NoError(t, err)
			assert.Equal(t, tt.want, slots)
		})
	}
}

func key(project string, i int) string {
	return fmt.Sprintf("%s#%d", project, i+1)
}

func TestUnderLimits(t *testing.T) {
	tr := newTestTracker(t, fixedLimits{
		global:   2,
		projects: map[string]int{"acme/widgets": 1},
	})

	ok, err := tr.UnderGlobalLimit()
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tr.UnderProjectLimit("acme/widgets")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tr.AddSession("acme/widgets#1", "acme/widgets", ""))

	ok, err = tr.UnderProjectLimit("acme/widgets")
	require.NoError(t, err)
	assert.False(t, ok, "strictly-less-than comparison at the limit")

	ok, err = tr.UnderGlobalLimit()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tr.AddSession("acme/gadgets#1", "acme/gadgets", ""))
	ok, err = tr.UnderGlobalLimit()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncWithExternal(t *testing.T) {
	tr := newTestTracker(t, fixedLimits{global: 5})

	require.NoError(t, tr.AddSession("acme/widgets#1", "acme/widgets", ""))
	require.NoError(t, tr.AddSession("acme/widgets#2", "acme/widgets", ""))
	require.NoError(t, tr.AddSession("acme/gadgets#3", "acme/gadgets", ""))

	removed, err := tr.SyncWithExternal(map[string]bool{
		"acme/widgets#2": true,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme/widgets#1", "acme/gadgets#3"}, removed)

	sessions, err := tr.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Contains(t, sessions, "acme/widgets#2")
}
