package item

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, payload string) map[string]any {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	return raw
}

func TestNormalizeGitHubShape(t *testing.T) {
	raw := decode(t, `{
		"number": 42,
		"title": "Fix flaky poller",
		"body": "It flakes.",
		"labels": [{"name": "bug"}, {"name": "P1"}],
		"created_at": "2026-08-01T10:00:00Z",
		"comments": 4,
		"reactions": {"+1": 3, "-1": 1},
		"assignees": [{"login": "alice"}],
		"milestone": {"title": "v2"}
	}`)

	w := Normalize(raw, "acme/widgets")

	assert.Equal(t, 42, w.Number)
	assert.Equal(t, "Fix flaky poller", w.Title)
	assert.Equal(t, []Label{{Name: "bug"}, {Name: "P1"}}, w.Labels)
	assert.Equal(t, 4, w.Comments)
	assert.Equal(t, 3, w.PlusOneReactions)
	assert.Equal(t, 1, w.Assignees)
	assert.True(t, w.HasMilestone)
	assert.Equal(t, "acme/widgets#42", w.Key())
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), w.CreatedAt)
}

func TestNormalizeLinearShape(t *testing.T) {
	raw := decode(t, `{
		"id": 7,
		"title": "Ship it",
		"description": "camelCase source",
		"labels": {"nodes": [{"name": "urgent"}]},
		"createdAt": "2026-07-15T00:00:00Z",
		"comments": {"totalCount": 2},
		"reactions": [{"emoji": "👍"}, {"emoji": "👍"}, {"emoji": "🎉"}],
		"assignees": {"totalCount": 0}
	}`)

	w := Normalize(raw, "ENG")

	assert.Equal(t, 7, w.Number)
	assert.Equal(t, "camelCase source", w.Body)
	assert.Equal(t, []Label{{Name: "urgent"}}, w.Labels)
	assert.Equal(t, 2, w.Comments)
	assert.Equal(t, 2, w.PlusOneReactions)
	assert.Equal(t, 0, w.Assignees)
	assert.False(t, w.HasMilestone)
}

func TestNormalizeVariants(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, w WorkItem)
	}{
		{
			name:    "comments as array",
			payload: `{"number": 1, "comments": [{"body": "a"}, {"body": "b"}]}`,
			check: func(t *testing.T, w WorkItem) {
				assert.Equal(t, 2, w.Comments)
			},
		},
		{
			name:    "labels as plain strings",
			payload: `{"number": 1, "labels": ["bug", "blocked"]}`,
			check: func(t *testing.T, w WorkItem) {
				assert.Equal(t, []string{"bug", "blocked"}, w.LabelNames())
			},
		},
		{
			name:    "grouped reactions with counts",
			payload: `{"number": 1, "reactions": [{"content": "+1", "count": 5}, {"content": "-1", "count": 2}]}`,
			check: func(t *testing.T, w WorkItem) {
				assert.Equal(t, 5, w.PlusOneReactions)
			},
		},
		{
			name:    "missing everything",
			payload: `{}`,
			check: func(t *testing.T, w WorkItem) {
				assert.Equal(t, 0, w.Number)
				assert.Empty(t, w.Labels)
				assert.True(t, w.CreatedAt.IsZero())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Normalize(decode(t, tt.payload), "acme/widgets"))
		})
	}
}

func TestHasLabelCaseInsensitive(t *testing.T) {
	w := WorkItem{Labels: []Label{{Name: "Blocked"}}}
	assert.True(t, w.HasLabel("blocked"))
	assert.True(t, w.HasLabel("BLOCKED"))
	assert.False(t, w.HasLabel("bug"))
}

func TestAgeDays(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	w := WorkItem{CreatedAt: now.AddDate(0, 0, -10)}
	assert.Equal(t, 10, w.AgeDays(now))

	// Partial days floor.
	w = WorkItem{CreatedAt: now.Add(-36 * time.Hour)}
	assert.Equal(t, 1, w.AgeDays(now))

	// Future or zero creation ages zero days.
	assert.Equal(t, 0, WorkItem{CreatedAt: now.Add(time.Hour)}.AgeDays(now))
	assert.Equal(t, 0, WorkItem{}.AgeDays(now))
}
