// Package item defines the canonical work-item shape all readiness and
// priority computation operates on.
//
// Source trackers disagree about everything: GitHub uses snake_case and flat
// reaction counts, Linear uses camelCase and nested connection objects, and
// cached payloads sometimes carry comments as an array rather than a count.
// Those differences are resolved exactly once, here, at the ingestion
// boundary. Nothing past this package may branch on source shape.
package item

import (
	"fmt"
	"strings"
	"time"
)

// Label is a named tag attached to a work item.
type Label struct {
	Name string `json:"name"`
}

// WorkItem is the normalized projection of one backlog item from any source
// tracker. Field semantics match the external contract: Comments and
// PlusOneReactions are coarse engagement counts, Milestone and Assignees are
// presence signals for inferred priority.
type WorkItem struct {
	Number           int       `json:"number"`
	Title            string    `json:"title"`
	Body             string    `json:"body"`
	Labels           []Label   `json:"labels"`
	CreatedAt        time.Time `json:"created_at"`
	Comments         int       `json:"comments"`
	PlusOneReactions int       `json:"plus_one_reactions"`
	Assignees        int       `json:"assignees"`
	HasMilestone     bool      `json:"has_milestone"`

	// Repo is the owning project identifier ("org/repo" or a Linear team
	// key), carried so a batch of items from several projects can be keyed.
	Repo string `json:"repo"`
}

// Key returns the stable identifier used across the WIP and error-state
// documents: "<repo>#<number>".
func (w WorkItem) Key() string {
	return fmt.Sprintf("%s#%d", w.Repo, w.Number)
}

// HasLabel reports whether the item carries the named label,
// case-insensitively.
func (w WorkItem) HasLabel(name string) bool {
	for _, l := range w.Labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

// LabelNames returns the item's label names in declaration order.
func (w WorkItem) LabelNames() []string {
	names := make([]string, len(w.Labels))
	for i, l := range w.Labels {
		names[i] = l.Name
	}
	return names
}

// AgeDays returns the whole days elapsed since the item was created, as of
// now. Items with a zero or future creation time age zero days.
func (w WorkItem) AgeDays(now time.Time) int {
	if w.CreatedAt.IsZero() || w.CreatedAt.After(now) {
		return 0
	}
	return int(now.Sub(w.CreatedAt).Hours() / 24)
}
