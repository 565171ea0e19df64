// Package wip tracks work-in-progress sessions and enforces admission
// limits.
//
// The session map lives in one statestore-guarded JSON document shared by
// every foreman invocation on the host. Counts used for limit decisions are
// always read inside the lock; a cached count from earlier in the cycle may
// already be stale because another invocation admitted work in between.
package wip

import (
	"fmt"
	"time"

	"github.com/tkearney/foreman/internal/config"
	"github.com/tkearney/foreman/internal/statestore"
)

// Session is one in-flight unit of work. Owned exclusively by this
// package's document; nothing else writes it.
type Session struct {
	RepoKey   string    `json:"repo_key"`
	Priority  string    `json:"priority"`
	StartedAt time.Time `json:"started_at"`
}

type document struct {
	Sessions map[string]Session `json:"sessions"`
}

func (d document) countFor(projectID string) int {
	n := 0
	for _, s := range d.Sessions {
		if s.RepoKey == projectID {
			n++
		}
	}
	return n
}

// Limits supplies the resolved concurrency caps. Satisfied by
// *config.File via the adapter in this package.
type Limits interface {
	GlobalLimit() int
	ProjectLimit(projectID string) int
}

// ConfigLimits adapts a loaded config file to the Limits interface.
type ConfigLimits struct {
	File *config.File
}

func (c ConfigLimits) GlobalLimit() int {
	return c.File.WipLimits.MaxConcurrent
}

func (c ConfigLimits) ProjectLimit(projectID string) int {
	return c.File.GetWithDefaults(projectID).WipLimits.MaxConcurrent
}

// Tracker enforces global and per-project WIP limits over the shared
// session document.
type Tracker struct {
	store  *statestore.Store
	path   string
	limits Limits
}

// NewTracker creates a Tracker persisting to path.
func NewTracker(store *statestore.Store, path string, limits Limits) *Tracker {
	return &Tracker{store: store, path: path, limits: limits}
}

// AddSession records a session under key. Re-adding an existing key
// overwrites it; admission is idempotent with respect to replay.
func (t *Tracker) AddSession(key, projectID, priority string) error {
	return t.update(func(doc document) document {
		doc.Sessions[key] = Session{
			RepoKey:   projectID,
			Priority:  priority,
			StartedAt: time.Now().UTC(),
		}
		return doc
	})
}

// RemoveSession drops key from the document. Removing an unknown key is a
// no-op, never an error: the session may already have been reclaimed by a
// concurrent cleanup pass.
func (t *Tracker) RemoveSession(key string) error {
	return t.update(func(doc document) document {
		delete(doc.Sessions, key)
		return doc
	})
}

// IsActive reports whether key is currently tracked.
func (t *Tracker) IsActive(key string) (bool, error) {
	doc, err := t.read()
	if err != nil {
		return false, err
	}
	_, ok := doc.Sessions[key]
	return ok, nil
}

// CountActive returns the total number of tracked sessions.
func (t *Tracker) CountActive() (int, error) {
	doc, err := t.read()
	if err != nil {
		return 0, err
	}
	return len(doc.Sessions), nil
}

// CountForProject returns the number of tracked sessions for one project.
func (t *Tracker) CountForProject(projectID string) (int, error) {
	doc, err := t.read()
	if err != nil {
		return 0, err
	}
	return doc.countFor(projectID), nil
}

// ListSessions returns all tracked sessions keyed by session key.
func (t *Tracker) ListSessions() (map[string]Session, error) {
	doc, err := t.read()
	if err != nil {
		return nil, err
	}
	return doc.Sessions, nil
}

// ListSessionsForProject returns the tracked sessions belonging to one
// project.
func (t *Tracker) ListSessionsForProject(projectID string) (map[string]Session, error) {
	doc, err := t.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Session)
	for key, s := range doc.Sessions {
		if s.RepoKey == projectID {
			out[key] = s
		}
	}
	return out, nil
}

// UnderGlobalLimit reports whether a new session may start anywhere:
// active count strictly below the global limit.
func (t *Tracker) UnderGlobalLimit() (bool, error) {
	count, err := t.CountActive()
	if err != nil {
		return false, err
	}
	return count < t.limits.GlobalLimit(), nil
}

// UnderProjectLimit reports whether a new session may start for the given
// project.
func (t *Tracker) UnderProjectLimit(projectID string) (bool, error) {
	count, err := t.CountForProject(projectID)
	if err != nil {
		return false, err
	}
	return count < t.limits.ProjectLimit(projectID), nil
}

// AvailableSlots returns how many new sessions the project may start right
// now: the tighter of the per-project and global headroom, floored at zero.
// Both counts are read inside one locked view so a concurrent admission
// cannot slip between them.
func (t *Tracker) AvailableSlots(projectID string) (int, error) {
	var slots int
	err := statestore.View(t.store, t.path, func(doc document) error {
		globalFree := t.limits.GlobalLimit() - len(doc.Sessions)
		projectFree := t.limits.ProjectLimit(projectID) - doc.countFor(projectID)
		slots = min(projectFree, globalFree)
		if slots < 0 {
			slots = 0
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to compute available slots for %s: %w", projectID, err)
	}
	return slots, nil
}

// SyncWithExternal drops any tracked session whose key is absent from
// liveKeys, the caller-supplied set of genuinely live session identifiers.
// Returns the removed keys.
func (t *Tracker) SyncWithExternal(liveKeys map[string]bool) ([]string, error) {
	var removed []string
	err := statestore.Update(t.store, t.path, func(doc document) (document, error) {
		doc = doc.ensure()
		for key := range doc.Sessions {
			if !liveKeys[key] {
				delete(doc.Sessions, key)
				removed = append(removed, key)
			}
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (d document) ensure() document {
	if d.Sessions == nil {
		d.Sessions = make(map[string]Session)
	}
	return d
}

func (t *Tracker) update(fn func(document) document) error {
	return statestore.Update(t.store, t.path, func(doc document) (document, error) {
		return fn(doc.ensure()), nil
	})
}

// read is a lock-free snapshot: fine for listing and display, never for
// admission decisions.
func (t *Tracker) read() (document, error) {
	doc, err := statestore.Read[document](t.path)
	if err != nil {
		return document{}, err
	}
	return doc.ensure(), nil
}
