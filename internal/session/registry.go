// Package session reconciles declared session state against the live tmux
// process list.
//
// Sessions are created by the downstream provisioner, not by foreman; this
// package only observes them, decides which are orphaned, and terminates
// them. Identifying metadata rides in tmux session environment variables
// set at creation time and read-only thereafter. Orphan-ness is a pure
// function of current observable state (does the declared workspace exist
// right now), never of history, so a reconciliation pass can always be
// rerun safely.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Environment variable names carried by every managed session.
const (
	EnvWorkspace  = "FOREMAN_WORKSPACE"
	EnvPollConfig = "FOREMAN_POLL_CONFIG"
	EnvItemKey    = "FOREMAN_ITEM_KEY"
	EnvBranch     = "FOREMAN_BRANCH"
	EnvSource     = "FOREMAN_SOURCE"
)

// ErrSessionNotFound is returned by GetMetadata for a session name tmux
// does not know.
var ErrSessionNotFound = errors.New("session not found")

// Metadata is the opaque attribute set attached to one managed session.
type Metadata struct {
	Name       string
	Workspace  string
	PollConfig string
	ItemKey    string
	Branch     string
	Source     string
}

// ErrorClearer releases an item's error/processed state when its session is
// reclaimed. Satisfied by *retry.Policy.
type ErrorClearer interface {
	Clear(key string) error
}

// Registry observes and reconciles tmux sessions belonging to one poll
// config.
type Registry struct {
	run Runner
	// pollConfig discriminates managed sessions: a session without the
	// poll-config variable is foreign and never touched.
	pollConfig string
	clearer    ErrorClearer
	logger     *slog.Logger
}

// NewRegistry creates a Registry for the given poll-config identifier.
// clearer may be nil when error-state cleanup is not wanted (read-only
// listings).
func NewRegistry(run Runner, pollConfig string, clearer ErrorClearer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{run: run, pollConfig: pollConfig, clearer: clearer, logger: logger}
}

// ListManagedSessions enumerates live sessions carrying this registry's
// poll-config marker. Foreign sessions are ignored; a missing tmux server
// yields an empty list.
func (r *Registry) ListManagedSessions() ([]Metadata, error) {
	out, err := r.run.Run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if noSessionsOutput(out) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var managed []Metadata
	for _, name := range splitLines(out) {
		meta, err := r.GetMetadata(name)
		if err != nil {
			// The session may have exited between list and inspect.
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		if meta.PollConfig != r.pollConfig {
			continue
		}
		managed = append(managed, meta)
	}
	return managed, nil
}

// GetMetadata reads one session's identifying attributes from its tmux
// environment. Returns ErrSessionNotFound for unknown names.
func (r *Registry) GetMetadata(name string) (Metadata, error) {
	out, err := r.run.Run("show-environment", "-t", name)
	if err != nil {
		if strings.Contains(strings.ToLower(out), "can't find session") || noSessionsOutput(out) {
			return Metadata{}, fmt.Errorf("%s: %w", name, ErrSessionNotFound)
		}
		return Metadata{}, fmt.Errorf("failed to read environment of %s: %w", name, err)
	}

	env := parseEnvironment(out)
	return Metadata{
		Name:       name,
		Workspace:  env[EnvWorkspace],
		PollConfig: env[EnvPollConfig],
		ItemKey:    env[EnvItemKey],
		Branch:     env[EnvBranch],
		Source:     env[EnvSource],
	}, nil
}

// IsOrphan reports whether the named session's declared workspace is empty
// or no longer exists on disk.
func (r *Registry) IsOrphan(name string) (bool, error) {
	meta, err := r.GetMetadata(name)
	if err != nil {
		return false, err
	}
	return metaIsOrphan(meta), nil
}

func metaIsOrphan(meta Metadata) bool {
	if meta.Workspace == "" {
		return true
	}
	_, err := os.Stat(meta.Workspace)
	return os.IsNotExist(err)
}

// ListOrphans returns the managed sessions whose workspaces are gone.
func (r *Registry) ListOrphans() ([]Metadata, error) {
	managed, err := r.ListManagedSessions()
	if err != nil {
		return nil, err
	}
	var orphans []Metadata
	for _, meta := range managed {
		if metaIsOrphan(meta) {
			orphans = append(orphans, meta)
		}
	}
	return orphans, nil
}

// Kill terminates the named session. If the session carried an item key,
// its error/processed state is cleared best-effort: a failed clear is
// logged but never fails the kill, since termination is the primary effect
// and the next reconciliation pass will retry the cleanup.
func (r *Registry) Kill(name string) error {
	meta, err := r.GetMetadata(name)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	if _, err := r.run.Run("kill-session", "-t", name); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", name, err)
	}

	if meta.ItemKey != "" && r.clearer != nil {
		if err := r.clearer.Clear(meta.ItemKey); err != nil {
			r.logger.Warn("failed to clear item state after kill",
				"session", name, "item", meta.ItemKey, "error", err)
		}
	}
	return nil
}

// parseEnvironment decodes `tmux show-environment` output: one KEY=value
// per line, "-KEY" lines marking unset variables.
func parseEnvironment(out string) map[string]string {
	env := make(map[string]string)
	for _, line := range splitLines(out) {
		if strings.HasPrefix(line, "-") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			env[k] = v
		}
	}
	return env
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
