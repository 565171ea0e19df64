// Package tracker fetches backlog items from source trackers and performs
// ready-actions against them.
//
// Each source client normalizes its payloads into item.WorkItem at the
// boundary; nothing outside this package sees a source-specific shape.
package tracker

import (
	"context"
	"fmt"

	"github.com/tkearney/foreman/internal/config"
	"github.com/tkearney/foreman/internal/item"
)

// Source types accepted in issue_tracker.source.
const (
	SourceGitHub = "github"
	SourceLinear = "linear"
)

// Ready-action types accepted in issue_tracker.ready_action.type.
const (
	ActionAddLabel = "add_label"
	ActionNone     = "none"
)

// Client is one tracker binding: candidate fetch plus the mark-ready
// side effect. MarkReady must be idempotent; re-marking an already-ready
// item is a no-op, not an error.
type Client interface {
	FetchItems(ctx context.Context, cfg config.TrackerConfig, repoKey string) ([]item.WorkItem, error)
	MarkReady(ctx context.Context, cfg config.TrackerConfig, it item.WorkItem) error
}

// Credentials carries the per-source API tokens, resolved once at startup
// and passed in explicitly.
type Credentials struct {
	GitHubToken  string
	LinearAPIKey string
}

// New constructs the client for a tracker config's source type.
func New(cfg config.TrackerConfig, creds Credentials) (Client, error) {
	switch cfg.Source {
	case SourceGitHub:
		return NewGitHubClient(creds.GitHubToken), nil
	case SourceLinear:
		return NewLinearClient(creds.LinearAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown tracker source %q", cfg.Source)
	}
}
