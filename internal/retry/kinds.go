package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed taxonomy of failure classes for side-effecting
// provisioning operations. The string values are the wire format in the
// error-state document.
type Kind string

const (
	KindRateLimited        Kind = "rate_limited"
	KindNetworkTimeout     Kind = "network_timeout"
	KindCloneFailed        Kind = "clone_failed"
	KindDevcontainerFailed Kind = "devcontainer_failed"
	KindAuthFailed         Kind = "auth_failed"
	KindRepoNotFound       Kind = "repo_not_found"

	// KindUnknown is the implicit bucket for anything unrecognized.
	// Treated as non-retryable: an error we cannot classify is an error we
	// cannot promise will heal.
	KindUnknown Kind = "unknown"
)

// Retryable reports whether failures of this kind may be retried at all.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindNetworkTimeout, KindCloneFailed, KindDevcontainerFailed:
		return true
	case KindAuthFailed, KindRepoNotFound, KindUnknown:
		return false
	default:
		return false
	}
}

// MaxAttempts returns the attempt cap for this kind. Zero means
// unlimited-but-time-gated: retried every cycle once the backoff elapses.
func (k Kind) MaxAttempts() int {
	switch k {
	case KindCloneFailed, KindDevcontainerFailed:
		return 3
	default:
		return 0
	}
}

// Error attaches a Kind to an underlying failure so the retry engine does
// not have to guess from strings.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// WrapError tags err with kind. A nil err returns nil.
func WrapError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Classify maps an arbitrary error to a Kind. Tagged errors win; everything
// else falls back to transport-level string sniffing and lands in
// KindUnknown when nothing matches.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "bad credentials"):
		return KindAuthFailed
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return KindRepoNotFound
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "temporary failure"):
		return KindNetworkTimeout
	default:
		return KindUnknown
	}
}
