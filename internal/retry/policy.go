// Package retry is the error/retry state machine for side-effecting
// provisioning operations.
//
// Each work-item key has at most one record in the shared processed
// document. Whether an item is retryable, permanently skipped, or clean is
// derived from its error kind at read time, never stored redundantly.
// Attempt counters survive across process invocations because the document
// lives behind the statestore lock.
package retry

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/tkearney/foreman/internal/statestore"
)

// Backoff delay bounds: min(MaxDelay, BaseDelay·3^(attempts−1)), jittered
// ±20%, never below one second. The threefold growth saturates at MaxDelay
// by the fifth attempt (60s, 180s, 540s, 1620s, 3600s).
const (
	DefaultBaseDelay = 60 * time.Second
	DefaultMaxDelay  = 3600 * time.Second

	backoffMultiplier = 3
	jitterSpread      = 0.2
	minDelay          = time.Second
)

// ErrorState is the persisted failure record for one key.
type ErrorState struct {
	Type        Kind      `json:"type"`
	Message     string    `json:"message"`
	OccurredAt  time.Time `json:"occurred_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRetry   time.Time `json:"next_retry"`
}

// record is one entry in the processed document. State is "error" for
// failure records and "ready" for items a prior cycle already marked.
type record struct {
	State    string      `json:"state"`
	Config   string      `json:"config"`
	Error    *ErrorState `json:"error,omitempty"`
	MarkedAt *time.Time  `json:"marked_at,omitempty"`
}

const (
	stateError = "error"
	stateReady = "ready"
)

type document map[string]record

// Policy reads and mutates error/processed state. Now and Jitter are
// swappable for tests; the zero values use the wall clock and math/rand.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Now       func() time.Time
	Jitter    func() float64 // uniform in [0,1)

	store *statestore.Store
	path  string
}

// NewPolicy creates a Policy over the processed document at path.
func NewPolicy(store *statestore.Store, path string) *Policy {
	return &Policy{
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		store:     store,
		path:      path,
	}
}

func (p *Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Policy) jitter() float64 {
	if p.Jitter != nil {
		return p.Jitter()
	}
	return rand.Float64()
}

// MarkError records a failure of the given kind for key. Repeated failures
// of the same kind increment the attempt counter monotonically; a failure
// of a different kind restarts the counter at one. The next-retry time is
// pushed out exponentially with jitter.
func (p *Policy) MarkError(key, projectID string, kind Kind, message string) error {
	err := statestore.Update(p.store, p.path, func(doc document) (document, error) {
		if doc == nil {
			doc = document{}
		}

		attempts := 1
		if existing, ok := doc[key]; ok && existing.Error != nil && existing.Error.Type == kind {
			attempts = existing.Error.Attempts + 1
		}

		now := p.now()
		doc[key] = record{
			State:  stateError,
			Config: projectID,
			Error: &ErrorState{
				Type:        kind,
				Message:     message,
				OccurredAt:  now,
				Attempts:    attempts,
				MaxAttempts: kind.MaxAttempts(),
				NextRetry:   now.Add(p.delay(attempts)),
			},
		}
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark error for %s: %w", key, err)
	}
	return nil
}

// delay computes the jittered exponential backoff for the given attempt
// number (1-based).
func (p *Policy) delay(attempts int) time.Duration {
	base := p.BaseDelay
	for i := 1; i < attempts; i++ {
		base *= backoffMultiplier
		if base >= p.MaxDelay {
			base = p.MaxDelay
			break
		}
	}
	if base > p.MaxDelay {
		base = p.MaxDelay
	}

	// Uniform factor in [1−spread, 1+spread].
	factor := 1 + jitterSpread*(2*p.jitter()-1)
	d := time.Duration(float64(base) * factor)
	if d < minDelay {
		d = minDelay
	}
	return d
}

// ShouldRetry reports whether key failed retryably and its backoff has
// elapsed. False once a capped kind has used up its attempts, regardless of
// elapsed time.
func (p *Policy) ShouldRetry(key string) (bool, error) {
	state, err := p.Info(key)
	if err != nil || state == nil {
		return false, err
	}
	if !state.Type.Retryable() {
		return false, nil
	}
	if state.MaxAttempts > 0 && state.Attempts >= state.MaxAttempts {
		return false, nil
	}
	return !p.now().Before(state.NextRetry), nil
}

// ShouldSkip reports whether key is permanently skipped: either its kind is
// non-retryable, or a capped kind has exhausted its attempts. Skipped items
// stay skipped until an operator clears the record.
func (p *Policy) ShouldSkip(key string) (bool, error) {
	state, err := p.Info(key)
	if err != nil || state == nil {
		return false, err
	}
	if !state.Type.Retryable() {
		return true, nil
	}
	return state.MaxAttempts > 0 && state.Attempts >= state.MaxAttempts, nil
}

// IsErrored reports whether key currently has an error record.
func (p *Policy) IsErrored(key string) (bool, error) {
	state, err := p.Info(key)
	return state != nil, err
}

// Info returns key's error state, or nil when the key is clean.
// Lock-free read: display and gating decisions tolerate staleness.
func (p *Policy) Info(key string) (*ErrorState, error) {
	doc, err := statestore.Read[document](p.path)
	if err != nil {
		return nil, err
	}
	rec, ok := doc[key]
	if !ok || rec.State != stateError || rec.Error == nil {
		return nil, nil
	}
	return rec.Error, nil
}

// Clear removes key's record entirely, whatever its state. Called on
// success, on operator request, and on session reclamation. Clearing an
// absent key is a no-op.
func (p *Policy) Clear(key string) error {
	err := statestore.Update(p.store, p.path, func(doc document) (document, error) {
		if doc == nil {
			return document{}, nil
		}
		delete(doc, key)
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear state for %s: %w", key, err)
	}
	return nil
}

// MarkReady records that key was selected and its ready-action performed,
// so later cycles do not re-select it. Overwrites any error record: the
// item made it through.
func (p *Policy) MarkReady(key, projectID string) error {
	err := statestore.Update(p.store, p.path, func(doc document) (document, error) {
		if doc == nil {
			doc = document{}
		}
		now := p.now()
		doc[key] = record{State: stateReady, Config: projectID, MarkedAt: &now}
		return doc, nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s ready: %w", key, err)
	}
	return nil
}

// IsReady reports whether a prior cycle already marked key ready.
func (p *Policy) IsReady(key string) (bool, error) {
	doc, err := statestore.Read[document](p.path)
	if err != nil {
		return false, err
	}
	rec, ok := doc[key]
	return ok && rec.State == stateReady, nil
}

// ListErrors returns all error records keyed by item key, for operator
// display.
func (p *Policy) ListErrors() (map[string]ErrorState, error) {
	doc, err := statestore.Read[document](p.path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ErrorState)
	for key, rec := range doc {
		if rec.State == stateError && rec.Error != nil {
			out[key] = *rec.Error
		}
	}
	return out, nil
}
