// Package coordinator drives one poll cycle: admission control, candidate
// selection, ready-actions and provisioning, then reconciliation of
// declared state against the live session list.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tkearney/foreman/internal/config"
	"github.com/tkearney/foreman/internal/item"
	"github.com/tkearney/foreman/internal/readiness"
	"github.com/tkearney/foreman/internal/retry"
	"github.com/tkearney/foreman/internal/session"
	"github.com/tkearney/foreman/internal/tracker"
	"github.com/tkearney/foreman/internal/wip"
)

// Provisioner starts the isolated session for an admitted item. The real
// implementation shells out to clone/devcontainer tooling; it lives
// downstream of this module and is injected here.
type Provisioner interface {
	Provision(ctx context.Context, projectID string, it item.WorkItem) error
}

// Registry is the slice of session.Registry the coordinator needs for
// reconciliation.
type Registry interface {
	ListManagedSessions() ([]session.Metadata, error)
	ListOrphans() ([]session.Metadata, error)
	Kill(name string) error
}

// Coordinator composes the admission, readiness, retry and session
// components. All collaborators are injected; the coordinator holds no
// state of its own.
type Coordinator struct {
	File        *config.File
	Wip         *wip.Tracker
	Policy      *retry.Policy
	Eval        *readiness.Evaluator
	NewClient   func(config.TrackerConfig) (tracker.Client, error)
	Provisioner Provisioner // nil when provisioning is handled downstream
	Logger      *slog.Logger

	// FetchConcurrency bounds parallel candidate fetches across projects.
	FetchConcurrency int
}

// CycleResult summarizes one poll cycle for reporting.
type CycleResult struct {
	CycleID  string
	Selected []string          // item keys selected this cycle, in order
	Skipped  map[string]string // project id -> reason a whole project was skipped
	Errors   []error           // per-item and per-project failures (cycle still completed)
}

// RunCycle executes one poll cycle over every configured project. A failure
// for one item or one project never aborts the rest of the cycle; all
// failures are collected into the result.
func (c *Coordinator) RunCycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{
		CycleID: uuid.NewString()[:8],
		Skipped: make(map[string]string),
	}
	log := c.logger().With("cycle", res.CycleID)

	projects := c.File.List()
	slots := make(map[string]int, len(projects))
	for _, id := range projects {
		n, err := c.Wip.AvailableSlots(id)
		if err != nil {
			// Lock or document failure is fatal for the cycle: admission
			// decisions on unknown counts are how double-admission happens.
			return nil, fmt.Errorf("admission check for %s: %w", id, err)
		}
		if n == 0 {
			res.Skipped[id] = "no available slots"
			log.Info("project at capacity", "project", id)
			continue
		}
		slots[id] = n
	}

	candidates := c.fetchCandidates(ctx, slots, res, log)

	for _, id := range projects {
		if _, ok := slots[id]; !ok {
			continue
		}
		items, ok := candidates[id]
		if !ok {
			continue // fetch failed, already recorded
		}
		// Recompute at selection time: an earlier project's admissions in
		// this same cycle consume global headroom, and the pre-fetch count
		// no longer bounds anything.
		n, err := c.Wip.AvailableSlots(id)
		if err != nil {
			return nil, fmt.Errorf("admission check for %s: %w", id, err)
		}
		if n == 0 {
			res.Skipped[id] = "no available slots"
			log.Info("project at capacity", "project", id)
			continue
		}
		c.selectAndMark(ctx, id, items, n, res, log)
	}

	return res, nil
}

// fetchCandidates pulls candidate items for every project with open slots,
// concurrently. A failed fetch is recorded against the project and leaves
// the rest of the cycle untouched.
func (c *Coordinator) fetchCandidates(ctx context.Context, slots map[string]int, res *CycleResult, log *slog.Logger) map[string][]item.WorkItem {
	var mu sync.Mutex
	candidates := make(map[string][]item.WorkItem, len(slots))

	g, gctx := errgroup.WithContext(ctx)
	limit := c.FetchConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for id := range slots {
		g.Go(func() error {
			cfg := c.File.GetWithDefaults(id)
			client, err := c.NewClient(cfg.IssueTracker)
			if err == nil {
				var items []item.WorkItem
				items, err = client.FetchItems(gctx, cfg.IssueTracker, id)
				if err == nil {
					mu.Lock()
					candidates[id] = items
					mu.Unlock()
					return nil
				}
			}

			log.Warn("candidate fetch failed", "project", id, "error", err)
			mu.Lock()
			res.Skipped[id] = "fetch failed"
			res.Errors = append(res.Errors, fmt.Errorf("fetching candidates for %s: %w", id, err))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; they record them
	return candidates
}

// selectAndMark filters, scores, and acts on one project's candidates.
func (c *Coordinator) selectAndMark(ctx context.Context, projectID string, items []item.WorkItem, slots int, res *CycleResult, log *slog.Logger) {
	cfg := c.File.GetWithDefaults(projectID)

	eligible := make([]item.WorkItem, 0, len(items))
	for _, it := range items {
		skip, err := c.shouldPass(it, cfg)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("state check for %s: %w", it.Key(), err))
			continue
		}
		if !skip {
			eligible = append(eligible, it)
		}
	}

	selected := c.Eval.TopEligible(eligible, cfg.Readiness, slots)
	client, err := c.NewClient(cfg.IssueTracker)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("tracker client for %s: %w", projectID, err))
		return
	}

	for _, it := range selected {
		if err := c.admitOne(ctx, client, projectID, cfg, it); err != nil {
			res.Errors = append(res.Errors, err)
			log.Warn("admission failed", "item", it.Key(), "error", err)
			continue
		}
		res.Selected = append(res.Selected, it.Key())
		log.Info("item selected", "project", projectID, "item", it.Key())
	}
}

// shouldPass reports whether the item must be passed over this cycle
// without being scored: already marked ready, permanently skipped, or still
// inside its retry backoff.
func (c *Coordinator) shouldPass(it item.WorkItem, cfg config.RepoConfig) (bool, error) {
	key := it.Key()
	if ready, err := c.Policy.IsReady(key); err != nil || ready {
		return ready, err
	}
	if skip, err := c.Policy.ShouldSkip(key); err != nil || skip {
		return skip, err
	}
	errored, err := c.Policy.IsErrored(key)
	if err != nil {
		return false, err
	}
	if errored {
		// The error record outranks the external label: a provision
		// failure leaves the item labeled, and retrying it means
		// re-selecting it despite the label.
		retryNow, err := c.Policy.ShouldRetry(key)
		if err != nil {
			return false, err
		}
		return !retryNow, nil
	}

	// No internal record: an item already carrying the ready label was
	// selected previously, possibly by a different invocation writing to a
	// different state dir.
	if label := cfg.IssueTracker.ReadyAction.Label; label != "" && it.HasLabel(label) {
		return true, nil
	}
	return false, nil
}

// admitOne performs the ready-action and, when a provisioner is wired,
// provisions the session and registers it with the WIP tracker.
func (c *Coordinator) admitOne(ctx context.Context, client tracker.Client, projectID string, cfg config.RepoConfig, it item.WorkItem) error {
	key := it.Key()

	if err := client.MarkReady(ctx, cfg.IssueTracker, it); err != nil {
		kind := retry.Classify(err)
		if markErr := c.Policy.MarkError(key, projectID, kind, err.Error()); markErr != nil {
			return fmt.Errorf("ready-action failed for %s (%v) and error state not recorded: %w", key, err, markErr)
		}
		return fmt.Errorf("ready-action failed for %s: %w", key, err)
	}

	if c.Provisioner != nil {
		// The ready marker is written only after provisioning succeeds:
		// writing it first would replace the error record and reset the
		// attempt counter on every failed retry.
		if err := c.Provisioner.Provision(ctx, projectID, it); err != nil {
			kind := retry.Classify(err)
			if markErr := c.Policy.MarkError(key, projectID, kind, err.Error()); markErr != nil {
				return fmt.Errorf("provisioning failed for %s (%v) and error state not recorded: %w", key, err, markErr)
			}
			return fmt.Errorf("provisioning failed for %s: %w", key, err)
		}
	}

	// MarkReady replaces any lingering error record for this key.
	if err := c.Policy.MarkReady(key, projectID); err != nil {
		return err
	}
	if c.Provisioner == nil {
		return nil
	}
	if err := c.Wip.AddSession(key, projectID, priorityLabelFor(it, cfg.Readiness)); err != nil {
		return fmt.Errorf("registering session for %s: %w", key, err)
	}
	return nil
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	KilledOrphans []string
	DroppedKeys   []string
}

// Reconcile corrects drift between declared and observed session state:
// orphaned sessions are killed (their error state cleared by the registry),
// and WIP entries whose sessions are gone are dropped. Safe to run any
// time; both halves are idempotent.
func (c *Coordinator) Reconcile(reg Registry) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	log := c.logger()

	orphans, err := reg.ListOrphans()
	if err != nil {
		return nil, fmt.Errorf("listing orphans: %w", err)
	}
	for _, meta := range orphans {
		if err := reg.Kill(meta.Name); err != nil {
			// Keep going: the next pass retries, and a half-finished
			// reconciliation is still an improvement.
			log.Warn("failed to kill orphan", "session", meta.Name, "error", err)
			continue
		}
		res.KilledOrphans = append(res.KilledOrphans, meta.Name)
	}

	managed, err := reg.ListManagedSessions()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	live := make(map[string]bool, len(managed))
	for _, meta := range managed {
		if meta.ItemKey != "" {
			live[meta.ItemKey] = true
		}
	}
	dropped, err := c.Wip.SyncWithExternal(live)
	if err != nil {
		return nil, fmt.Errorf("syncing WIP state: %w", err)
	}
	res.DroppedKeys = dropped

	return res, nil
}

// priorityLabelFor returns the name of the highest-weight configured
// priority label the item carries, for display in session listings.
func priorityLabelFor(it item.WorkItem, cfg config.ReadinessConfig) string {
	best := ""
	bestWeight := 0
	for _, lw := range cfg.Priority.Labels {
		if it.HasLabel(lw.Label) && lw.Weight > bestWeight {
			best = lw.Label
			bestWeight = lw.Weight
		}
	}
	return best
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
