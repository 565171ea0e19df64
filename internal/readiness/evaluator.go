// Package readiness decides whether a backlog item may be admitted and how
// urgently, via two independent stages: gating predicates (labels,
// dependencies) and priority scoring. Gating and scoring never mix; an item
// blocked by a label is rejected before any score is computed.
package readiness

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tkearney/foreman/internal/config"
	"github.com/tkearney/foreman/internal/item"
)

// Reason codes surfaced on gating failure.
const (
	ReasonBlockingLabel = "has_blocking_label"
	ReasonDependency    = "has_dependency"
)

// Inferred-priority bonuses, applied only when no configured priority label
// matches the item.
const (
	milestoneBonus     = 20
	reactionBonusPer   = 5
	reactionBonusCap   = 30
	commentBonusPer    = 2
	commentBonusCap    = 20
	assigneeBonus      = 15
	defaultMinCheckbox = 2
)

// dependencyPhrases matches "blocked by #10", "depends on owner/repo#3",
// "waiting for #7" and friends in a lower-cased body.
var dependencyPhrases = regexp.MustCompile(
	`(?:blocked by|depends on|requires|waiting on|waiting for|after)\s+(?:[\w.-]+/[\w.-]+)?#\d+`)

var (
	checkboxLine  = regexp.MustCompile(`(?m)^\s*[-*]\s*\[[ xX]\]`)
	uncheckedLine = regexp.MustCompile(`(?m)^\s*[-*]\s*\[ \]`)
)

// Result is the outcome of evaluating one item.
type Result struct {
	Eligible bool
	Score    int
	Reason   string
}

// Evaluator applies one project's readiness rules. The zero value uses the
// wall clock; set Now in tests.
type Evaluator struct {
	Now func() time.Time
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CheckLabels reports whether the item passes label gating: it must carry
// no label, case-insensitively, from the union of the excluded and blocking
// label lists.
func (e *Evaluator) CheckLabels(it item.WorkItem, cfg config.ReadinessConfig) bool {
	for _, blocked := range cfg.Labels.Exclude {
		if it.HasLabel(blocked) {
			return false
		}
	}
	for _, blocked := range cfg.Dependencies.BlockingLabels {
		if it.HasLabel(blocked) {
			return false
		}
	}
	return true
}

// CheckDependencies reports whether the item passes dependency gating.
// Two independent predicates, both only when check_body_references is on:
//
//   - the body mentions a dependency phrase followed by an issue reference
//   - the body reads like an unfinished tracking issue: at least
//     min_checkboxes checkbox lines with one or more unchecked. A lone
//     checkbox is assumed to be a reminder, not a subtask list, and never
//     blocks.
func (e *Evaluator) CheckDependencies(it item.WorkItem, cfg config.ReadinessConfig) bool {
	if !cfg.Dependencies.CheckBodyReferences {
		return true
	}

	body := strings.ToLower(it.Body)
	if dependencyPhrases.MatchString(body) {
		return false
	}

	minBoxes := cfg.Dependencies.MinCheckboxes
	if minBoxes <= 0 {
		minBoxes = defaultMinCheckbox
	}
	boxes := len(checkboxLine.FindAllString(it.Body, -1))
	if boxes >= minBoxes && uncheckedLine.MatchString(it.Body) {
		return false
	}

	return true
}

// CalculatePriority scores the item. The label component is the maximum
// configured weight among the item's labels, not the sum: stacking priority
// labels does not stack urgency. When no priority label matches, inferred
// engagement bonuses apply instead. The age component is added on top
// either way, so older items win ties.
func (e *Evaluator) CalculatePriority(it item.WorkItem, cfg config.ReadinessConfig) int {
	score := 0
	for _, lw := range cfg.Priority.Labels {
		if it.HasLabel(lw.Label) && lw.Weight > score {
			score = lw.Weight
		}
	}

	if score == 0 {
		score = inferredBonus(it)
	}

	return score + it.AgeDays(e.now())*cfg.Priority.AgeWeight
}

func inferredBonus(it item.WorkItem) int {
	bonus := 0
	if it.HasMilestone {
		bonus += milestoneBonus
	}
	bonus += min(reactionBonusCap, reactionBonusPer*it.PlusOneReactions)
	bonus += min(commentBonusCap, commentBonusPer*it.Comments)
	if it.Assignees > 0 {
		bonus += assigneeBonus
	}
	return bonus
}

// Evaluate runs label gating, then dependency gating, then scoring. Gating
// failures carry a fixed reason code and a zero score.
func (e *Evaluator) Evaluate(it item.WorkItem, cfg config.ReadinessConfig) Result {
	if !e.CheckLabels(it, cfg) {
		return Result{Reason: ReasonBlockingLabel}
	}
	if !e.CheckDependencies(it, cfg) {
		return Result{Reason: ReasonDependency}
	}
	return Result{Eligible: true, Score: e.CalculatePriority(it, cfg)}
}

// Scored pairs an item with its evaluation, preserving the batch's original
// order for stable tie-breaking.
type Scored struct {
	Item   item.WorkItem
	Result Result
}

// EvaluateBatch evaluates every item and returns the eligible ones sorted
// by score descending. The sort is stable, so items with equal scores keep
// their source order (creation order from the tracker, preserving the
// age-based tiebreak).
func (e *Evaluator) EvaluateBatch(items []item.WorkItem, cfg config.ReadinessConfig) []Scored {
	eligible := make([]Scored, 0, len(items))
	for _, it := range items {
		res := e.Evaluate(it, cfg)
		if res.Eligible {
			eligible = append(eligible, Scored{Item: it, Result: res})
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Result.Score > eligible[j].Result.Score
	})
	return eligible
}

// TopEligible returns the original payloads of the n highest-scoring
// eligible items.
func (e *Evaluator) TopEligible(items []item.WorkItem, cfg config.ReadinessConfig, n int) []item.WorkItem {
	scored := e.EvaluateBatch(items, cfg)
	if n < 0 {
		n = 0
	}
	if n > len(scored) {
		n = len(scored)
	}
	out := make([]item.WorkItem, 0, n)
	for _, s := range scored[:n] {
		out = append(out, s.Item)
	}
	return out
}
