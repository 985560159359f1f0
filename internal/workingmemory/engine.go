package workingmemory

import (
	"fmt"
	"math"
	"time"

	"github.com/xiy/working-memory/pkg/types"
)

// Engine wires the duration policy, score accumulator, lifecycle evaluator and
// transition executor around one immutable copy of Tables.
type Engine struct {
	tables      Tables
	Durations   DurationPolicy
	Scores      Accumulator
	Lifecycle   Evaluator
	Transitions Executor
}

// New validates tables and builds an Engine. A nil params provider falls back
// to DefaultParams.
func New(tables Tables, params ParamProvider) (*Engine, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("working memory tables: %w", err)
	}
	if params == nil {
		params = DefaultParams()
	}

	e := &Engine{tables: tables.clone()}
	e.Durations = DurationPolicy{tables: &e.tables}
	e.Scores = Accumulator{tables: &e.tables}
	e.Lifecycle = Evaluator{scores: e.Scores}
	e.Transitions = Executor{tables: &e.tables, scores: e.Scores, params: params}
	return e, nil
}

// Tables returns a copy of the engine's lookup tables.
func (e *Engine) Tables() Tables {
	return e.tables.clone()
}

// NewState creates the pending trial record for an item entering at now.
func (e *Engine) NewState(opts types.WMEntryOptions, now time.Time) (types.WorkingMemoryState, error) {
	score := 0.0
	if opts.InitialScore != nil {
		score = *opts.InitialScore
		if outsideUnit(score) {
			return types.WorkingMemoryState{}, fmt.Errorf("%w: initial score %v outside [0,1]", ErrInvalidState, score)
		}
	}
	multiplier := 1.0
	if opts.DurationMultiplier != nil {
		multiplier = *opts.DurationMultiplier
	}
	category := opts.ContentCategory
	if category == "" {
		category = e.tables.DefaultCategory
	}

	return types.WorkingMemoryState{
		EnteredAt:        now,
		ExpiresAt:        e.Durations.Expiry(now, category, multiplier),
		ContentCategory:  category,
		PromotionScore:   score,
		ScoreLastUpdated: now,
		TriggerEvents:    []types.TriggerEvent{},
		Status:           types.StatusPending,
	}, nil
}

// CurrentScore is shorthand for e.Scores.CurrentScore.
func (e *Engine) CurrentScore(state types.WorkingMemoryState, now time.Time) float64 {
	return e.Scores.CurrentScore(state, now)
}

// RecordTrigger is shorthand for e.Scores.RecordTrigger.
func (e *Engine) RecordTrigger(state types.WorkingMemoryState, trigger types.TriggerType, details map[string]any, now time.Time) (types.WorkingMemoryState, bool, error) {
	return e.Scores.RecordTrigger(state, trigger, details, now)
}

// Evaluate is shorthand for e.Lifecycle.Evaluate.
func (e *Engine) Evaluate(state types.WorkingMemoryState, now time.Time) (types.Status, error) {
	return e.Lifecycle.Evaluate(state, now)
}

// PromoteNow resolves a pending state as promoted and returns the resolved
// state with its hand-off record.
func (e *Engine) PromoteNow(id string, state types.WorkingMemoryState, reason string, now time.Time) (types.WorkingMemoryState, types.PromotionResult, error) {
	if state.Status.Terminal() {
		return state, types.PromotionResult{}, fmt.Errorf("%w: status is %s", ErrTerminal, state.Status)
	}
	res := e.Transitions.Promote(id, state, reason, now)
	return e.Transitions.Resolve(state, types.StatusPromoted, res.Reason, now), res, nil
}

// FadeNow resolves a pending state as faded.
func (e *Engine) FadeNow(id string, state types.WorkingMemoryState, reason string, now time.Time) (types.WorkingMemoryState, types.FadeResult, error) {
	if state.Status.Terminal() {
		return state, types.FadeResult{}, fmt.Errorf("%w: status is %s", ErrTerminal, state.Status)
	}
	res := e.Transitions.Fade(id, state, reason, now)
	return e.Transitions.Resolve(state, types.StatusFaded, res.Reason, now), res, nil
}

// Restore is shorthand for e.Transitions.Restore.
func (e *Engine) Restore(id, category string, now time.Time) types.RestorationResult {
	return e.Transitions.Restore(id, category, now)
}

// ValidateState rejects malformed persisted state before it reaches the engine.
func ValidateState(state types.WorkingMemoryState) error {
	switch state.Status {
	case types.StatusPending, types.StatusPromoted, types.StatusFaded:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidState, state.Status)
	}
	if outsideUnit(state.PromotionScore) {
		return fmt.Errorf("%w: promotion score %v outside [0,1]", ErrInvalidState, state.PromotionScore)
	}
	if state.EnteredAt.IsZero() || state.ScoreLastUpdated.IsZero() {
		return fmt.Errorf("%w: missing timestamps", ErrInvalidState)
	}
	if state.ExpiresAt.Before(state.EnteredAt) {
		return fmt.Errorf("%w: expires before entry", ErrInvalidState)
	}
	for i, ev := range state.TriggerEvents {
		if outsideUnit(ev.ScoreContribution) {
			return fmt.Errorf("%w: event %d contribution %v outside [0,1]", ErrInvalidState, i, ev.ScoreContribution)
		}
	}
	return nil
}

// outsideUnit reports whether v is NaN or outside [0,1].
func outsideUnit(v float64) bool {
	return math.IsNaN(v) || v < 0 || v > 1
}
