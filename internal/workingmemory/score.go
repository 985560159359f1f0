package workingmemory

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/xiy/working-memory/pkg/types"
)

const hoursPerDay = 24.0

// Accumulator owns every change to the promotion score.
type Accumulator struct {
	tables *Tables
}

// CurrentScore applies linear decay since ScoreLastUpdated. It never raises the
// score and never goes below zero.
func (a Accumulator) CurrentScore(state types.WorkingMemoryState, now time.Time) float64 {
	days := now.Sub(state.ScoreLastUpdated).Hours() / hoursPerDay
	if days <= 0 {
		return state.PromotionScore
	}
	return math.Max(0, state.PromotionScore-a.tables.DecayPerDay*days)
}

// Contribution returns the fixed score contribution of a trigger type.
func (a Accumulator) Contribution(trigger types.TriggerType) (float64, bool) {
	c, ok := a.tables.TriggerScores[trigger]
	return c, ok
}

// RecordTrigger decays the score to now, adds the trigger's contribution, caps
// the result at 1 and appends the event. The input state is left untouched.
// The boolean reports whether the item should be promoted immediately.
func (a Accumulator) RecordTrigger(state types.WorkingMemoryState, trigger types.TriggerType, details map[string]any, now time.Time) (types.WorkingMemoryState, bool, error) {
	if state.Status.Terminal() {
		return state, false, fmt.Errorf("%w: status is %s", ErrTerminal, state.Status)
	}
	contribution, ok := a.Contribution(trigger)
	if !ok {
		return state, false, fmt.Errorf("%w: %q", ErrUnknownTrigger, trigger)
	}

	instant := trigger == a.tables.InstantTrigger
	score := math.Min(1, a.CurrentScore(state, now)+contribution)
	if instant {
		score = 1
	}

	next := state
	next.PromotionScore = score
	next.ScoreLastUpdated = now
	// Clip capacity so the append below always copies.
	next.TriggerEvents = append(slices.Clip(state.TriggerEvents), types.TriggerEvent{
		Type:              trigger,
		Timestamp:         now,
		ScoreContribution: contribution,
		Details:           maps.Clone(details),
	})

	return next, instant || score >= a.tables.PromotionThreshold, nil
}
