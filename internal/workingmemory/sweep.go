package workingmemory

import (
	"fmt"
	"time"

	"github.com/xiy/working-memory/pkg/types"
)

// PromotionRecord pairs a promotion result with the resolved state to persist.
type PromotionRecord struct {
	ID     string
	State  types.WorkingMemoryState
	Result types.PromotionResult
}

// FadeRecord pairs a fade result with the resolved state to persist.
type FadeRecord struct {
	ID     string
	State  types.WorkingMemoryState
	Result types.FadeResult
}

// SweepOutcome is the aggregate result of one batch evaluation plus the
// transitions the caller must persist.
type SweepOutcome struct {
	Result     types.EvaluationResult
	Promotions []PromotionRecord
	Fades      []FadeRecord
}

// Sweep evaluates every item at now. A failure on one item is recorded against
// its ID and never stops the batch.
func (e *Engine) Sweep(items []types.PendingItem, now time.Time) SweepOutcome {
	started := time.Now()
	out := SweepOutcome{Result: types.EvaluationResult{Errors: []types.ItemError{}}}

	for _, item := range items {
		out.Result.Evaluated++
		if err := e.sweepOne(item, now, &out); err != nil {
			out.Result.Errors = append(out.Result.Errors, types.ItemError{ID: item.ID, Message: err.Error()})
		}
	}

	out.Result.DurationMs = time.Since(started).Milliseconds()
	return out
}

func (e *Engine) sweepOne(item types.PendingItem, now time.Time, out *SweepOutcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluate %s: panic: %v", item.ID, r)
		}
	}()

	state := item.WorkingMemory
	if err := ValidateState(state); err != nil {
		return err
	}
	// Already-resolved items can show up when a caller's listing races a
	// trigger; count them without producing a second transition.
	if state.Status.Terminal() {
		out.tally(state.Status)
		return nil
	}

	status, err := e.Lifecycle.Evaluate(state, now)
	if err != nil {
		return err
	}

	switch status {
	case types.StatusPromoted:
		res := e.Transitions.Promote(item.ID, state, "", now)
		out.Promotions = append(out.Promotions, PromotionRecord{
			ID:     item.ID,
			State:  e.Transitions.Resolve(state, status, res.Reason, now),
			Result: res,
		})
	case types.StatusFaded:
		res := e.Transitions.Fade(item.ID, state, "", now)
		out.Fades = append(out.Fades, FadeRecord{
			ID:     item.ID,
			State:  e.Transitions.Resolve(state, status, res.Reason, now),
			Result: res,
		})
	}
	out.tally(status)
	return nil
}

func (o *SweepOutcome) tally(status types.Status) {
	switch status {
	case types.StatusPromoted:
		o.Result.Promoted++
	case types.StatusFaded:
		o.Result.Faded++
	default:
		o.Result.StillPending++
	}
}
