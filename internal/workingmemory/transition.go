package workingmemory

import (
	"strings"
	"time"

	"github.com/xiy/working-memory/pkg/types"
)

const (
	ReasonThreshold    = "score reached threshold"
	ReasonExplicitSave = "explicit save"
	ReasonExpired      = "trial period expired"
)

// Executor builds the result records for terminal transitions. It never
// touches storage; callers persist what it returns.
type Executor struct {
	tables *Tables
	scores Accumulator
	params ParamProvider
}

// Promote computes the hand-off record for long-term storage.
func (x Executor) Promote(id string, state types.WorkingMemoryState, reason string, now time.Time) types.PromotionResult {
	nodeType := x.tables.NodeTypeFor(state.ContentCategory)
	return types.PromotionResult{
		ItemID:            id,
		FinalScore:        x.scores.CurrentScore(state, now),
		DurationHours:     trialHours(state, now),
		TriggerCount:      len(state.TriggerEvents),
		Reason:            orDefault(reason, x.promotionReason(state)),
		PromotedAt:        now,
		NodeType:          nodeType,
		InitialStability:  x.params.InitialStability(nodeType),
		InitialDifficulty: x.params.InitialDifficulty(nodeType),
	}
}

// Fade computes the record for an item moved to the dormant archive.
func (x Executor) Fade(id string, state types.WorkingMemoryState, reason string, now time.Time) types.FadeResult {
	return types.FadeResult{
		ItemID:        id,
		FinalScore:    x.scores.CurrentScore(state, now),
		DurationHours: trialHours(state, now),
		TriggerCount:  len(state.TriggerEvents),
		Reason:        orDefault(reason, ReasonExpired),
		FadedAt:       now,
	}
}

// Restore computes the record for re-admitting a dormant item. The starting
// strength always exceeds that of a fresh item.
func (x Executor) Restore(id, category string, now time.Time) types.RestorationResult {
	nodeType := x.tables.NodeTypeFor(category)
	return types.RestorationResult{
		ItemID:           id,
		RestoredAt:       now,
		NodeType:         nodeType,
		InitialStability: x.params.InitialStability(nodeType),
		NewStrength:      x.tables.InitialStrength + x.tables.RestorationBonus,
	}
}

// Resolve returns the terminal copy of state for persistence.
func (x Executor) Resolve(state types.WorkingMemoryState, status types.Status, reason string, now time.Time) types.WorkingMemoryState {
	if state.Status.Terminal() {
		return state
	}
	resolvedAt := now
	state.Status = status
	state.ResolvedAt = &resolvedAt
	state.ResolutionReason = reason
	return state
}

func (x Executor) promotionReason(state types.WorkingMemoryState) string {
	if n := len(state.TriggerEvents); n > 0 && state.TriggerEvents[n-1].Type == x.tables.InstantTrigger {
		return ReasonExplicitSave
	}
	return ReasonThreshold
}

func trialHours(state types.WorkingMemoryState, now time.Time) float64 {
	h := now.Sub(state.EnteredAt).Hours()
	if h < 0 {
		return 0
	}
	return h
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
