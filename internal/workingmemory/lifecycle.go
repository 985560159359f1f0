package workingmemory

import (
	"errors"
	"fmt"
	"time"

	"github.com/xiy/working-memory/pkg/types"
)

var (
	ErrUnknownTrigger = errors.New("unknown trigger type")
	ErrTerminal       = errors.New("working memory trial already resolved")
	ErrUnknownStatus  = errors.New("unknown working memory status")
	ErrInvalidState   = errors.New("invalid working memory state")
)

// Evaluator decides the lifecycle outcome of a trial at a point in time.
type Evaluator struct {
	scores Accumulator
}

// Evaluate resolves a pending state. Score is checked before expiry so an item
// that crosses the threshold at the last moment still promotes. Terminal states
// are returned unchanged.
func (e Evaluator) Evaluate(state types.WorkingMemoryState, now time.Time) (types.Status, error) {
	switch state.Status {
	case types.StatusPromoted, types.StatusFaded:
		return state.Status, nil
	case types.StatusPending:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, state.Status)
	}

	if e.scores.CurrentScore(state, now) >= e.scores.tables.PromotionThreshold {
		return types.StatusPromoted, nil
	}
	if !now.Before(state.ExpiresAt) {
		return types.StatusFaded, nil
	}
	return types.StatusPending, nil
}
