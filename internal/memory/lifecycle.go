package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiy/working-memory/internal/store"
	"github.com/xiy/working-memory/internal/workingmemory"
	"github.com/xiy/working-memory/pkg/types"
)

// RecordTrigger applies one trigger to a pending item and promotes it when the
// trigger demands it.
func (s *Service) RecordTrigger(ctx context.Context, in types.TriggerInput) (types.TriggerOutcome, error) {
	id := strings.TrimSpace(in.ItemID)
	if id == "" {
		return types.TriggerOutcome{}, fmt.Errorf("%w: item_id is required", ErrInvalidInput)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		var out types.TriggerOutcome
		out, err = s.recordTriggerOnce(ctx, id, in, s.now().UTC())
		if !errors.Is(err, store.ErrConflict) {
			return out, err
		}
		s.logger.Debug("trigger write conflicted; retrying", "id", id, "attempt", attempt)
	}
	return types.TriggerOutcome{}, err
}

func (s *Service) recordTriggerOnce(ctx context.Context, id string, in types.TriggerInput, now time.Time) (types.TriggerOutcome, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return types.TriggerOutcome{}, err
	}
	next, promote, err := s.engine.RecordTrigger(item.WorkingMemory, in.Type, in.Details, now)
	if err != nil {
		return types.TriggerOutcome{}, fmt.Errorf("item %s: %w", id, err)
	}

	if !promote {
		stored, err := s.store.UpdateState(ctx, id, item.Version, next)
		if err != nil {
			return types.TriggerOutcome{}, err
		}
		s.observer.TriggerRecorded(in.Type)
		return types.TriggerOutcome{Item: stored}, nil
	}

	resolved, res, err := s.engine.PromoteNow(id, next, "", now)
	if err != nil {
		return types.TriggerOutcome{}, err
	}
	stored, err := s.store.ResolvePromotion(ctx, id, item.Version, resolved, res)
	if err != nil {
		return types.TriggerOutcome{}, err
	}
	s.observer.TriggerRecorded(in.Type)
	s.observer.Promoted(res)
	s.logger.Info("item promoted", "id", id, "trigger", in.Type, "score", res.FinalScore, "node_type", res.NodeType)
	return types.TriggerOutcome{Item: stored, Promoted: true, Promotion: &res}, nil
}

// Restore re-admits a faded item to long-term storage. Each item can be
// restored once.
func (s *Service) Restore(ctx context.Context, in types.RestoreInput) (types.RestorationResult, error) {
	id := strings.TrimSpace(in.ItemID)
	if id == "" {
		return types.RestorationResult{}, fmt.Errorf("%w: item_id is required", ErrInvalidInput)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return types.RestorationResult{}, err
	}
	if item.WorkingMemory.Status != types.StatusFaded {
		return types.RestorationResult{}, fmt.Errorf("item %s is %s: %w", id, item.WorkingMemory.Status, ErrNotDormant)
	}

	res := s.engine.Restore(id, item.WorkingMemory.ContentCategory, s.now().UTC())
	if err := s.store.SaveRestoration(ctx, res); err != nil {
		return types.RestorationResult{}, err
	}
	s.observer.Restored(res)
	s.logger.Info("item restored", "id", id, "node_type", res.NodeType, "strength", res.NewStrength)
	return res, nil
}

// Sweep evaluates every pending item and persists the resulting transitions.
// Rows the store cannot decode and per-item persistence failures are reported
// in the result like evaluation failures; only a failed listing query aborts
// the sweep.
func (s *Service) Sweep(ctx context.Context) (types.EvaluationResult, error) {
	wall := time.Now()
	now := s.now().UTC()

	items, unreadable, err := s.store.ListPending(ctx, 0)
	if err != nil {
		return types.EvaluationResult{Errors: []types.ItemError{}}, fmt.Errorf("sweep: %w", err)
	}
	versions := make(map[string]int64, len(items))
	pending := make([]types.PendingItem, 0, len(items))
	for _, item := range items {
		versions[item.ID] = item.Version
		pending = append(pending, types.PendingItem{ID: item.ID, WorkingMemory: item.WorkingMemory})
	}

	out := s.engine.Sweep(pending, now)
	res := out.Result
	if len(unreadable) > 0 {
		res.Evaluated += len(unreadable)
		res.Errors = append(unreadable, res.Errors...)
	}
	for _, rec := range out.Promotions {
		s.persistSwept(ctx, &res, rec.ID, types.StatusPromoted, now, func() error {
			if _, err := s.store.ResolvePromotion(ctx, rec.ID, versions[rec.ID], rec.State, rec.Result); err != nil {
				return err
			}
			s.observer.Promoted(rec.Result)
			return nil
		})
	}
	for _, rec := range out.Fades {
		s.persistSwept(ctx, &res, rec.ID, types.StatusFaded, now, func() error {
			if _, err := s.store.ResolveFade(ctx, rec.ID, versions[rec.ID], rec.State, rec.Result); err != nil {
				return err
			}
			s.observer.Faded(rec.Result)
			return nil
		})
	}
	for _, e := range res.Errors {
		s.logger.Warn("sweep item failed", "id", e.ID, "error", e.Message)
	}
	res.DurationMs = time.Since(wall).Milliseconds()

	if err := s.store.InsertSweep(ctx, store.SweepRecord{StartedAt: now, Result: res}); err != nil {
		s.logger.Warn("record sweep failed", "error", err)
	}
	s.observer.SweepCompleted(res)
	s.logger.Info("sweep complete",
		"evaluated", res.Evaluated,
		"promoted", res.Promoted,
		"faded", res.Faded,
		"pending", res.StillPending,
		"errors", len(res.Errors),
		"duration_ms", res.DurationMs,
	)
	return res, nil
}

// persistSwept runs write under the item lock. If the item moved on since it
// was listed, it is re-judged from its current state and the tallies follow.
func (s *Service) persistSwept(ctx context.Context, res *types.EvaluationResult, id string, planned types.Status, now time.Time, write func() error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	err := write()
	if err == nil {
		return
	}
	tally(res, planned, -1)

	if errors.Is(err, store.ErrConflict) || errors.Is(err, workingmemory.ErrTerminal) {
		status, rerr := s.resettle(ctx, id, now)
		if rerr == nil {
			tally(res, status, 1)
			return
		}
		err = rerr
	}
	res.Errors = append(res.Errors, types.ItemError{ID: id, Message: "persist: " + err.Error()})
}

func (s *Service) resettle(ctx context.Context, id string, now time.Time) (types.Status, error) {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		var item types.Item
		item, err = s.store.GetItem(ctx, id)
		if err != nil {
			return "", err
		}
		var status types.Status
		_, _, status, err = s.settle(ctx, item, now)
		if !errors.Is(err, store.ErrConflict) {
			return status, err
		}
	}
	return "", err
}

// settle evaluates item at now and persists a resulting transition. The
// caller holds the item lock.
func (s *Service) settle(ctx context.Context, item types.Item, now time.Time) (types.Item, *types.PromotionResult, types.Status, error) {
	status, err := s.engine.Evaluate(item.WorkingMemory, now)
	if err != nil || item.WorkingMemory.Status.Terminal() {
		return item, nil, status, err
	}

	switch status {
	case types.StatusPromoted:
		resolved, res, err := s.engine.PromoteNow(item.ID, item.WorkingMemory, "", now)
		if err != nil {
			return item, nil, "", err
		}
		stored, err := s.store.ResolvePromotion(ctx, item.ID, item.Version, resolved, res)
		if err != nil {
			return item, nil, "", err
		}
		s.observer.Promoted(res)
		s.logger.Info("item promoted", "id", item.ID, "score", res.FinalScore, "node_type", res.NodeType)
		return stored, &res, status, nil
	case types.StatusFaded:
		resolved, res, err := s.engine.FadeNow(item.ID, item.WorkingMemory, "", now)
		if err != nil {
			return item, nil, "", err
		}
		stored, err := s.store.ResolveFade(ctx, item.ID, item.Version, resolved, res)
		if err != nil {
			return item, nil, "", err
		}
		s.observer.Faded(res)
		s.logger.Info("item faded", "id", item.ID, "score", res.FinalScore)
		return stored, nil, status, nil
	}
	return item, nil, status, nil
}

func tally(res *types.EvaluationResult, status types.Status, delta int) {
	switch status {
	case types.StatusPromoted:
		res.Promoted += delta
	case types.StatusFaded:
		res.Faded += delta
	default:
		res.StillPending += delta
	}
}
