package workingmemory

import (
	"strings"
	"testing"
	"time"

	"github.com/xiy/working-memory/pkg/types"
)

func TestSweep_IsolatesFailures(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := base.Add(25 * time.Hour)

	inTrial := pendingState(0.2, base)
	inTrial.ExpiresAt = base.Add(48 * time.Hour)
	broken := pendingState(0.2, base)
	broken.Status = "limbo"

	items := []types.PendingItem{
		{ID: "pending", WorkingMemory: inTrial},
		{ID: "fades", WorkingMemory: pendingState(0.1, base)},
		{ID: "broken", WorkingMemory: broken},
		{ID: "promotes", WorkingMemory: pendingState(0.9, base)},
	}

	out := e.Sweep(items, now)
	res := out.Result
	if res.Evaluated != len(items) {
		t.Fatalf("expected evaluated=%d, got %d", len(items), res.Evaluated)
	}
	if len(res.Errors) != 1 || res.Errors[0].ID != "broken" {
		t.Fatalf("expected single error for broken item, got %+v", res.Errors)
	}
	if got := res.Promoted + res.Faded + res.StillPending; got != len(items)-1 {
		t.Fatalf("expected outcomes to sum to %d, got %d", len(items)-1, got)
	}
	if res.Promoted != 1 || res.Faded != 1 || res.StillPending != 1 {
		t.Fatalf("unexpected tallies %+v", res)
	}

	if len(out.Promotions) != 1 || out.Promotions[0].ID != "promotes" {
		t.Fatalf("expected promotion record for promotes, got %+v", out.Promotions)
	}
	promoted := out.Promotions[0].State
	if promoted.Status != types.StatusPromoted || promoted.ResolvedAt == nil || !promoted.ResolvedAt.Equal(now) {
		t.Fatalf("expected resolved promoted state, got %+v", promoted)
	}
	if len(out.Fades) != 1 || out.Fades[0].Result.Reason != ReasonExpired {
		t.Fatalf("expected fade record with expiry reason, got %+v", out.Fades)
	}
}

// panickyParams fails for one node type, as a misbehaving provider would.
type panickyParams struct {
	StaticParams
	nodeType string
}

func (p panickyParams) InitialStability(nodeType string) float64 {
	if nodeType == p.nodeType {
		panic("boom")
	}
	return p.StaticParams.InitialStability(nodeType)
}

func TestSweep_RecoversPanickingItem(t *testing.T) {
	t.Parallel()
	e, err := New(DefaultTables(), panickyParams{StaticParams: DefaultParams(), nodeType: "preference"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	pref := pendingState(0.9, base)
	pref.ContentCategory = "preference"

	out := e.Sweep([]types.PendingItem{
		{ID: "a", WorkingMemory: pref},
		{ID: "b", WorkingMemory: pendingState(0.9, base)},
	}, base.Add(time.Hour))
	res := out.Result
	if len(res.Errors) != 1 || res.Errors[0].ID != "a" || !strings.Contains(res.Errors[0].Message, "panic: boom") {
		t.Fatalf("expected recovered panic for a, got %+v", res.Errors)
	}
	if res.Evaluated != 2 || res.Promoted != 1 || res.Faded+res.StillPending != 0 {
		t.Fatalf("unexpected tallies %+v", res)
	}
	if len(out.Promotions) != 1 || out.Promotions[0].ID != "b" {
		t.Fatalf("expected only b promoted, got %+v", out.Promotions)
	}
}

func TestSweep_RejectsMalformedState(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	bad := pendingState(1.5, base)

	out := e.Sweep([]types.PendingItem{{ID: "bad", WorkingMemory: bad}, {ID: "ok", WorkingMemory: pendingState(0, base)}}, base)
	if len(out.Result.Errors) != 1 || out.Result.Errors[0].ID != "bad" {
		t.Fatalf("expected malformed state to be reported, got %+v", out.Result.Errors)
	}
	if out.Result.StillPending != 1 {
		t.Fatalf("expected remaining item still pending, got %+v", out.Result)
	}
}

func TestSweep_TerminalItemsProduceNoTransition(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	faded := pendingState(0, base)
	faded.Status = types.StatusFaded

	out := e.Sweep([]types.PendingItem{{ID: "f", WorkingMemory: faded}}, base.Add(72*time.Hour))
	if out.Result.Faded != 1 || len(out.Fades) != 0 {
		t.Fatalf("expected tally without new transition, got %+v", out)
	}
}

func TestSweep_Empty(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	out := e.Sweep(nil, base)
	if out.Result.Evaluated != 0 || out.Result.Errors == nil {
		t.Fatalf("expected empty result with non-nil errors, got %+v", out.Result)
	}
}

func TestPromote_HandsOffNodeParams(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	state := pendingState(0.4, base)
	state.ContentCategory = "preference"
	state, _, err := e.RecordTrigger(state, types.TriggerImportantLink, nil, base.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("RecordTrigger() error = %v", err)
	}

	now := base.Add(6 * time.Hour)
	resolved, res, err := e.PromoteNow("item-1", state, "", now)
	if err != nil {
		t.Fatalf("PromoteNow() error = %v", err)
	}
	if res.NodeType != "preference" || res.InitialStability != 7.0 || res.InitialDifficulty != 3.0 {
		t.Fatalf("unexpected node params %+v", res)
	}
	if res.TriggerCount != 1 || res.DurationHours != 6 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if res.Reason != ReasonThreshold || resolved.ResolutionReason != ReasonThreshold {
		t.Fatalf("expected default threshold reason, got %q / %q", res.Reason, resolved.ResolutionReason)
	}
	if _, _, err := e.PromoteNow("item-1", resolved, "", now); err == nil {
		t.Fatal("expected error promoting a resolved state")
	}
}

func TestPromote_UnknownCategoryUsesDefaultNodeType(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	state := pendingState(1, base)
	state.ContentCategory = "gossip"

	res := e.Transitions.Promote("x", state, "manual", base)
	if res.NodeType != "note" || res.InitialStability != 2.0 || res.InitialDifficulty != 5.0 {
		t.Fatalf("expected default node params, got %+v", res)
	}
	if res.Reason != "manual" {
		t.Fatalf("expected caller reason, got %q", res.Reason)
	}
}

func TestPromote_ExplicitSaveReason(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	state, _, err := e.RecordTrigger(pendingState(0, base), types.TriggerExplicitSave, nil, base)
	if err != nil {
		t.Fatalf("RecordTrigger() error = %v", err)
	}
	if res := e.Transitions.Promote("x", state, "", base); res.Reason != ReasonExplicitSave {
		t.Fatalf("expected explicit save reason, got %q", res.Reason)
	}
}

func TestFadeNow(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := base.Add(30 * time.Hour)

	resolved, res, err := e.FadeNow("gone", pendingState(0.3, base), "", now)
	if err != nil {
		t.Fatalf("FadeNow() error = %v", err)
	}
	if resolved.Status != types.StatusFaded || res.DurationHours != 30 || !res.FadedAt.Equal(now) {
		t.Fatalf("unexpected fade %+v / %+v", resolved, res)
	}
	if !approx(res.FinalScore, 0.3-0.1*30.0/24.0) {
		t.Fatalf("expected decayed final score, got %v", res.FinalScore)
	}
}

func TestRestore_GrantsBonus(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res := e.Restore("old", "fact", base)
	if res.NewStrength <= e.Tables().InitialStrength {
		t.Fatalf("expected restored strength %v above fresh strength %v", res.NewStrength, e.Tables().InitialStrength)
	}
	if res.NodeType != "fact" || res.InitialStability != 3.0 || !res.RestoredAt.Equal(base) {
		t.Fatalf("unexpected restoration %+v", res)
	}
}
