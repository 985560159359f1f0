package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xiy/working-memory/internal/store"
	"github.com/xiy/working-memory/pkg/types"
)

func TestMetrics_Observer(t *testing.T) {
	t.Parallel()
	m := New()

	m.TriggerRecorded(types.TriggerUserViewed)
	m.TriggerRecorded(types.TriggerUserViewed)
	m.Promoted(types.PromotionResult{NodeType: "fact"})
	m.Faded(types.FadeResult{})
	m.Restored(types.RestorationResult{})
	m.SweepCompleted(types.EvaluationResult{DurationMs: 12, Errors: []types.ItemError{{ID: "a"}, {ID: "b"}}})

	if got := testutil.ToFloat64(m.Triggers.WithLabelValues("user_viewed")); got != 2 {
		t.Fatalf("expected 2 user_viewed triggers, got %v", got)
	}
	if got := testutil.ToFloat64(m.Promotions.WithLabelValues("fact")); got != 1 {
		t.Fatalf("expected 1 fact promotion, got %v", got)
	}
	if got := testutil.ToFloat64(m.SweepErrors); got != 2 {
		t.Fatalf("expected 2 sweep errors, got %v", got)
	}
	if got := testutil.ToFloat64(m.Fades) + testutil.ToFloat64(m.Restorations) + testutil.ToFloat64(m.Sweeps); got != 3 {
		t.Fatalf("expected fade, restoration and sweep counted once each, got %v", got)
	}
}

func TestMetrics_HandlerExposesItemGauges(t *testing.T) {
	t.Parallel()
	m := New()
	m.WatchItems(func(context.Context, time.Time) (store.Stats, error) {
		return store.Stats{Pending: 4, Promoted: 2, Faded: 1, Restored: 1, OverduePending: 3}, nil
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`working_memory_items{status="pending"} 4`,
		`working_memory_items{status="restored"} 1`,
		`working_memory_overdue_pending_items 3`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in exposition, got:\n%s", want, text)
		}
	}
}

func TestMetrics_StatsErrorIsReported(t *testing.T) {
	t.Parallel()
	m := New()
	m.WatchItems(func(context.Context, time.Time) (store.Stats, error) {
		return store.Stats{}, errors.New("db closed")
	})
	if _, err := m.Registry().Gather(); err == nil {
		t.Fatal("expected gather error when stats fail")
	}
}
