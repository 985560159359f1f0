package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/working-memory/internal/config"
	"github.com/xiy/working-memory/internal/memory"
	"github.com/xiy/working-memory/internal/metrics"
	"github.com/xiy/working-memory/internal/store"
	"github.com/xiy/working-memory/internal/workingmemory"
	"github.com/xiy/working-memory/pkg/types"
)

type testEnv struct {
	srv    *Server
	now    time.Time
	dbPath string
}

func testServer(t *testing.T) *testEnv {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	dbPath := filepath.Join(t.TempDir(), "wm.db")
	st, err := store.OpenSQLite(context.Background(), dbPath, logger)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	engine, err := workingmemory.New(cfg.Tables(), cfg.Params())
	if err != nil {
		t.Fatalf("workingmemory.New() error = %v", err)
	}
	env := &testEnv{now: time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC), dbPath: dbPath}
	m := metrics.New()
	m.WatchItems(st.Stats)
	svc, err := memory.NewService(st, engine, cfg, logger,
		memory.WithClock(func() time.Time { return env.now }),
		memory.WithObserver(m),
	)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	env.srv = New(svc, m.Handler(), logger, "test-version")
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body: %v (%s)", err, w.Body.String())
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	env := testServer(t)

	w := env.do(t, "GET", "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" || body["version"] != "test-version" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestIngestTriggerPromote(t *testing.T) {
	t.Parallel()
	env := testServer(t)

	w := env.do(t, "POST", "/api/items", types.WriteInput{
		ID:        "note-1",
		Namespace: "team/app",
		Content:   "deploys go out on tuesdays",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, want %d (%s)", w.Code, http.StatusCreated, w.Body.String())
	}
	if got := decode[types.IngestOutcome](t, w); got.Item.WorkingMemory.Status != types.StatusPending {
		t.Fatalf("expected pending item, got %s", got.Item.WorkingMemory.Status)
	}

	w = env.do(t, "POST", "/api/items/note-1/triggers", map[string]any{"type": "user_viewed"})
	if w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d (%s)", w.Code, w.Body.String())
	}
	if got := decode[types.TriggerOutcome](t, w); got.Promoted {
		t.Fatal("user_viewed alone should not promote")
	}

	w = env.do(t, "POST", "/api/items/note-1/triggers", map[string]any{"type": "explicit_save"})
	out := decode[types.TriggerOutcome](t, w)
	if !out.Promoted || out.Promotion == nil || out.Promotion.Reason != workingmemory.ReasonExplicitSave {
		t.Fatalf("expected explicit save promotion, got %+v", out)
	}

	w = env.do(t, "GET", "/api/items/note-1", nil)
	if got := decode[types.Item](t, w); got.WorkingMemory.Status != types.StatusPromoted {
		t.Fatalf("expected promoted item, got %s", got.WorkingMemory.Status)
	}

	w = env.do(t, "GET", "/metrics", nil)
	if !strings.Contains(w.Body.String(), `working_memory_promotions_total{node_type="note"} 1`) {
		t.Fatalf("expected promotion counter in metrics, got:\n%s", w.Body.String())
	}
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	env := testServer(t)
	env.do(t, "POST", "/api/items", types.WriteInput{ID: "a", Namespace: "team", Content: "x"})
	env.do(t, "POST", "/api/items/a/triggers", map[string]any{"type": "explicit_save"})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing item", "GET", "/api/items/nope", nil, http.StatusNotFound},
		{"bad namespace", "POST", "/api/items", types.WriteInput{Namespace: "bad ns", Content: "x"}, http.StatusBadRequest},
		{"duplicate id", "POST", "/api/items", types.WriteInput{ID: "a", Namespace: "team", Content: "x"}, http.StatusConflict},
		{"unknown trigger", "POST", "/api/items/a/triggers", map[string]any{"type": "liked"}, http.StatusBadRequest},
		{"terminal item", "POST", "/api/items/a/triggers", map[string]any{"type": "user_viewed"}, http.StatusConflict},
		{"restore promoted", "POST", "/api/items/a/restore", nil, http.StatusConflict},
		{"bad k", "GET", "/api/search?namespace=team&k=many", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := env.do(t, tt.method, tt.path, tt.body)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d (%s)", tt.name, w.Code, tt.want, w.Body.String())
		}
	}
}

func TestSweepAndRestore(t *testing.T) {
	t.Parallel()
	env := testServer(t)
	env.do(t, "POST", "/api/items", types.WriteInput{ID: "old", Namespace: "team", Content: "stale note"})

	env.now = env.now.Add(25 * time.Hour)
	w := env.do(t, "POST", "/api/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sweep status = %d (%s)", w.Code, w.Body.String())
	}
	res := decode[types.EvaluationResult](t, w)
	if res.Evaluated != 1 || res.Faded != 1 {
		t.Fatalf("expected one faded item, got %+v", res)
	}

	w = env.do(t, "POST", "/api/items/old/restore", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restore status = %d (%s)", w.Code, w.Body.String())
	}
	if got := decode[types.RestorationResult](t, w); got.ItemID != "old" {
		t.Fatalf("expected restoration for old, got %+v", got)
	}
	if w = env.do(t, "POST", "/api/items/old/restore", nil); w.Code != http.StatusConflict {
		t.Fatalf("second restore status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestSweepSkipsCorruptRow(t *testing.T) {
	t.Parallel()
	env := testServer(t)
	for _, id := range []string{"good", "bad"} {
		in := types.WriteInput{ID: id, Namespace: "team", Content: id + " note"}
		in.ContentCategory = "fact"
		if w := env.do(t, "POST", "/api/items", in); w.Code != http.StatusCreated {
			t.Fatalf("ingest %s status = %d (%s)", id, w.Code, w.Body.String())
		}
	}

	db, err := sql.Open("sqlite", env.dbPath)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE items SET expires_at = 'garbage' WHERE id = 'bad'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	env.now = env.now.Add(72 * time.Hour)
	w := env.do(t, "POST", "/api/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sweep status = %d (%s)", w.Code, w.Body.String())
	}
	res := decode[types.EvaluationResult](t, w)
	if res.Evaluated != 2 || res.Faded != 1 || len(res.Errors) != 1 || res.Errors[0].ID != "bad" {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	if got := decode[types.Item](t, env.do(t, "GET", "/api/items/good", nil)); got.WorkingMemory.Status != types.StatusFaded {
		t.Fatalf("expected good item faded, got %s", got.WorkingMemory.Status)
	}
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()
	env := testServer(t)
	env.do(t, "POST", "/api/items", types.WriteInput{ID: "s1", Namespace: "team", Content: "postgres failover runbook"})
	env.do(t, "POST", "/api/items", types.WriteInput{ID: "s2", Namespace: "team", Content: "lunch menu"})

	w := env.do(t, "GET", "/api/search?namespace=team&q=failover", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d (%s)", w.Code, w.Body.String())
	}
	body := decode[struct {
		Results []types.SearchResult `json:"results"`
	}](t, w)
	if len(body.Results) == 0 || body.Results[0].Item.ID != "s1" {
		t.Fatalf("expected s1 first, got %+v", body.Results)
	}
	if n := len(body.Results[0].Item.WorkingMemory.TriggerEvents); n != 1 {
		t.Fatalf("expected query_activated event on s1, got %d events", n)
	}
}
