package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiy/working-memory/pkg/types"
)

// Stats summarizes database counters for admin dashboards and metrics.
type Stats struct {
	Total          int64
	Pending        int64
	Promoted       int64
	Faded          int64
	Restored       int64
	OverduePending int64
}

// MCPRequestLog captures one incoming MCP request handled by the server.
type MCPRequestLog struct {
	ID         int64
	Method     string
	ToolName   string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// RecentItem is a compact summary row for admin dashboards.
type RecentItem struct {
	ID        string
	Namespace string
	Status    types.Status
	Category  string
	Score     float64
	Summary   string
	CreatedAt time.Time
}

// SaveRestoration records that a faded item was re-admitted. Each item can be
// restored once; a second call yields ErrExists.
func (s *SQLiteStore) SaveRestoration(ctx context.Context, res types.RestorationResult) error {
	r, err := s.db.ExecContext(ctx, `INSERT INTO restorations (
		item_id, node_type, initial_stability, new_strength, restored_at
	) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(item_id) DO NOTHING`,
		res.ItemID, res.NodeType, res.InitialStability, res.NewStrength, formatTime(res.RestoredAt),
	)
	if err != nil {
		return fmt.Errorf("insert restoration: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("restoration of %s: %w", res.ItemID, ErrExists)
	}
	return nil
}

// GetRestoration returns the restoration record for id, or ErrNotFound.
func (s *SQLiteStore) GetRestoration(ctx context.Context, id string) (types.RestorationResult, error) {
	var (
		res        types.RestorationResult
		restoredAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT item_id, node_type, initial_stability, new_strength, restored_at
FROM restorations WHERE item_id = ?`, id).Scan(&res.ItemID, &res.NodeType, &res.InitialStability, &res.NewStrength, &restoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return res, fmt.Errorf("restoration of %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return res, fmt.Errorf("get restoration: %w", err)
	}
	res.RestoredAt, err = parseTime(restoredAt)
	return res, err
}

// InsertSweep stores the summary of one batch sweep.
func (s *SQLiteStore) InsertSweep(ctx context.Context, rec SweepRecord) error {
	errs := rec.Result.Errors
	if errs == nil {
		errs = []types.ItemError{}
	}
	errsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal sweep errors: %w", err)
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sweeps (
		started_at, evaluated, promoted, faded, still_pending, error_count, errors_json, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(started),
		rec.Result.Evaluated,
		rec.Result.Promoted,
		rec.Result.Faded,
		rec.Result.StillPending,
		len(errs),
		string(errsJSON),
		rec.Result.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert sweep: %w", err)
	}
	return nil
}

// RecentSweeps returns sweep summaries in newest-first order.
func (s *SQLiteStore) RecentSweeps(ctx context.Context, limit int) ([]SweepRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, started_at, evaluated, promoted, faded, still_pending, errors_json, duration_ms
FROM sweeps
ORDER BY started_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweeps: %w", err)
	}
	defer rows.Close()

	out := make([]SweepRecord, 0, limit)
	for rows.Next() {
		var (
			rec       SweepRecord
			startedAt string
			errsJSON  string
		)
		if err := rows.Scan(
			&rec.ID,
			&startedAt,
			&rec.Result.Evaluated,
			&rec.Result.Promoted,
			&rec.Result.Faded,
			&rec.Result.StillPending,
			&errsJSON,
			&rec.Result.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("scan sweep: %w", err)
		}
		if err := json.Unmarshal([]byte(errsJSON), &rec.Result.Errors); err != nil {
			rec.Result.Errors = []types.ItemError{}
		}
		if ts, err := parseTime(startedAt); err == nil {
			rec.StartedAt = ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		count(*),
		coalesce(sum(status = 'pending'), 0),
		coalesce(sum(status = 'promoted'), 0),
		coalesce(sum(status = 'faded'), 0),
		coalesce(sum(status = 'pending' AND expires_at <= ?), 0)
	FROM items`, formatTime(now)).Scan(&st.Total, &st.Pending, &st.Promoted, &st.Faded, &st.OverduePending)
	if err != nil {
		return st, fmt.Errorf("item stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM restorations`).Scan(&st.Restored); err != nil {
		return st, fmt.Errorf("restoration stats: %w", err)
	}
	return st, nil
}

// InsertMCPRequestLog stores one request event for admin observability.
func (s *SQLiteStore) InsertMCPRequestLog(ctx context.Context, rec MCPRequestLog) error {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO mcp_requests (
		method, tool_name, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.ToolName),
		success,
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert mcp request log: %w", err)
	}
	return nil
}

// RecentMCPRequestLogs returns most recent request events in newest-first order.
func (s *SQLiteStore) RecentMCPRequestLogs(ctx context.Context, limit int) ([]MCPRequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, tool_name, success, error_text, duration_ms, created_at
FROM mcp_requests
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mcp request logs: %w", err)
	}
	defer rows.Close()

	items := make([]MCPRequestLog, 0, limit)
	for rows.Next() {
		var (
			row            MCPRequestLog
			successAsInt   int
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Method,
			&row.ToolName,
			&successAsInt,
			&row.ErrorText,
			&row.DurationMS,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan mcp request log: %w", err)
		}
		row.Success = successAsInt == 1
		if ts, err := parseTime(createdAtValue); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// RecentItems returns compact item rows in newest-first order.
func (s *SQLiteStore) RecentItems(ctx context.Context, limit int) ([]RecentItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, namespace, status, content_category, promotion_score, summary, content, created_at
FROM items
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	defer rows.Close()

	items := make([]RecentItem, 0, limit)
	for rows.Next() {
		var (
			row            RecentItem
			status         string
			content        string
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Namespace,
			&status,
			&row.Category,
			&row.Score,
			&row.Summary,
			&content,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan recent item: %w", err)
		}
		row.Status = types.Status(status)
		if strings.TrimSpace(row.Summary) == "" {
			row.Summary = content
		}
		if ts, err := parseTime(createdAtValue); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}
