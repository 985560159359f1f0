package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/working-memory/internal/workingmemory"
	"github.com/xiy/working-memory/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound = errors.New("item not found")
	ErrExists   = errors.New("already exists")
	ErrConflict = errors.New("item was modified concurrently")
)

// Fixed-width UTC layout so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Candidate is a store-level search hit before ranking.
type Candidate struct {
	Item         types.Item
	LexicalScore float64
}

// SweepRecord is one persisted batch sweep.
type SweepRecord struct {
	ID        int64
	StartedAt time.Time
	Result    types.EvaluationResult
}

// Store represents persistence operations used by the working memory service.
type Store interface {
	InsertItem(ctx context.Context, item types.Item) (types.Item, error)
	GetItem(ctx context.Context, id string) (types.Item, error)
	UpdateState(ctx context.Context, id string, version int64, state types.WorkingMemoryState) (types.Item, error)
	ResolvePromotion(ctx context.Context, id string, version int64, state types.WorkingMemoryState, res types.PromotionResult) (types.Item, error)
	ResolveFade(ctx context.Context, id string, version int64, state types.WorkingMemoryState, res types.FadeResult) (types.Item, error)
	SaveRestoration(ctx context.Context, res types.RestorationResult) error
	ListPending(ctx context.Context, limit int) ([]types.Item, []types.ItemError, error)
	SearchCandidates(ctx context.Context, namespace, query string, status types.Status, limit int) ([]Candidate, error)
	InsertSweep(ctx context.Context, rec SweepRecord) error
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Close() error
}

// SQLiteStore is a SQLite-backed item store.
type SQLiteStore struct {
	db         *sql.DB
	logger     *log.Logger
	ftsEnabled bool
}

// OpenSQLite opens and initializes the SQLite store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(strings.ToLower(stmt), "virtual table") {
				s.logger.Warn("FTS5 disabled; falling back to LIKE queries", "error", err)
				continue
			}
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}

	s.ftsEnabled = s.hasFTSTable(ctx)
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

func (s *SQLiteStore) hasFTSTable(ctx context.Context) bool {
	const q = `SELECT count(*) FROM sqlite_master WHERE type='table' AND name='items_fts'`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return false
	}
	return n > 0
}

// InsertItem stores a new item and its initial trigger events. An existing ID
// yields ErrExists.
func (s *SQLiteStore) InsertItem(ctx context.Context, item types.Item) (types.Item, error) {
	if err := workingmemory.ValidateState(item.WorkingMemory); err != nil {
		return item, err
	}
	meta := item.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return item, fmt.Errorf("marshal metadata: %w", err)
	}
	if item.Version == 0 {
		item.Version = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return item, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	wm := item.WorkingMemory
	res, err := tx.ExecContext(ctx, `INSERT INTO items (
		id, namespace, content, summary, source_agent, metadata_json,
		content_category, status, promotion_score, score_last_updated, entered_at, expires_at,
		resolved_at, resolution_reason, version, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`,
		item.ID,
		item.Namespace,
		item.Content,
		item.Summary,
		item.SourceAgent,
		string(metaJSON),
		wm.ContentCategory,
		string(wm.Status),
		wm.PromotionScore,
		formatTime(wm.ScoreLastUpdated),
		formatTime(wm.EnteredAt),
		formatTime(wm.ExpiresAt),
		nullTime(wm.ResolvedAt),
		wm.ResolutionReason,
		item.Version,
		formatTime(item.CreatedAt),
		formatTime(item.UpdatedAt),
	)
	if err != nil {
		return item, fmt.Errorf("insert item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return item, fmt.Errorf("item %s: %w", item.ID, ErrExists)
	}
	if err := insertEvents(ctx, tx, item.ID, 0, wm.TriggerEvents); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, fmt.Errorf("commit insert: %w", err)
	}

	if s.ftsEnabled {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO items_fts(id, content, summary) VALUES (?, ?, ?)`,
			item.ID, item.Content, item.Summary,
		); err != nil {
			s.logger.Warn("fts insert failed; continuing", "error", err)
		}
	}
	return item, nil
}

// GetItem loads one item with its trigger history.
func (s *SQLiteStore) GetItem(ctx context.Context, id string) (types.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ? LIMIT 1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		return item, fmt.Errorf("get item: %w", err)
	}
	if item.WorkingMemory.TriggerEvents, err = s.loadEvents(ctx, id); err != nil {
		return item, err
	}
	if err := workingmemory.ValidateState(item.WorkingMemory); err != nil {
		return item, fmt.Errorf("item %s: %w", id, err)
	}
	return item, nil
}

// UpdateState writes a pending state if the stored version still matches.
// New trigger events are appended; existing ones are never rewritten.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, version int64, state types.WorkingMemoryState) (types.Item, error) {
	return s.writeState(ctx, id, version, state, nil)
}

// ResolvePromotion atomically stores the promoted state and its hand-off record.
func (s *SQLiteStore) ResolvePromotion(ctx context.Context, id string, version int64, state types.WorkingMemoryState, res types.PromotionResult) (types.Item, error) {
	return s.writeState(ctx, id, version, state, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO promotions (
			item_id, final_score, duration_hours, trigger_count, reason,
			node_type, initial_stability, initial_difficulty, promoted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, res.FinalScore, res.DurationHours, res.TriggerCount, res.Reason,
			res.NodeType, res.InitialStability, res.InitialDifficulty, formatTime(res.PromotedAt),
		)
		if err != nil {
			return fmt.Errorf("insert promotion: %w", err)
		}
		return nil
	})
}

// ResolveFade atomically stores the faded state and its archive record.
func (s *SQLiteStore) ResolveFade(ctx context.Context, id string, version int64, state types.WorkingMemoryState, res types.FadeResult) (types.Item, error) {
	return s.writeState(ctx, id, version, state, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO fades (
			item_id, final_score, duration_hours, trigger_count, reason, faded_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
			id, res.FinalScore, res.DurationHours, res.TriggerCount, res.Reason, formatTime(res.FadedAt),
		)
		if err != nil {
			return fmt.Errorf("insert fade: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) writeState(ctx context.Context, id string, version int64, state types.WorkingMemoryState, extra func(*sql.Tx) error) (types.Item, error) {
	if err := workingmemory.ValidateState(state); err != nil {
		return types.Item{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Item{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE items SET
		content_category = ?, status = ?, promotion_score = ?, score_last_updated = ?,
		expires_at = ?, resolved_at = ?, resolution_reason = ?,
		version = version + 1, updated_at = ?
	WHERE id = ? AND version = ? AND status = 'pending'`,
		state.ContentCategory,
		string(state.Status),
		state.PromotionScore,
		formatTime(state.ScoreLastUpdated),
		formatTime(state.ExpiresAt),
		nullTime(state.ResolvedAt),
		state.ResolutionReason,
		formatTime(now),
		id,
		version,
	)
	if err != nil {
		return types.Item{}, fmt.Errorf("update item state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.Item{}, fmt.Errorf("update rows affected: %w", err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM items WHERE id = ?`, id).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return types.Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
		case err != nil:
			return types.Item{}, fmt.Errorf("check item: %w", err)
		case types.Status(current).Terminal():
			return types.Item{}, fmt.Errorf("item %s: %w: status is %s", id, workingmemory.ErrTerminal, current)
		}
		return types.Item{}, fmt.Errorf("item %s at version %d: %w", id, version, ErrConflict)
	}

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM trigger_events WHERE item_id = ?`, id).Scan(&stored); err != nil {
		return types.Item{}, fmt.Errorf("count trigger events: %w", err)
	}
	if len(state.TriggerEvents) < stored {
		return types.Item{}, fmt.Errorf("item %s: %w: trigger history shrank from %d to %d",
			id, workingmemory.ErrInvalidState, stored, len(state.TriggerEvents))
	}
	if err := insertEvents(ctx, tx, id, stored, state.TriggerEvents[stored:]); err != nil {
		return types.Item{}, err
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return types.Item{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return types.Item{}, fmt.Errorf("commit update: %w", err)
	}
	return s.GetItem(ctx, id)
}

// ListPending returns pending items ordered by expiry, oldest deadline first.
// A row that cannot be decoded, or whose events cannot be loaded, is reported
// as an ItemError instead of failing the listing.
func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]types.Item, []types.ItemError, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE status = 'pending' ORDER BY expires_at ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("list pending: %w", err)
	}
	scanned := []types.Item{}
	failed := []types.ItemError{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			failed = append(failed, unreadable(item.ID, fmt.Errorf("scan item: %w", err)))
			continue
		}
		scanned = append(scanned, item)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("list pending: %w", err)
	}

	// Events are loaded after the cursor closes; the pool holds one connection.
	items := make([]types.Item, 0, len(scanned))
	for _, item := range scanned {
		events, err := s.loadEvents(ctx, item.ID)
		if err != nil {
			failed = append(failed, unreadable(item.ID, err))
			continue
		}
		item.WorkingMemory.TriggerEvents = events
		items = append(items, item)
	}
	return items, failed, nil
}

func unreadable(id string, err error) types.ItemError {
	if id == "" {
		id = "(unknown)"
	}
	return types.ItemError{ID: id, Message: fmt.Sprintf("load %s: %v", id, err)}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const itemColumns = `id, namespace, content, summary, source_agent, metadata_json,
	content_category, status, promotion_score, score_last_updated, entered_at, expires_at,
	resolved_at, resolution_reason, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner, extra ...any) (types.Item, error) {
	var (
		item                           types.Item
		metadataJSON, status           string
		scoreUpdated, entered, expires string
		createdAt, updatedAt           string
		resolvedAt                     sql.NullString
	)
	dest := []any{
		&item.ID,
		&item.Namespace,
		&item.Content,
		&item.Summary,
		&item.SourceAgent,
		&metadataJSON,
		&item.WorkingMemory.ContentCategory,
		&status,
		&item.WorkingMemory.PromotionScore,
		&scoreUpdated,
		&entered,
		&expires,
		&resolvedAt,
		&item.WorkingMemory.ResolutionReason,
		&item.Version,
		&createdAt,
		&updatedAt,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return item, err
	}

	if err := json.Unmarshal([]byte(metadataJSON), &item.Metadata); err != nil {
		item.Metadata = map[string]any{}
	}
	item.WorkingMemory.Status = types.Status(status)

	var err error
	wm := &item.WorkingMemory
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&wm.ScoreLastUpdated, scoreUpdated},
		{&wm.EnteredAt, entered},
		{&wm.ExpiresAt, expires},
		{&item.CreatedAt, createdAt},
		{&item.UpdatedAt, updatedAt},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return item, err
		}
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return item, err
		}
		wm.ResolvedAt = &t
	}
	return item, nil
}

func collectItems(rows *sql.Rows) ([]types.Item, error) {
	defer rows.Close()
	items := []types.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func insertEvents(ctx context.Context, tx *sql.Tx, id string, offset int, events []types.TriggerEvent) error {
	for i, ev := range events {
		details := ev.Details
		if details == nil {
			details = map[string]any{}
		}
		detailsJSON, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal trigger details: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO trigger_events (
			item_id, seq, type, score_contribution, details_json, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
			id, offset+i, string(ev.Type), ev.ScoreContribution, string(detailsJSON), formatTime(ev.Timestamp),
		); err != nil {
			return fmt.Errorf("insert trigger event: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadEvents(ctx context.Context, id string) ([]types.TriggerEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, score_contribution, details_json, occurred_at
FROM trigger_events WHERE item_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load trigger events: %w", err)
	}
	defer rows.Close()

	events := []types.TriggerEvent{}
	for rows.Next() {
		var (
			ev          types.TriggerEvent
			typ         string
			detailsJSON string
			occurredAt  string
		)
		if err := rows.Scan(&typ, &ev.ScoreContribution, &detailsJSON, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan trigger event: %w", err)
		}
		ev.Type = types.TriggerType(typ)
		if err := json.Unmarshal([]byte(detailsJSON), &ev.Details); err != nil || len(ev.Details) == 0 {
			ev.Details = nil
		}
		if ev.Timestamp, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return t, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
