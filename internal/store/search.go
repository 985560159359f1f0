package store

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/xiy/working-memory/pkg/types"
)

// SearchCandidates returns items in namespace matching query. An empty status
// matches every status.
func (s *SQLiteStore) SearchCandidates(ctx context.Context, namespace, query string, status types.Status, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 10
	}
	query = strings.TrimSpace(query)
	terms := tokenizeQueryTerms(query)

	var cands []Candidate
	var err error
	if len(terms) > 0 && s.ftsEnabled {
		cands, err = s.searchFTS(ctx, namespace, buildFTSMatchQuery(terms), status, limit)
		if err != nil {
			s.logger.Warn("fts query failed; fallback to LIKE", "error", err)
		}
	}
	if err != nil || len(cands) == 0 {
		// LIKE also covers cases where FTS tokenization misses expected matches.
		cands, err = s.searchLIKE(ctx, namespace, query, terms, status, limit)
		if err != nil {
			return nil, err
		}
	}

	for i := range cands {
		if cands[i].Item.WorkingMemory.TriggerEvents, err = s.loadEvents(ctx, cands[i].Item.ID); err != nil {
			return nil, err
		}
	}
	return cands, nil
}

func (s *SQLiteStore) searchFTS(ctx context.Context, namespace, match string, status types.Status, limit int) ([]Candidate, error) {
	q := `
SELECT ` + prefixedColumns("i") + `, bm25(items_fts) AS bm
FROM items_fts
JOIN items i ON i.id = items_fts.id
WHERE items_fts MATCH ?
  AND i.namespace = ?
`
	args := []any{match, namespace}
	if status != "" {
		q += " AND i.status = ?\n"
		args = append(args, string(status))
	}
	q += "ORDER BY bm ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Candidate, 0, limit)
	for rows.Next() {
		var bm float64
		item, err := scanItem(rows, &bm)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{Item: item, LexicalScore: 1.0 / (1.0 + math.Abs(bm))})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) searchLIKE(ctx context.Context, namespace, query string, terms []string, status types.Status, limit int) ([]Candidate, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE namespace = ?` + "\n"
	args := []any{namespace}
	if status != "" {
		q += " AND status = ?\n"
		args = append(args, string(status))
	}
	if len(terms) > 0 {
		for _, term := range terms {
			q += " AND (content LIKE ? OR summary LIKE ?)\n"
			needle := "%" + term + "%"
			args = append(args, needle, needle)
		}
	} else if query != "" {
		// Query had no extractable tokens (e.g. only punctuation).
		q += " AND (content LIKE ? OR summary LIKE ?)\n"
		needle := "%" + query + "%"
		args = append(args, needle, needle)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search like: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	lex := 0.4
	if query == "" {
		lex = 0.25
	}
	out := make([]Candidate, 0, len(items))
	for _, item := range items {
		out = append(out, Candidate{Item: item, LexicalScore: lex})
	}
	return out, nil
}

func prefixedColumns(alias string) string {
	cols := strings.Split(itemColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func tokenizeQueryTerms(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	seen := map[string]struct{}{}
	terms := make([]string, 0, 6)
	var sb strings.Builder

	flush := func() {
		if sb.Len() == 0 {
			return
		}
		term := sb.String()
		sb.Reset()
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}

	for _, r := range query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return terms
}

func buildFTSMatchQuery(terms []string) string {
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		escaped := strings.ReplaceAll(term, `"`, `""`)
		parts = append(parts, `"`+escaped+`"`)
	}
	return strings.Join(parts, " AND ")
}
