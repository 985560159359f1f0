package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/xiy/working-memory/pkg/types"
)

// Search returns ranked items. Every pending item returned for a non-empty
// query receives a query_activated trigger.
func (s *Service) Search(ctx context.Context, in types.SearchInput) ([]types.SearchResult, error) {
	if err := s.validateNamespace(in.Namespace); err != nil {
		return nil, err
	}
	switch in.Status {
	case "", types.StatusPending, types.StatusPromoted, types.StatusFaded:
	default:
		return nil, fmt.Errorf("%w: invalid status %q", ErrInvalidInput, in.Status)
	}
	if in.K <= 0 {
		in.K = s.cfg.DefaultSearchK
	}
	if in.K > 100 {
		in.K = 100
	}

	now := s.now().UTC()
	cands, err := s.store.SearchCandidates(ctx, in.Namespace, in.Query, in.Status, in.K*3)
	if err != nil {
		return nil, err
	}

	results := make([]types.SearchResult, 0, len(cands))
	for _, c := range cands {
		recency := recencyScore(now, c.Item.CreatedAt)
		promotion := s.promotionWeight(c.Item, now)
		results = append(results, types.SearchResult{
			Item:           c.Item,
			Score:          (0.60 * c.LexicalScore) + (0.25 * recency) + (0.15 * promotion),
			LexicalScore:   c.LexicalScore,
			RecencyScore:   recency,
			PromotionScore: promotion,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > in.K {
		results = results[:in.K]
	}

	if strings.TrimSpace(in.Query) != "" {
		for i := range results {
			s.activate(ctx, &results[i], in.Query)
		}
	}
	if !in.IncludeMetadata {
		for i := range results {
			results[i].Item.Metadata = nil
		}
	}
	return results, nil
}

func (s *Service) activate(ctx context.Context, r *types.SearchResult, query string) {
	if r.Item.WorkingMemory.Status != types.StatusPending {
		return
	}
	out, err := s.RecordTrigger(ctx, types.TriggerInput{
		ItemID:  r.Item.ID,
		Type:    types.TriggerQueryActivated,
		Details: map[string]any{"query": truncate(query, 200)},
	})
	if err != nil {
		s.logger.Warn("query activation failed", "id", r.Item.ID, "error", err)
		return
	}
	r.Item = out.Item
}

func (s *Service) promotionWeight(item types.Item, now time.Time) float64 {
	switch item.WorkingMemory.Status {
	case types.StatusPromoted:
		return 1.0
	case types.StatusFaded:
		return 0
	default:
		return s.engine.CurrentScore(item.WorkingMemory, now)
	}
}

// ContextPack builds a compact context block bounded by token budget.
func (s *Service) ContextPack(ctx context.Context, in types.ContextPackInput) (types.ContextPack, error) {
	if in.TokenBudget <= 0 {
		in.TokenBudget = 512
	}
	if in.K <= 0 {
		in.K = s.cfg.MaxContextPackItems
	}
	if in.K > 50 {
		in.K = 50
	}

	results, err := s.Search(ctx, types.SearchInput{
		Namespace: in.Namespace,
		Query:     in.Query,
		Status:    in.Status,
		K:         in.K,
	})
	if err != nil {
		return types.ContextPack{}, err
	}

	seen := map[string]struct{}{}
	lines := make([]string, 0, len(results))
	ids := make([]string, 0, len(results))
	tokens := 0

	for _, r := range results {
		text := strings.TrimSpace(r.Item.Summary)
		if text == "" {
			text = strings.TrimSpace(r.Item.Content)
		}
		if text == "" {
			continue
		}

		norm := normalize(text)
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}

		line := fmt.Sprintf("- [%s|%s] %s", r.Item.ID, r.Item.WorkingMemory.Status, truncate(text, 300))
		lineTokens := estimateTokens(line)
		if tokens+lineTokens > in.TokenBudget {
			break
		}
		tokens += lineTokens
		lines = append(lines, line)
		ids = append(ids, r.Item.ID)
	}

	return types.ContextPack{
		Text:            strings.Join(lines, "\n"),
		EstimatedTokens: tokens,
		ItemIDs:         ids,
	}, nil
}

func autoSummary(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	return truncate(content, 160)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit < 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, 180)
}

func recencyScore(now, t time.Time) float64 {
	days := now.Sub(t).Hours() / 24.0
	if days <= 0 {
		return 1.0
	}
	return math.Exp(-days / 14.0)
}

// estimateTokens is a rough approximation for prompt budgeting.
func estimateTokens(s string) int {
	runes := len([]rune(s))
	t := int(math.Ceil(float64(runes) / 4.0))
	if t < 1 {
		return 1
	}
	return t
}
