package types

import "time"

// Status is the lifecycle status of a working memory trial.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPromoted Status = "promoted"
	StatusFaded    Status = "faded"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusPromoted || s == StatusFaded
}

// TriggerType names an observed signal that contributes to the promotion score.
type TriggerType string

const (
	TriggerUserViewed     TriggerType = "user_viewed"
	TriggerQueryActivated TriggerType = "query_activated"
	TriggerImportantLink  TriggerType = "important_link"
	TriggerHighConfidence TriggerType = "high_confidence"
	TriggerExplicitSave   TriggerType = "explicit_save"
)

// TriggerEvent records one applied trigger. Events are never edited once appended.
type TriggerEvent struct {
	Type              TriggerType    `json:"type"`
	Timestamp         time.Time      `json:"timestamp"`
	ScoreContribution float64        `json:"score_contribution"`
	Details           map[string]any `json:"details,omitempty"`
}

// WorkingMemoryState is the trial record for one knowledge item.
type WorkingMemoryState struct {
	EnteredAt        time.Time      `json:"entered_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	ContentCategory  string         `json:"content_category"`
	PromotionScore   float64        `json:"promotion_score"`
	ScoreLastUpdated time.Time      `json:"score_last_updated"`
	TriggerEvents    []TriggerEvent `json:"trigger_events"`
	Status           Status         `json:"status"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	ResolutionReason string         `json:"resolution_reason,omitempty"`
}

// WMEntryOptions controls creation of a new trial.
type WMEntryOptions struct {
	ContentCategory    string   `json:"content_category"`
	InitialScore       *float64 `json:"initial_score,omitempty"`
	DurationMultiplier *float64 `json:"duration_multiplier,omitempty"`
	SkipIfExists       bool     `json:"skip_if_exists,omitempty"`
}

// PendingItem pairs an item identifier with its trial state for batch evaluation.
type PendingItem struct {
	ID            string             `json:"id"`
	WorkingMemory WorkingMemoryState `json:"working_memory"`
}

// PromotionResult is handed to long-term storage when an item is promoted.
type PromotionResult struct {
	ItemID            string    `json:"item_id"`
	FinalScore        float64   `json:"final_score"`
	DurationHours     float64   `json:"duration_hours"`
	TriggerCount      int       `json:"trigger_count"`
	Reason            string    `json:"reason"`
	PromotedAt        time.Time `json:"promoted_at"`
	NodeType          string    `json:"node_type"`
	InitialStability  float64   `json:"initial_stability"`
	InitialDifficulty float64   `json:"initial_difficulty"`
}

// FadeResult records an item moved to the dormant archive.
type FadeResult struct {
	ItemID        string    `json:"item_id"`
	FinalScore    float64   `json:"final_score"`
	DurationHours float64   `json:"duration_hours"`
	TriggerCount  int       `json:"trigger_count"`
	Reason        string    `json:"reason"`
	FadedAt       time.Time `json:"faded_at"`
}

// RestorationResult records a dormant item re-admitted to long-term storage.
type RestorationResult struct {
	ItemID           string    `json:"item_id"`
	RestoredAt       time.Time `json:"restored_at"`
	NodeType         string    `json:"node_type"`
	InitialStability float64   `json:"initial_stability"`
	NewStrength      float64   `json:"new_strength"`
}

// ItemError is one per-item failure captured during a sweep.
type ItemError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// EvaluationResult summarizes one batch sweep.
type EvaluationResult struct {
	Evaluated    int         `json:"evaluated"`
	Promoted     int         `json:"promoted"`
	Faded        int         `json:"faded"`
	StillPending int         `json:"still_pending"`
	Errors       []ItemError `json:"errors"`
	DurationMs   int64       `json:"duration_ms"`
}

// Item is one persisted knowledge item together with its trial state.
type Item struct {
	ID            string             `json:"id"`
	Namespace     string             `json:"namespace"`
	Content       string             `json:"content"`
	Summary       string             `json:"summary"`
	SourceAgent   string             `json:"source_agent,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	WorkingMemory WorkingMemoryState `json:"working_memory"`
	Version       int64              `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// WriteInput describes a new knowledge item entering working memory.
type WriteInput struct {
	ID          string         `json:"id,omitempty"`
	Namespace   string         `json:"namespace"`
	Content     string         `json:"content"`
	Summary     string         `json:"summary,omitempty"`
	SourceAgent string         `json:"source_agent,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	WMEntryOptions
}

// TriggerInput reports a trigger for an item.
type TriggerInput struct {
	ItemID  string         `json:"item_id"`
	Type    TriggerType    `json:"type"`
	Details map[string]any `json:"details,omitempty"`
}

// TriggerOutcome is the service response to a recorded trigger.
type TriggerOutcome struct {
	Item      Item             `json:"item"`
	Promoted  bool             `json:"promoted"`
	Promotion *PromotionResult `json:"promotion,omitempty"`
}

// IngestOutcome is the service response to an ingest.
type IngestOutcome struct {
	Item      Item             `json:"item"`
	Skipped   bool             `json:"skipped,omitempty"`
	Promotion *PromotionResult `json:"promotion,omitempty"`
}

// RestoreInput requests restoration of a dormant item.
type RestoreInput struct {
	ItemID string `json:"item_id"`
}

// SearchInput is used for search operations.
type SearchInput struct {
	Namespace       string `json:"namespace"`
	Query           string `json:"query"`
	Status          Status `json:"status,omitempty"`
	K               int    `json:"k,omitempty"`
	IncludeMetadata bool   `json:"include_metadata,omitempty"`
}

// SearchResult is a ranked item from search.
type SearchResult struct {
	Item           Item    `json:"item"`
	Score          float64 `json:"score"`
	LexicalScore   float64 `json:"lexical_score"`
	RecencyScore   float64 `json:"recency_score"`
	PromotionScore float64 `json:"promotion_score"`
}

// ContextPackInput requests a compact context bundle.
type ContextPackInput struct {
	Namespace   string `json:"namespace"`
	Query       string `json:"query"`
	TokenBudget int    `json:"token_budget"`
	Status      Status `json:"status,omitempty"`
	K           int    `json:"k,omitempty"`
}

// ContextPack is optimized for prompt injection into agents.
type ContextPack struct {
	Text            string   `json:"text"`
	EstimatedTokens int      `json:"estimated_tokens"`
	ItemIDs         []string `json:"item_ids"`
}
