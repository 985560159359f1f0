package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xiy/working-memory/internal/memory"
	"github.com/xiy/working-memory/pkg/types"
)

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content           []textContent `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError"`
}

type tool struct {
	def  ToolDefinition
	call func(ctx context.Context, svc *memory.Service, args json.RawMessage) (any, error)
}

// bind decodes tool arguments into In before calling fn.
func bind[In, Out any](name string, fn func(*memory.Service, context.Context, In) (Out, error)) func(context.Context, *memory.Service, json.RawMessage) (any, error) {
	return func(ctx context.Context, svc *memory.Service, args json.RawMessage) (any, error) {
		var in In
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("invalid %s arguments: %w", name, err)
			}
		}
		return fn(svc, ctx, in)
	}
}

type getInput struct {
	ItemID string `json:"item_id"`
}

type sweepInput struct{}

var triggerTypes = []string{
	string(types.TriggerUserViewed),
	string(types.TriggerQueryActivated),
	string(types.TriggerImportantLink),
	string(types.TriggerHighConfidence),
	string(types.TriggerExplicitSave),
}

var statuses = []string{string(types.StatusPending), string(types.StatusPromoted), string(types.StatusFaded)}

func toolset() []tool {
	return []tool{
		{
			def: ToolDefinition{
				Name:        "wm_ingest",
				Description: "Place a new knowledge item on trial in working memory.",
				InputSchema: jsonSchema(map[string]any{
					"id":                  propString("Optional caller-chosen item ID."),
					"namespace":           propString("Namespace key (e.g. org/repo/task)."),
					"content":             propString("Primary item content."),
					"summary":             propString("Optional summary."),
					"source_agent":        propString("Agent identifier."),
					"content_category":    propString("Category that sets the trial length (fact, event, task, decision, ...)."),
					"initial_score":       propNumber("Starting promotion score in [0,1]."),
					"duration_multiplier": propNumber("Trial length multiplier, clamped to [0.5,2]."),
					"skip_if_exists":      propBoolean("Return the existing item when id is already stored."),
					"metadata":            map[string]any{"type": "object"},
				}, []string{"namespace", "content"}),
			},
			call: bind("wm_ingest", (*memory.Service).Ingest),
		},
		{
			def: ToolDefinition{
				Name:        "wm_trigger",
				Description: "Record a usage trigger on a pending item. explicit_save promotes immediately.",
				InputSchema: jsonSchema(map[string]any{
					"item_id": propString("Item ID."),
					"type":    propStringEnum("Trigger type.", triggerTypes),
					"details": map[string]any{"type": "object"},
				}, []string{"item_id", "type"}),
			},
			call: bind("wm_trigger", (*memory.Service).RecordTrigger),
		},
		{
			def: ToolDefinition{
				Name:        "wm_get",
				Description: "Fetch one item with its working memory state.",
				InputSchema: jsonSchema(map[string]any{
					"item_id": propString("Item ID."),
				}, []string{"item_id"}),
			},
			call: bind("wm_get", func(svc *memory.Service, ctx context.Context, in getInput) (types.Item, error) {
				return svc.Get(ctx, in.ItemID)
			}),
		},
		{
			def: ToolDefinition{
				Name:        "wm_search",
				Description: "Search items by lexical relevance, recency and promotion score. Pending hits receive a query_activated trigger.",
				InputSchema: jsonSchema(map[string]any{
					"namespace":        propString("Namespace key."),
					"query":            propString("Search query."),
					"status":           propStringEnum("Optional status filter.", statuses),
					"k":                propNumber("Maximum results."),
					"include_metadata": propBoolean("Whether to include metadata in results."),
				}, []string{"namespace", "query"}),
			},
			call: bind("wm_search", (*memory.Service).Search),
		},
		{
			def: ToolDefinition{
				Name:        "wm_context_pack",
				Description: "Return a compact, deduplicated context pack under a token budget.",
				InputSchema: jsonSchema(map[string]any{
					"namespace":    propString("Namespace key."),
					"query":        propString("Query for retrieving context."),
					"token_budget": propNumber("Maximum estimated tokens."),
					"status":       propStringEnum("Optional status filter.", statuses),
					"k":            propNumber("Maximum candidate items to evaluate."),
				}, []string{"namespace", "query", "token_budget"}),
			},
			call: bind("wm_context_pack", (*memory.Service).ContextPack),
		},
		{
			def: ToolDefinition{
				Name:        "wm_sweep",
				Description: "Evaluate every pending item now, promoting or fading those that are due.",
				InputSchema: jsonSchema(map[string]any{}, []string{}),
			},
			call: bind("wm_sweep", func(svc *memory.Service, ctx context.Context, _ sweepInput) (types.EvaluationResult, error) {
				return svc.Sweep(ctx)
			}),
		},
		{
			def: ToolDefinition{
				Name:        "wm_restore",
				Description: "Restore a faded item from the dormant archive to long-term memory.",
				InputSchema: jsonSchema(map[string]any{
					"item_id": propString("Faded item ID."),
				}, []string{"item_id"}),
			},
			call: bind("wm_restore", (*memory.Service).Restore),
		},
	}
}

func toolDefinitions() []ToolDefinition {
	tools := toolset()
	defs := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (toolResult, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return toolResult{}, fmt.Errorf("invalid tools/call params: %w", err)
	}
	t, ok := s.tools[p.Name]
	if !ok {
		return toolResult{}, fmt.Errorf("unknown tool %q", p.Name)
	}
	v, err := t.call(ctx, s.svc, p.Arguments)
	if err != nil {
		return toolResult{}, err
	}
	return toolSuccess(v)
}

func toolSuccess(v any) (toolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolResult{}, err
	}
	return toolResult{
		Content:           []textContent{{Type: "text", Text: string(b)}},
		StructuredContent: v,
	}, nil
}

func toolError(err error) toolResult {
	return toolResult{
		Content: []textContent{{Type: "text", Text: err.Error()}},
		IsError: true,
	}
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propStringEnum(description string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func propNumber(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func propBoolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}
