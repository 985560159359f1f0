// Package workingmemory holds the promotion, decay and lifecycle arithmetic for
// items on trial in working memory. Every operation is a pure function of the
// values passed in; persistence and scheduling belong to the caller.
package workingmemory

import (
	"errors"
	"fmt"
	"maps"

	"github.com/xiy/working-memory/pkg/types"
)

// Tables is the static lookup configuration consumed by the engine. It is
// copied on construction so later edits by the caller have no effect.
type Tables struct {
	PromotionThreshold float64
	DecayPerDay        float64
	MinMultiplier      float64
	MaxMultiplier      float64
	DefaultCategory    string
	CategoryHours      map[string]float64
	TriggerScores      map[types.TriggerType]float64
	InstantTrigger     types.TriggerType
	NodeTypes          map[string]string
	DefaultNodeType    string
	InitialStrength    float64
	RestorationBonus   float64
}

// DefaultTables returns the stock trial durations, trigger weights and
// category mappings.
func DefaultTables() Tables {
	return Tables{
		PromotionThreshold: 0.5,
		DecayPerDay:        0.1,
		MinMultiplier:      0.5,
		MaxMultiplier:      2.0,
		DefaultCategory:    "general",
		CategoryHours: map[string]float64{
			"general":    24,
			"fact":       24,
			"event":      12,
			"task":       8,
			"concept":    36,
			"decision":   48,
			"person":     48,
			"preference": 72,
		},
		TriggerScores: map[types.TriggerType]float64{
			types.TriggerUserViewed:     0.2,
			types.TriggerQueryActivated: 0.15,
			types.TriggerImportantLink:  0.3,
			types.TriggerHighConfidence: 0.4,
			types.TriggerExplicitSave:   1.0,
		},
		InstantTrigger: types.TriggerExplicitSave,
		NodeTypes: map[string]string{
			"fact":       "fact",
			"event":      "event",
			"task":       "event",
			"concept":    "concept",
			"decision":   "decision",
			"person":     "entity",
			"preference": "preference",
		},
		DefaultNodeType:  "note",
		InitialStrength:  0.8,
		RestorationBonus: 0.15,
	}
}

// Validate checks that the tables can drive the engine.
func (t Tables) Validate() error {
	if t.PromotionThreshold <= 0 || t.PromotionThreshold > 1 {
		return fmt.Errorf("promotion threshold %v must be in (0,1]", t.PromotionThreshold)
	}
	if t.DecayPerDay < 0 {
		return errors.New("decay per day must be >= 0")
	}
	if t.MinMultiplier <= 0 || t.MaxMultiplier < t.MinMultiplier {
		return fmt.Errorf("invalid multiplier range [%v, %v]", t.MinMultiplier, t.MaxMultiplier)
	}
	base, ok := t.CategoryHours[t.DefaultCategory]
	if !ok {
		return fmt.Errorf("default category %q has no duration", t.DefaultCategory)
	}
	if base <= 0 {
		return fmt.Errorf("default category %q duration must be > 0", t.DefaultCategory)
	}
	for cat, h := range t.CategoryHours {
		if h <= 0 {
			return fmt.Errorf("category %q duration must be > 0", cat)
		}
	}
	for tt, s := range t.TriggerScores {
		if s < 0 || s > 1 {
			return fmt.Errorf("trigger %q contribution %v must be in [0,1]", tt, s)
		}
	}
	if _, ok := t.TriggerScores[t.InstantTrigger]; !ok {
		return fmt.Errorf("instant trigger %q has no contribution", t.InstantTrigger)
	}
	if t.DefaultNodeType == "" {
		return errors.New("default node type must not be empty")
	}
	if t.RestorationBonus <= 0 {
		return errors.New("restoration bonus must be > 0")
	}
	return nil
}

func (t Tables) clone() Tables {
	c := t
	c.CategoryHours = maps.Clone(t.CategoryHours)
	c.TriggerScores = maps.Clone(t.TriggerScores)
	c.NodeTypes = maps.Clone(t.NodeTypes)
	return c
}

// NodeTypeFor maps a content category onto a long-term node type.
func (t Tables) NodeTypeFor(category string) string {
	if nt, ok := t.NodeTypes[category]; ok {
		return nt
	}
	return t.DefaultNodeType
}

// NodeParams are the long-term memory starting parameters for one node type.
type NodeParams struct {
	Stability  float64 `yaml:"stability" json:"stability"`
	Difficulty float64 `yaml:"difficulty" json:"difficulty"`
}

// ParamProvider supplies initial long-term memory parameters per node type.
type ParamProvider interface {
	InitialStability(nodeType string) float64
	InitialDifficulty(nodeType string) float64
}

// StaticParams is a fixed ParamProvider. Unknown node types get Default.
type StaticParams struct {
	ByType  map[string]NodeParams
	Default NodeParams
}

// DefaultParams returns stability (days) and difficulty (1-10) per node type.
func DefaultParams() StaticParams {
	return StaticParams{
		ByType: map[string]NodeParams{
			"fact":       {Stability: 3.0, Difficulty: 5.0},
			"event":      {Stability: 1.0, Difficulty: 6.0},
			"concept":    {Stability: 3.5, Difficulty: 5.5},
			"decision":   {Stability: 5.0, Difficulty: 4.0},
			"entity":     {Stability: 4.0, Difficulty: 4.5},
			"preference": {Stability: 7.0, Difficulty: 3.0},
			"note":       {Stability: 2.0, Difficulty: 5.0},
		},
		Default: NodeParams{Stability: 2.0, Difficulty: 5.0},
	}
}

func (p StaticParams) lookup(nodeType string) NodeParams {
	if np, ok := p.ByType[nodeType]; ok {
		return np
	}
	return p.Default
}

func (p StaticParams) InitialStability(nodeType string) float64 {
	return p.lookup(nodeType).Stability
}

func (p StaticParams) InitialDifficulty(nodeType string) float64 {
	return p.lookup(nodeType).Difficulty
}
