// Package scope implements the Scope Detector (C4): classifies a
// (rewritten) query into micro/macro/overview and picks optimal_k.
// Grounded on the teacher's pkg/semantic-router.Router threshold/Config
// pattern (router.go), reused here for rule-based classification with
// confidence instead of route dispatch.
package scope

import (
	"context"
	"strings"
	"time"

	"github.com/lopeti/ha-rag-bridge/pkg/conversation"
)

// Scope enumerates query granularity (/GLOSSARY).
type Scope string

const (
	Micro Scope = "micro"
	Macro Scope = "macro"
	Overview Scope = "overview"
)

// Decision is the outcome of scope classification.
type Decision struct {
	Scope Scope
	Confidence float64
	OptimalK int
	Reasoning string
}

// Completer is the optional LLM refinement capability. Satisfied by
// pkg/llm.Completer.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config is the rule tables and k-ranges driving classification,
// kept as Config fields (not hardcoded) per the teacher's
// Router/ConfigOption pattern.
type Config struct {
	ControlVerbs []string
	OverviewKeywords []string
	MicroKRange [2]int // [5,10]
	MacroKRange [2]int // [15,30]
	OverviewKRange [2]int // [30,50]
	MacroDefaultK int // 20
	LLMMinConfidence float64 // SCOPE_LLM_MIN_CONFIDENCE, default 0.6
	LLMTimeout time.Duration
	LLMEnabled bool
}

// DefaultConfig returns defaults.
func DefaultConfig() Config {
	return Config{
		ControlVerbs: []string{"turn on", "turn off", "kapcsold", "set", "dim"},
		OverviewKeywords: []string{"house", "everything", "summary", "mi ujsag", "all", "going on"},
		MicroKRange: [2]int{5, 10},
		MacroKRange: [2]int{15, 30},
		OverviewKRange: [2]int{30, 50},
		MacroDefaultK: 20,
		LLMMinConfidence: 0.6,
		LLMTimeout: 20 * time.Millisecond,
		LLMEnabled: false,
	}
}

// Detector classifies queries into a Scope and optimal_k.
type Detector struct {
	cfg Config
	llm Completer
}

// New builds a Detector. llm may be nil.
func New(cfg Config, llm Completer) *Detector {
	return &Detector{cfg: cfg, llm: llm}
}

// Detect classifies query given its conversation context.
// ctxInfo.AreasMentioned carries the Conversation Analyzer's area alias
// matches for this utterance ("references one or more known areas").
func (d *Detector) Detect(ctx context.Context, query string, ctxInfo conversation.Context) Decision {
	decision := d.ruleBased(query, ctxInfo)

	if d.cfg.LLMEnabled && d.llm != nil && decision.Confidence < d.cfg.LLMMinConfidence {
		if refined, ok := d.llmRefine(ctx, query, decision); ok {
			return refined
		}
	}
	return decision
}

func (d *Detector) ruleBased(query string, ctxInfo conversation.Context) Decision {
	lower := strings.ToLower(query)

	// Micro: control verb AND at most one entity-shaped token (heuristic:
	// at most one area/domain mentioned combined).
	hasControlVerb := false
	for _, v := range d.cfg.ControlVerbs {
		if strings.Contains(lower, v) {
			hasControlVerb = true
			break
		}
	}
	entityShapedCount := len(ctxInfo.AreasMentioned) + len(ctxInfo.DomainsMentioned)
	if hasControlVerb && entityShapedCount <= 1 {
		return Decision{
			Scope: Micro,
			Confidence: 0.9,
			OptimalK: clampMid(d.cfg.MicroKRange),
			Reasoning: "control verb with at most one entity-shaped token",
		}
	}

	// Macro: area alias hit. Checked before the overview keyword below
	// so that a query matching both (e.g. "what's going on in the
	// kitchen") resolves to the more specific macro scope rather than
	// overview, per the micro > macro > overview specificity tie-break.
	if len(ctxInfo.AreasMentioned) > 0 {
		return Decision{
			Scope: Macro,
			Confidence: 0.75,
			OptimalK: clampMid(d.cfg.MacroKRange),
			Reasoning: "area alias matched",
		}
	}

	// Overview: keyword hit.
	for _, kw := range d.cfg.OverviewKeywords {
		if strings.Contains(lower, kw) {
			return Decision{
				Scope: Overview,
				Confidence: 0.9,
				OptimalK: clampMid(d.cfg.OverviewKRange),
				Reasoning: "overview keyword hit: " + kw,
			}
		}
	}

	// Default: macro, k=20, low confidence.
	return Decision{
		Scope: Macro,
		Confidence: 0.5,
		OptimalK: d.cfg.MacroDefaultK,
		Reasoning: "default",
	}
}

func clampMid(r [2]int) int {
	return (r[0] + r[1]) / 2
}

func (d *Detector) llmRefine(ctx context.Context, query string, fallback Decision) (Decision, bool) {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.LLMTimeout)
	defer cancel()

	prompt := "Classify this smart-home query's scope as micro, macro, or overview: " + query
	text, err := d.llm.Complete(cctx, prompt)
	if err != nil {
		return Decision{}, false
	}
	text = strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.Contains(text, "overview"):
		return Decision{Scope: Overview, Confidence: 0.95, OptimalK: clampMid(d.cfg.OverviewKRange), Reasoning: "llm refinement"}, true
	case strings.Contains(text, "micro"):
		return Decision{Scope: Micro, Confidence: 0.95, OptimalK: clampMid(d.cfg.MicroKRange), Reasoning: "llm refinement"}, true
	case strings.Contains(text, "macro"):
		return Decision{Scope: Macro, Confidence: 0.95, OptimalK: clampMid(d.cfg.MacroKRange), Reasoning: "llm refinement"}, true
	default:
		return fallback, false
	}
}
