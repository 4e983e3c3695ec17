// Package rewrite implements the Query Rewriter (C2): resolves
// references in follow-up utterances into standalone queries via a
// deterministic rule-based stage with an optional LLM refinement stage.
// Grounded on the teacher's pkg/memory/hooks.go pluggable-hook +
// fallback shape (FactExtractorFn/RerankerFn) and on the
// TransformedQuery/QueryTransformConfig/transformCache pattern in the
// retrieval pack's BaSui01-agentflow rag.QueryTransformer.
package rewrite

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lopeti/ha-rag-bridge/pkg/conversation"
)

// Method enumerates how a rewrite was produced.
type Method string

const (
	MethodNone Method = "no_rewrite_needed"
	MethodRuleBased Method = "rule_based"
	MethodLLM Method = "llm"
)

// Result is the outcome of a query rewrite attempt.
type Result struct {
	Original string
	Rewritten string
	Method Method
	Confidence float64
	CoreferencesResolved []string
	Reasoning string
}

// Completer is the pluggable LLM capability used by the optional second
// stage. Satisfied by pkg/llm.Completer.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config controls the rewriter's behavior (configuration
// surface: QUERY_REWRITE_ENABLED, QUERY_REWRITE_TIMEOUT_MS).
type Config struct {
	LLMEnabled bool
	LLMTimeout time.Duration // default 200ms
	LLMConfidenceGate float64 // invoke LLM stage when rule-based confidence < this (default 0.7)
	Pronouns []string // configurable pronoun table: "there", "it", "that", "ott", "az"
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		LLMEnabled: true,
		LLMTimeout: 200 * time.Millisecond,
		LLMConfidenceGate: 0.7,
		Pronouns: []string{"there", "it", "that", "ott", "az"},
	}
}

// Rewriter resolves references using the two-stage strategy in spec.md
// §4.2, with a TTL cache keyed on normalized utterance + last history
// turn to avoid re-invoking the LLM for repeated follow-ups within a
// session (mirroring BaSui01-agentflow's transformCache).
type Rewriter struct {
	cfg Config
	llm Completer
	cache *ttlCache
}

// New builds a Rewriter. llm may be nil, in which case the LLM stage is
// always skipped regardless of cfg.LLMEnabled.
func New(cfg Config, llm Completer) *Rewriter {
	return &Rewriter{cfg: cfg, llm: llm, cache: newTTLCache(5 * time.Minute)}
}

// Rewrite resolves utterance into a standalone query.
func (r *Rewriter) Rewrite(ctx context.Context, utterance string, history []conversation.Turn, ctxInfo conversation.Context) Result {
	if !ctxInfo.IsFollowUp && !hasPronoun(utterance, r.cfg.Pronouns) {
		return Result{Original: utterance, Rewritten: utterance, Method: MethodNone, Confidence: 1.0}
	}

	cacheKey := cacheKey(utterance, history)
	if cached, ok := r.cache.get(cacheKey); ok {
		return cached
	}

	ruleResult := r.ruleBased(utterance, history, ctxInfo)

	result := ruleResult
	if r.cfg.LLMEnabled && r.llm != nil && ruleResult.Confidence < r.cfg.LLMConfidenceGate {
		if llmResult, ok := r.llmStage(ctx, utterance, history, ruleResult); ok {
			result = llmResult
		}
	}

	// Invariant: rewritten query is never empty; if both stages fail,
	// fall back to the original with method=no_rewrite_needed.
	if strings.TrimSpace(result.Rewritten) == "" {
		result = Result{Original: utterance, Rewritten: utterance, Method: MethodNone, Confidence: 1.0}
	}

	r.cache.put(cacheKey, result)
	return result
}

// ruleBased implements stage 1: if the prior turn names a
// domain/device query pattern and the current utterance names an area
// but no domain, synthesize prior-domain + current-area.
func (r *Rewriter) ruleBased(utterance string, history []conversation.Turn, ctxInfo conversation.Context) Result {
	priorDomain, priorPattern := lastUserDomainPattern(history)

	if priorDomain != "" && len(ctxInfo.AreasMentioned) > 0 && len(ctxInfo.DomainsMentioned) == 0 {
		area := ctxInfo.AreasMentioned[0]
		rewritten := synthesize(priorPattern, priorDomain, area)
		return Result{
			Original: utterance,
			Rewritten: rewritten,
			Method: MethodRuleBased,
			Confidence: 0.85,
			Reasoning: "substituted prior domain pattern with current area",
		}
	}

	resolved := resolvePronouns(utterance, r.cfg.Pronouns, ctxInfo.PreviousAreas)
	if resolved.changed {
		return Result{
			Original: utterance,
			Rewritten: resolved.text,
			Method: MethodRuleBased,
			Confidence: 0.75,
			CoreferencesResolved: resolved.resolved,
			Reasoning: "resolved pronoun against most recent mentioned area",
		}
	}

	// No rule fired: low-confidence identity rewrite, eligible for LLM refinement.
	return Result{Original: utterance, Rewritten: utterance, Method: MethodRuleBased, Confidence: 0.4}
}

// synthesize builds "<prior pattern> in the <area>?" from the prior
// pattern, substituting the area. Falls back to "what is the <domain> in
// the <area>?" when there is no prior pattern to reuse.
func synthesize(priorPattern, domain, area string) string {
	if priorPattern != "" {
		return priorPattern + " in the " + strings.ReplaceAll(area, "_", " ") + "?"
	}
	return "what is the " + domain + " in the " + strings.ReplaceAll(area, "_", " ") + "?"
}

// lastUserDomainPattern scans history backwards for the most recent user
// turn that asked about a domain and returns that domain plus the
// question stem preceding the area mention (e.g. "what is the
// temperature").
func lastUserDomainPattern(history []conversation.Turn) (domain, pattern string) {
	tables := conversation.DefaultTables()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != "user" {
			continue
		}
		ctxInfo := conversation.Analyze(tables, history[i].Content, nil, nil)
		if len(ctxInfo.DomainsMentioned) == 0 {
			continue
		}
		domain = ctxInfo.DomainsMentioned[0]
		lower := strings.ToLower(history[i].Content)
		if idx := strings.Index(lower, "in the"); idx >= 0 {
			pattern = strings.TrimSpace(history[i].Content[:idx])
		}
		// No "in the <area>" clause to reuse (e.g. a terse "kitchen
		// humidity"): leave pattern empty so synthesize falls back to its
		// own "what is the <domain>" template instead of grafting the
		// domain onto whatever text preceded it with no separator.
		return domain, pattern
	}
	return "", ""
}

type pronounResolution struct {
	text string
	changed bool
	resolved []string
}

func resolvePronouns(utterance string, pronouns []string, previousAreas []string) pronounResolution {
	if len(previousAreas) == 0 {
		return pronounResolution{text: utterance}
	}
	lower := strings.ToLower(utterance)
	for _, p := range pronouns {
		if strings.Contains(lower, strings.ToLower(p)) {
			replaced := replaceWord(utterance, p, previousAreas[0])
			if replaced != utterance {
				return pronounResolution{text: replaced, changed: true, resolved: []string{p}}
			}
		}
	}
	return pronounResolution{text: utterance}
}

func replaceWord(s, word, replacement string) string {
	fields := strings.Fields(s)
	changed := false
	for i, f := range fields {
		stripped := strings.Trim(strings.ToLower(f), ".,?!")
		if stripped == strings.ToLower(word) {
			fields[i] = replacement
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.Join(fields, " ")
}

func hasPronoun(utterance string, pronouns []string) bool {
	for _, f := range strings.Fields(strings.ToLower(utterance)) {
		stripped := strings.Trim(f, ".,?!")
		for _, p := range pronouns {
			if stripped == strings.ToLower(p) {
				return true
			}
		}
	}
	return false
}

// llmStage invokes the optional LLM refinement with the configured
// timeout budget. On timeout or error, the caller keeps the rule-based
// result (stage 2 fallback).
func (r *Rewriter) llmStage(ctx context.Context, utterance string, history []conversation.Turn, ruleResult Result) (Result, bool) {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	defer cancel()

	prompt := buildFewShotPrompt(utterance, history)
	text, err := r.llm.Complete(cctx, prompt)
	if err != nil || strings.TrimSpace(text) == "" {
		return Result{}, false
	}
	return Result{
		Original: utterance,
		Rewritten: strings.TrimSpace(text),
		Method: MethodLLM,
		Confidence: 0.9,
		Reasoning: "llm few-shot rewrite",
	}, true
}

func buildFewShotPrompt(utterance string, history []conversation.Turn) string {
	var b strings.Builder
	b.WriteString("Rewrite the final user utterance into a standalone query.\n")
	for _, t := range history {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString("user: ")
	b.WriteString(utterance)
	return b.String()
}

func cacheKey(utterance string, history []conversation.Turn) string {
	last := ""
	if len(history) > 0 {
		last = history[len(history)-1].Content
	}
	return strings.ToLower(strings.TrimSpace(utterance)) + "|" + strings.ToLower(strings.TrimSpace(last))
}

// ttlCache is a small in-memory TTL map, mirroring the retrieval pack's
// transformCache shape without pulling in a dependency for something
// this simple.
type ttlCache struct {
	mu sync.Mutex
	ttl time.Duration
	m map[string]cacheEntry
}

type cacheEntry struct {
	result Result
	at time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, m: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || time.Since(e.at) > c.ttl {
		return Result{}, false
	}
	return e.result, true
}

func (c *ttlCache) put(key string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = cacheEntry{result: result, at: time.Now()}
}
