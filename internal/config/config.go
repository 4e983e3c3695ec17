// Package config builds the bridge's frozen runtime configuration: a
// single struct populated once at startup, plus a companion schema
// describing each field for admin/introspection surfaces. This replaces
// the "dynamic 100+ field config object" pattern with something that can
// be validated once and never mutated for the lifetime of the process,
// following the same load-then-freeze shape as the teacher's
// core.Config/core.DefaultConfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the complete, immutable configuration surface for the
// retrieval pipeline ("Configuration surface").
//
// Not every field is read by this module. pkg/pipeline reads ClusterTopK,
// the Rerank* fields and the BudgetTotal, BudgetQueryRewriter,
// BudgetScopeDetector and BudgetReranker budgets; Validate checks
// EmbedDim, BoostMin, BoostMax and EntityDBPath. The remaining fields are
// listed by Schema only: the entity store, conversation memory and hybrid
// merge use their own built-in values instead.
type Config struct {
	// Embedding
	EmbedDim int // one of 384, 768, 1536

	// C3 Conversation Memory
	MemoryTTL time.Duration
	FocusHistoryLimit int
	BoostDecayConstant time.Duration // DECAY_CONSTANT, default 300s
	BoostMin float64
	BoostMax float64

	// C5/C6 retrieval
	VectorWeight float64 // 0.7
	TextWeight float64 // 0.3
	TextOnlyWeight float64 // 0.5
	ClusterTopK int
	EntityTopK int
	HNSWEnabled bool
	HNSWMinElements int // below this, linear scan is used instead

	// C7 Reranker
	RerankMaxPrimary int
	RerankMaxRelated int
	RerankPrimaryThresh float64
	RerankContextBoostCap float64
	RerankCacheTTL time.Duration
	RerankBatchSize int

	// Orchestrator stage budgets (/ §5)
	BudgetConversationAnalyzer time.Duration // C1 <= 10ms
	BudgetQueryRewriter time.Duration // C2 <= 200ms
	BudgetScopeDetector time.Duration // C4 <= 20ms
	BudgetClusterIndex time.Duration // C5 <= 50ms
	BudgetEntityRetriever time.Duration // C6 <= 150ms
	BudgetReranker time.Duration // C7 <= 200ms
	BudgetFormatter time.Duration // C8 <= 20ms
	BudgetTotal time.Duration // orchestrator deadline, default 1500ms

	// Storage
	EntityDBPath string
	LogLevel string
}

// Default returns the configuration with every default value from
// applied.
func Default() Config {
	return Config{
		EmbedDim: 768,

		MemoryTTL: 900 * time.Second,
		FocusHistoryLimit: 10,
		BoostDecayConstant: 300 * time.Second,
		BoostMin: 1.0,
		BoostMax: 3.0,

		VectorWeight: 0.7,
		TextWeight: 0.3,
		TextOnlyWeight: 0.5,
		ClusterTopK: 8,
		EntityTopK: 20,
		HNSWEnabled: true,
		HNSWMinElements: 512,

		RerankMaxPrimary: 4,
		RerankMaxRelated: 6,
		RerankPrimaryThresh: 0.6,
		RerankContextBoostCap: 0.5,
		RerankCacheTTL: 5 * time.Minute,
		RerankBatchSize: 32,

		BudgetConversationAnalyzer: 10 * time.Millisecond,
		BudgetQueryRewriter: 200 * time.Millisecond,
		BudgetScopeDetector: 20 * time.Millisecond,
		BudgetClusterIndex: 50 * time.Millisecond,
		BudgetEntityRetriever: 150 * time.Millisecond,
		BudgetReranker: 200 * time.Millisecond,
		BudgetFormatter: 20 * time.Millisecond,
		BudgetTotal: 1500 * time.Millisecond,

		EntityDBPath: "ha-rag-bridge.db",
		LogLevel: "info",
	}
}

// Field describes one configuration field for the schema surface.
type Field struct {
	Name string
	Default string
	Constraints string
	Description string
}

// Schema returns the configuration's field-level documentation, used by
// the CLI's "config show" command and any future admin surface. Keeping
// this separate from Config itself means a caller can inspect or render
// the schema without holding (or being able to mutate) a live Config.
func Schema() []Field {
	return []Field{
		{"EmbedDim", "768", "one of 384, 768, 1536", "Embedding vector dimension shared by entities, clusters, and queries."},
		{"MemoryTTL", "900s", "> 0", "How long a conversation memory session stays active after its last write."},
		{"FocusHistoryLimit", "10", ">= 0", "Maximum focus_history entries retained per conversation memory."},
		{"BoostDecayConstant", "300s", "> 0", "Exponential recency decay constant for the memory boost formula."},
		{"BoostMin", "1.0", "== 1.0", "Lower bound of the multiplicative memory boost."},
		{"BoostMax", "3.0", ">= BoostMin", "Upper bound of the multiplicative memory boost."},
		{"VectorWeight", "0.7", "0..1", "Weight applied to the vector score when both vector and text hits overlap."},
		{"TextWeight", "0.3", "0..1, VectorWeight+TextWeight==1", "Weight applied to the text score when both vector and text hits overlap."},
		{"TextOnlyWeight", "0.5", "0..1", "Weight applied to a text-only hit with no vector counterpart."},
		{"ClusterTopK", "8", "> 0", "Maximum clusters returned by the cluster index search."},
		{"EntityTopK", "20", "> 0", "Maximum entities returned before reranking."},
		{"HNSWEnabled", "true", "bool", "Whether to accelerate vector search with an HNSW index."},
		{"HNSWMinElements", "512", ">= 0", "Below this corpus size, linear scan is used instead of HNSW."},
		{"RerankMaxPrimary", "4", "> 0", "Maximum entities assigned the primary role after reranking."},
		{"RerankMaxRelated", "6", ">= 0", "Maximum entities assigned the related role after reranking."},
		{"RerankPrimaryThresh", "0.6", "0..1", "Minimum final_score required for the primary role."},
		{"RerankContextBoostCap", "0.5", ">= 0", "Maximum context_boost added to a cross-encoder base score."},
		{"RerankCacheTTL", "5m", "> 0", "TTL of the (query_hash, entity_id) cross-encoder score cache."},
		{"RerankBatchSize", "32", "> 0", "Cross-encoder scoring batch size."},
		{"BudgetConversationAnalyzer", "10ms", "> 0", "Per-request timeout budget for C1."},
		{"BudgetQueryRewriter", "200ms", "> 0", "Per-request timeout budget for C2."},
		{"BudgetScopeDetector", "20ms", "> 0", "Per-request timeout budget for C4."},
		{"BudgetClusterIndex", "50ms", "> 0", "Per-request timeout budget for C5."},
		{"BudgetEntityRetriever", "150ms", "> 0", "Per-request timeout budget for C6."},
		{"BudgetReranker", "200ms", "> 0", "Per-request timeout budget for C7."},
		{"BudgetFormatter", "20ms", "> 0", "Per-request timeout budget for C8."},
		{"BudgetTotal", "1500ms", "> 0", "Overall orchestrator deadline."},
		{"EntityDBPath", "ha-rag-bridge.db", "non-empty", "SQLite file backing the entity/cluster/memory stores."},
		{"LogLevel", "info", "debug|info|warn|error", "Minimum level logged by the pipeline logger."},
	}
}

// Validate checks constraints that Default always satisfies but a
// caller-overridden Config might not.
func (c Config) Validate() error {
	switch c.EmbedDim {
	case 384, 768, 1536:
	default:
		return fmt.Errorf("embed dim %d: %w", c.EmbedDim, errInvalid)
	}
	if c.BoostMin != 1.0 {
		return fmt.Errorf("boost min must be 1.0: %w", errInvalid)
	}
	if c.BoostMax < c.BoostMin {
		return fmt.Errorf("boost max must be >= boost min: %w", errInvalid)
	}
	if c.EntityDBPath == "" {
		return fmt.Errorf("entity db path empty: %w", errInvalid)
	}
	return nil
}

var errInvalid = fmt.Errorf("invalid configuration")

// FromEnv starts from Default and applies HARAG_-prefixed environment
// variable overrides, matching the teacher's pattern of a pure-default
// constructor plus optional field overrides rather than a generic env
// unmarshaler (no reflection-based config library appears anywhere in
// the retrieval pack).
func FromEnv() (Config, error) {
	c := Default()

	if v := os.Getenv("HARAG_EMBED_DIM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("HARAG_EMBED_DIM: %w", err)
		}
		c.EmbedDim = n
	}
	if v := os.Getenv("HARAG_ENTITY_DB_PATH"); v != "" {
		c.EntityDBPath = v
	}
	if v := os.Getenv("HARAG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HARAG_MEMORY_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("HARAG_MEMORY_TTL: %w", err)
		}
		c.MemoryTTL = d
	}
	if v := os.Getenv("HARAG_BUDGET_TOTAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("HARAG_BUDGET_TOTAL: %w", err)
		}
		c.BudgetTotal = d
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
