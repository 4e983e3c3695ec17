// Package pipeline implements the Pipeline Orchestrator: wires C1–C8,
// enforces per-stage timing budgets and overall deadline, and schedules
// background conversation-memory work. Grounded on the teacher's
// pkg/memory/recall.go four-channel goroutine+channel fan-out (reused
// here for the C5∥C6 concurrent fan-out) and on the retrieval pack's
// reranking timeout/semaphore/cancellation idiom
// (kalambet-tbyd/internal/reranking/reranker.go).
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/lopeti/ha-rag-bridge/internal/config"
	"github.com/lopeti/ha-rag-bridge/internal/logging"
	"github.com/lopeti/ha-rag-bridge/pkg/cluster"
	"github.com/lopeti/ha-rag-bridge/pkg/conversation"
	"github.com/lopeti/ha-rag-bridge/pkg/convmemory"
	"github.com/lopeti/ha-rag-bridge/pkg/entity"
	"github.com/lopeti/ha-rag-bridge/pkg/format"
	"github.com/lopeti/ha-rag-bridge/pkg/llm"
	"github.com/lopeti/ha-rag-bridge/pkg/rerank"
	"github.com/lopeti/ha-rag-bridge/pkg/rewrite"
	"github.com/lopeti/ha-rag-bridge/pkg/scope"

	harag "github.com/lopeti/ha-rag-bridge"
)

// HistoryTurn mirrors the request's history entry shape .
type HistoryTurn struct {
	Role string
	Content string
}

// Request is the core request accepted by the orchestrator (spec.md
// §6).
type Request struct {
	SessionID string
	Utterance string
	History []HistoryTurn
	Debug bool
}

// RankedOut is one entry of Response.Ranked .
type RankedOut struct {
	EntityID string
	FinalScore float64
	Role rerank.Role
	RankingFactors map[string]float64
}

// ScopeOut mirrors the response's scope sub-object.
type ScopeOut struct {
	Detected scope.Scope
	Confidence float64
	OptimalK int
}

// RewriteOut mirrors the response's rewrite sub-object.
type RewriteOut struct {
	Original string
	Rewritten string
	Method rewrite.Method
	Confidence float64
}

// Response is the core response returned by the orchestrator (spec.md
// §6).
type Response struct {
	Ranked []RankedOut
	Context string
	Scope ScopeOut
	Rewrite RewriteOut
	Trace *Trace // non-nil iff Request.Debug
}

// Orchestrator wires C1–C8. Every field is an explicit dependency handle
// (Design Notes §9: "expose as explicit dependency handles ... in
// tests, swap with fakes") rather than a package-level singleton.
type Orchestrator struct {
	cfg config.Config

	tables conversation.Tables
	rewriter *rewrite.Rewriter
	scoper *scope.Detector
	clusters *cluster.Index
	entities *entity.Store
	memory *convmemory.Manager
	embedder llm.Embedder
	rerankCfg rerank.Config
	crossEncoder rerank.CrossEncoder
	logger logging.Logger
}

// Deps bundles everything an Orchestrator needs.
type Deps struct {
	Config config.Config
	Tables conversation.Tables
	Clusters *cluster.Index
	Entities *entity.Store
	Memory *convmemory.Manager
	Embedder llm.Embedder
	CrossEncoder llm.CrossEncoder
	Completer llm.Completer // optional, used by C2/C4 LLM stages
	Logger logging.Logger
}

// New builds an Orchestrator from Deps, constructing C2/C4/C7 with the
// configured budgets and capability handles.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}

	rwCfg := rewrite.DefaultConfig()
	rwCfg.LLMTimeout = d.Config.BudgetQueryRewriter
	rwCfg.LLMEnabled = d.Completer != nil

	scCfg := scope.DefaultConfig()
	scCfg.LLMEnabled = d.Completer != nil

	rrCfg := rerank.DefaultConfig()
	rrCfg.ScaleFactor = 1.0
	rrCfg.ContextBoostCap = d.Config.RerankContextBoostCap
	rrCfg.PrimaryThreshold = d.Config.RerankPrimaryThresh
	rrCfg.MaxPrimary = d.Config.RerankMaxPrimary
	rrCfg.MaxRelated = d.Config.RerankMaxRelated
	rrCfg.CacheTTL = d.Config.RerankCacheTTL
	rrCfg.BatchSize = d.Config.RerankBatchSize

	o := &Orchestrator{
		cfg: d.Config,
		tables: d.Tables,
		clusters: d.Clusters,
		entities: d.Entities,
		memory: d.Memory,
		embedder: d.Embedder,
		logger: d.Logger,
	}

	o.rewriter = rewrite.New(rwCfg, completerAdapter{d.Completer})
	o.scoper = scope.New(scCfg, completerAdapter{d.Completer})
	o.rerankCfg = rrCfg
	o.crossEncoder = crossEncoderAdapter{d.CrossEncoder}
	return o
}

type completerAdapter struct{ c llm.Completer }

func (a completerAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	if a.c == nil {
		return "", context.DeadlineExceeded
	}
	return a.c.Complete(ctx, prompt)
}

type crossEncoderAdapter struct{ ce llm.CrossEncoder }

func (a crossEncoderAdapter) Score(ctx context.Context, query string, pairs []rerank.Pair) ([]float64, error) {
	if a.ce == nil {
		return nil, context.DeadlineExceeded
	}
	llmPairs := make([]llm.Pair, len(pairs))
	for i, p := range pairs {
		llmPairs[i] = llm.Pair{EntityID: p.EntityID, Document: p.Document}
	}
	return a.ce.Score(ctx, query, llmPairs)
}

// boostWeightFor returns a MemoryBooster bound to mem, the snapshot
// loaded for one request (the boost formula is a pure
// function of a given Memory). Building one per request — rather than
// sharing a single closure across concurrent requests — keeps the
// pipeline free of cross-request shared mutable state (
// "multiple requests run in parallel").
func (o *Orchestrator) boostWeightFor(mem *convmemory.Memory) rerank.MemoryBooster {
	return func(entityID, area, domain string) float64 {
		return o.memory.BoostWeight(mem, convmemory.BoostInput{EntityID: entityID, Area: area, Domain: domain}, time.Now())
	}
}

// Handle runs one request through C1–C8 per the ordering
// diagram, enforcing the overall deadline  and scheduling
// background memory work after the response is assembled.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	if req.Utterance == "" {
		return Response{}, harag.ErrBadRequest
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.BudgetTotal)
	defer cancel()

	trace := newTrace()
	start := time.Now()

	history := toConvTurns(req.History)

	mem, _ := o.memory.Load(ctx, req.SessionID)
	ranker := rerank.New(o.rerankCfg, o.crossEncoder, o.boostWeightFor(mem))

	var previousAreas []string
	if mem != nil {
		// Most recently focused area first, then the rest sorted.
		seen := map[string]bool{}
		for i := len(mem.FocusHistory) - 1; i >= 0; i-- {
			if a := mem.FocusHistory[i].Area; a != "" && !seen[a] {
				seen[a] = true
				previousAreas = append(previousAreas, a)
			}
		}
		var rest []string
		for a := range mem.AreasMentioned {
			if !seen[a] {
				rest = append(rest, a)
			}
		}
		sort.Strings(rest)
		previousAreas = append(previousAreas, rest...)
	}

	// C1: Conversation Analyzer
	t1 := time.Now()
	ctxInfo := conversation.Analyze(o.tables, req.Utterance, history, previousAreas)
	trace.add("conversation_analyzer", "transform", 1, 1, time.Since(t1), "")

	// C2: Query Rewriter
	t2 := time.Now()
	rewriteCtx, cancel2 := context.WithTimeout(ctx, o.cfg.BudgetQueryRewriter)
	rw := o.rewriter.Rewrite(rewriteCtx, req.Utterance, history, ctxInfo)
	cancel2()
	trace.add("query_rewriter", "transform", 1, 1, time.Since(t2), string(rw.Method))

	q := rw.Rewritten

	// C4: Scope Detector
	t4 := time.Now()
	scopeCtx, cancel4 := context.WithTimeout(ctx, o.cfg.BudgetScopeDetector)
	sc := o.scoper.Detect(scopeCtx, q, ctxInfo)
	cancel4()
	trace.add("scope_detector", "transform", 1, 1, time.Since(t4), string(sc.Scope))

	// C5 ∥ C6: Cluster Index search+expand and Entity Retriever run
	// concurrently, fanned out over buffered channels
	// (teacher idiom: pkg/memory/recall.go's channel fan-out).
	type clusterResult struct {
		expanded []cluster.ExpandedEntity
		dur time.Duration
	}
	type retrieverResult struct {
		merged []mergedCandidate
		dur time.Duration
	}
	clusterCh := make(chan clusterResult, 1)
	retrieverCh := make(chan retrieverResult, 1)

	go func() {
		t := time.Now()
		expanded := o.searchClusters(ctx, q, sc)
		clusterCh <- clusterResult{expanded: expanded, dur: time.Since(t)}
	}()
	go func() {
		t := time.Now()
		merged := o.retrieveEntities(ctx, q, sc)
		retrieverCh <- retrieverResult{merged: merged, dur: time.Since(t)}
	}()

	cr := <-clusterCh
	rr := <-retrieverCh
	trace.add("cluster_index", "search", 1, len(cr.expanded), cr.dur, "")
	trace.add("entity_retriever", "search", 1, len(rr.merged), rr.dur, "")

	// Fallback policy : if the cluster path returned zero
	// entities or fewer than optimal_k/2, the retriever's own results
	// supply the remainder.
	candidates := unionCandidates(cr.expanded, rr.merged, sc.OptimalK)
	if len(candidates) == 0 {
		return Response{}, harag.ErrRetrievalUnavailable
	}

	views := make(map[string]format.EntityView, len(candidates))
	rerankCandidates := make([]rerank.Candidate, 0, len(candidates))
	for _, c := range candidates {
		e, ok := o.entities.ByID(c.entityID)
		if !ok {
			continue
		}
		views[e.EntityID] = format.EntityView{
			EntityID: e.EntityID, Area: e.Area, Domain: e.Domain,
			FriendlyName: e.FriendlyName, State: e.State, Unit: e.Unit,
		}
		rerankCandidates = append(rerankCandidates, rerank.Candidate{
			EntityID: e.EntityID, Text: e.Text, Domain: e.Domain, Area: e.Area,
			CombinedScore: c.score, SourceCluster: c.clusterID,
		})
	}

	// C7: Reranker
	t7 := time.Now()
	rerankCtx, cancel7 := context.WithTimeout(ctx, o.cfg.BudgetReranker)
	ranked, usedCrossEncoder := ranker.Rerank(rerankCtx, q, rerankCandidates)
	cancel7()
	trace.add("reranker", "rank", len(rerankCandidates), len(ranked), time.Since(t7), degradedLabel(!usedCrossEncoder))

	// C8: Context Formatter
	t8 := time.Now()
	formatted := format.Format(format.Input{
		Ranked: ranked,
		Entities: views,
		Scope: sc.Scope,
		AreasMentioned: ctxInfo.AreasMentioned,
		DomainsMentioned: ctxInfo.DomainsMentioned,
	})
	trace.add("context_formatter", "transform", len(ranked), len(ranked), time.Since(t8), string(formatted.Layout))

	resp := Response{
		Ranked: toRankedOut(ranked),
		Context: formatted.Text,
		Scope: ScopeOut{Detected: sc.Scope, Confidence: sc.Confidence, OptimalK: sc.OptimalK},
		Rewrite: RewriteOut{Original: rw.Original, Rewritten: rw.Rewritten, Method: rw.Method, Confidence: rw.Confidence},
	}
	if req.Debug {
		trace.total = time.Since(start)
		resp.Trace = trace
	}

	o.scheduleBackground(req, history, ctxInfo, ranked)

	return resp, nil
}

func degradedLabel(degraded bool) string {
	if degraded {
		return "cross_encoder_unavailable: fell back to combined_score"
	}
	return ""
}

func toRankedOut(ranked []rerank.Ranked) []RankedOut {
	out := make([]RankedOut, len(ranked))
	for i, r := range ranked {
		out[i] = RankedOut{EntityID: r.EntityID, FinalScore: r.FinalScore, Role: r.Role, RankingFactors: r.RankingFactors}
	}
	return out
}

func toConvTurns(history []HistoryTurn) []conversation.Turn {
	out := make([]conversation.Turn, len(history))
	for i, h := range history {
		out[i] = conversation.Turn{Role: h.Role, Content: h.Content}
	}
	return out
}

// scheduleBackground runs the per-request memory update synchronously
// (it's cheap: <20ms) then launches the best-effort
// summarization task in its own goroutine, detached from the request
// ("never awaited by the request path").
func (o *Orchestrator) scheduleBackground(req Request, history []conversation.Turn, ctxInfo conversation.Context, ranked []rerank.Ranked) {
	mentions := make([]convmemory.EntityMention, 0, len(ranked))
	now := time.Now()
	for _, r := range ranked {
		mentions = append(mentions, convmemory.EntityMention{EntityID: r.EntityID, Relevance: r.FinalScore, MentionedAt: now})
	}

	bg := context.Background()
	mem, err := o.memory.Update(bg, req.SessionID, mentions, ctxInfo.AreasMentioned, ctxInfo.DomainsMentioned)
	if err != nil {
		o.logger.Warn("pipeline: memory update failed", "session_id", req.SessionID, "err", err)
		return
	}

	if mem.QueryCount >= 2 {
		transcript := transcriptOf(history, req.Utterance)
		o.memory.ScheduleSummarization(bg, req.SessionID, transcript)
	}
}

func transcriptOf(history []conversation.Turn, utterance string) string {
	var b []byte
	for _, t := range history {
		b = append(b, []byte(t.Role+": "+t.Content+"\n")...)
	}
	b = append(b, []byte("user: "+utterance)...)
	return string(b)
}
