package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lopeti/ha-rag-bridge/internal/config"
	"github.com/lopeti/ha-rag-bridge/pkg/cluster"
	"github.com/lopeti/ha-rag-bridge/pkg/conversation"
	"github.com/lopeti/ha-rag-bridge/pkg/convmemory"
	"github.com/lopeti/ha-rag-bridge/pkg/entity"
	"github.com/lopeti/ha-rag-bridge/pkg/llm"

	harag "github.com/lopeti/ha-rag-bridge"
)

const testDim = 8

type testHarness struct {
	orch     *Orchestrator
	entities *entity.Store
	clusters *cluster.Index
	memory   *convmemory.Manager
}

func newTestHarness(t *testing.T, paths [3]string) *testHarness {
	t.Helper()
	for _, p := range paths {
		path := p
		_ = os.Remove(path)
		t.Cleanup(func() { _ = os.Remove(path) })
	}

	ctx := context.Background()
	es, err := entity.Open(ctx, entity.Config{Path: paths[0], Dim: testDim})
	if err != nil {
		t.Fatalf("entity.Open: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	cs, err := cluster.Open(ctx, cluster.Config{Path: paths[1], Dim: testDim})
	if err != nil {
		t.Fatalf("cluster.Open: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	mem, err := convmemory.Open(ctx, convmemory.Config{Path: paths[2]})
	if err != nil {
		t.Fatalf("convmemory.Open: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	embedder := llm.NewFakeEmbedder(testDim)

	seed := []struct {
		id, domain, area, text string
	}{
		{"light.kitchen", "light", "kitchen", "kitchen ceiling light"},
		{"sensor.kitchen_temp", "temperature", "kitchen", "kitchen temperature sensor"},
		{"sensor.garden_humidity", "humidity", "garden", "garden humidity sensor"},
		{"switch.garden_pump", "switch", "garden", "garden irrigation pump switch"},
	}
	for _, s := range seed {
		vec, err := embedder.Embed(ctx, s.text)
		if err != nil {
			t.Fatalf("embed seed: %v", err)
		}
		if err := es.Upsert(ctx, entity.Entity{
			EntityID: s.id, Domain: s.domain, Area: s.area, FriendlyName: s.id,
			Text: s.text, Embedding: vec, State: "on",
		}); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
	}

	cfg := config.Default()
	cfg.BudgetTotal = 2 * time.Second
	cfg.BudgetQueryRewriter = 500 * time.Millisecond
	cfg.BudgetScopeDetector = 500 * time.Millisecond
	cfg.BudgetReranker = 500 * time.Millisecond
	cfg.HNSWEnabled = false

	orch := New(Deps{
		Config:   cfg,
		Tables:   conversation.DefaultTables(),
		Clusters: cs,
		Entities: es,
		Memory:   mem,
		Embedder: embedder,
		CrossEncoder: llm.FakeCrossEncoder{},
		Logger:   nil,
	})

	return &testHarness{orch: orch, entities: es, clusters: cs, memory: mem}
}

func TestHandleRejectsEmptyUtterance(t *testing.T) {
	h := newTestHarness(t, [3]string{"pipeline_empty_entities.db", "pipeline_empty_clusters.db", "pipeline_empty_memory.db"})
	_, err := h.orch.Handle(context.Background(), Request{SessionID: "s1", Utterance: ""})
	if err != harag.ErrBadRequest {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
}

func TestHandleReturnsRankedContext(t *testing.T) {
	h := newTestHarness(t, [3]string{"pipeline_basic_entities.db", "pipeline_basic_clusters.db", "pipeline_basic_memory.db"})

	resp, err := h.orch.Handle(context.Background(), Request{
		SessionID: "session-a",
		Utterance: "what's the temperature in the kitchen",
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(resp.Ranked) == 0 {
		t.Fatal("expected at least one ranked entity")
	}
	if resp.Context == "" {
		t.Fatal("expected a non-empty formatted context")
	}
	if resp.Scope.Detected == "" {
		t.Fatal("expected a detected scope")
	}
}

func TestHandleFollowUpUsesConversationMemory(t *testing.T) {
	h := newTestHarness(t, [3]string{"pipeline_followup_entities.db", "pipeline_followup_clusters.db", "pipeline_followup_memory.db"})
	ctx := context.Background()

	first, err := h.orch.Handle(ctx, Request{SessionID: "session-b", Utterance: "what's the temperature in the kitchen"})
	if err != nil {
		t.Fatalf("first Handle failed: %v", err)
	}
	if len(first.Ranked) == 0 {
		t.Fatal("expected first response to be non-empty")
	}

	second, err := h.orch.Handle(ctx, Request{
		SessionID: "session-b",
		Utterance: "and the garden?",
		History:   []HistoryTurn{{Role: "user", Content: "what's the temperature in the kitchen"}, {Role: "assistant", Content: "21C"}},
	})
	if err != nil {
		t.Fatalf("second Handle failed: %v", err)
	}
	if second.Rewrite.Rewritten == "and the garden?" {
		t.Fatal("expected the follow-up to be rewritten against prior conversation context")
	}
}

func TestHandleDebugAttachesTrace(t *testing.T) {
	h := newTestHarness(t, [3]string{"pipeline_debug_entities.db", "pipeline_debug_clusters.db", "pipeline_debug_memory.db"})

	resp, err := h.orch.Handle(context.Background(), Request{
		SessionID: "session-c",
		Utterance: "turn on the kitchen light",
		Debug:     true,
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Trace == nil {
		t.Fatal("expected a trace when Debug=true")
	}
	if len(resp.Trace.Stages) == 0 {
		t.Fatal("expected at least one traced stage")
	}
}

func TestHandleNoDebugOmitsTrace(t *testing.T) {
	h := newTestHarness(t, [3]string{"pipeline_nodebug_entities.db", "pipeline_nodebug_clusters.db", "pipeline_nodebug_memory.db"})

	resp, err := h.orch.Handle(context.Background(), Request{SessionID: "session-d", Utterance: "turn on the kitchen light"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.Trace != nil {
		t.Fatal("expected no trace when Debug=false")
	}
}
