package convmemory

import (
	"context"
	"os"
	"testing"
	"time"
)

func openTestManager(t *testing.T, dbPath string, cfg Config) *Manager {
	t.Helper()
	_ = os.Remove(dbPath)
	t.Cleanup(func() { _ = os.Remove(dbPath) })

	cfg.Path = dbPath
	m, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestLoadMissingSessionReturnsNil(t *testing.T) {
	m := openTestManager(t, "convmemory_missing_test.db", Config{})
	mem, err := m.Load(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if mem != nil {
		t.Fatal("expected nil memory for a missing session")
	}
}

func TestUpdateThenLoadRoundTrips(t *testing.T) {
	m := openTestManager(t, "convmemory_roundtrip_test.db", Config{})
	ctx := context.Background()

	mentions := []EntityMention{{EntityID: "light.kitchen", Relevance: 0.9, MentionedAt: time.Now()}}
	mem, err := m.Update(ctx, "session-1", mentions, []string{"kitchen"}, []string{"light"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if mem.QueryCount != 1 {
		t.Fatalf("query_count = %d, want 1", mem.QueryCount)
	}

	loaded, err := m.Load(ctx, "session-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil || !loaded.AreasMentioned["kitchen"] {
		t.Fatalf("loaded memory missing kitchen area: %+v", loaded)
	}

	mem2, err := m.Update(ctx, "session-1", nil, nil, nil)
	if err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	if mem2.QueryCount != 2 {
		t.Fatalf("query_count after second update = %d, want 2", mem2.QueryCount)
	}
}

func TestLoadExpiredReturnsNil(t *testing.T) {
	m := openTestManager(t, "convmemory_expiry_test.db", Config{TTL: time.Millisecond})
	ctx := context.Background()

	if _, err := m.Update(ctx, "session-expiring", nil, []string{"kitchen"}, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	mem, err := m.Load(ctx, "session-expiring")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if mem != nil {
		t.Fatal("expected nil memory once TTL has elapsed")
	}
}

func TestBoostWeightClampedAndMultiplicative(t *testing.T) {
	m := openTestManager(t, "convmemory_boost_test.db", Config{DecayConstant: 300 * time.Second})
	now := time.Now()

	mem := &Memory{
		Entities:         []EntityMention{{EntityID: "light.kitchen", MentionedAt: now}},
		AreasMentioned:   map[string]bool{"kitchen": true},
		DomainsMentioned: map[string]bool{"light": true},
		Summary:          &Summary{CurrentFocus: "kitchen", TopicDomains: []string{"light"}, IntentPattern: "control"},
	}

	weight := m.BoostWeight(mem, BoostInput{EntityID: "light.kitchen", Area: "kitchen", Domain: "light"}, now)
	if weight > 3.0 {
		t.Fatalf("weight = %f, exceeds clamp of 3.0", weight)
	}
	if weight < 1.0 {
		t.Fatalf("weight = %f, below floor of 1.0", weight)
	}

	unrelated := m.BoostWeight(mem, BoostInput{EntityID: "sensor.unrelated", Area: "bedroom", Domain: "climate"}, now)
	if unrelated != 1.0 {
		t.Fatalf("unrelated weight = %f, want 1.0", unrelated)
	}
}

func TestBoostWeightNilMemory(t *testing.T) {
	m := openTestManager(t, "convmemory_nilboost_test.db", Config{})
	if w := m.BoostWeight(nil, BoostInput{EntityID: "x"}, time.Now()); w != 1.0 {
		t.Fatalf("weight = %f, want 1.0 for nil memory", w)
	}
}

type fakeSummarizer struct {
	resp string
}

func (f fakeSummarizer) Complete(ctx context.Context, prompt string) (string, error) {
	return f.resp, nil
}

func TestScheduleSummarizationAtMostOnePending(t *testing.T) {
	m := openTestManager(t, "convmemory_summarize_test.db", Config{Summarizer: fakeSummarizer{resp: "talking about kitchen lights"}})
	ctx := context.Background()

	if _, err := m.Update(ctx, "session-sum", nil, []string{"kitchen"}, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	m.ScheduleSummarization(ctx, "session-sum", "user: turn on the kitchen light")
	m.ScheduleSummarization(ctx, "session-sum", "user: turn on the kitchen light") // should be a no-op, already in flight

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mem, err := m.Load(ctx, "session-sum")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if mem != nil && mem.Summary != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("summary was never attached within the deadline")
}
