package scope

import (
	"context"
	"testing"

	"github.com/lopeti/ha-rag-bridge/pkg/conversation"
)

func TestDetectMicroOnControlVerb(t *testing.T) {
	d := New(DefaultConfig(), nil)
	ctxInfo := conversation.Context{DomainsMentioned: []string{"light"}}

	decision := d.Detect(context.Background(), "turn on the kitchen light", ctxInfo)
	if decision.Scope != Micro {
		t.Fatalf("scope = %v, want micro", decision.Scope)
	}
	if decision.OptimalK < DefaultConfig().MicroKRange[0] || decision.OptimalK > DefaultConfig().MicroKRange[1] {
		t.Fatalf("optimal_k = %d out of micro range", decision.OptimalK)
	}
}

func TestDetectOverviewOnKeyword(t *testing.T) {
	d := New(DefaultConfig(), nil)
	decision := d.Detect(context.Background(), "what's going on in the house", conversation.Context{})
	if decision.Scope != Overview {
		t.Fatalf("scope = %v, want overview", decision.Scope)
	}
}

func TestDetectMacroOnAreaAlias(t *testing.T) {
	d := New(DefaultConfig(), nil)
	ctxInfo := conversation.Context{AreasMentioned: []string{"garden"}}
	decision := d.Detect(context.Background(), "what's the humidity in the garden", ctxInfo)
	if decision.Scope != Macro {
		t.Fatalf("scope = %v, want macro", decision.Scope)
	}
}

func TestDetectMacroWinsOverOverviewWhenBothFire(t *testing.T) {
	d := New(DefaultConfig(), nil)
	ctxInfo := conversation.Context{AreasMentioned: []string{"kitchen"}}

	decision := d.Detect(context.Background(), "what's going on in the kitchen", ctxInfo)
	if decision.Scope != Macro {
		t.Fatalf("scope = %v, want macro (more specific than the overview keyword also present)", decision.Scope)
	}
}

func TestDetectDefaultsToMacro(t *testing.T) {
	d := New(DefaultConfig(), nil)
	decision := d.Detect(context.Background(), "hello", conversation.Context{})
	if decision.Scope != Macro || decision.OptimalK != DefaultConfig().MacroDefaultK {
		t.Fatalf("decision = %+v, want default macro", decision)
	}
}

type fakeCompleter struct{ resp string }

func (f fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return f.resp, nil
}

func TestDetectLLMRefinement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLMEnabled = true
	d := New(cfg, fakeCompleter{resp: "overview"})

	decision := d.Detect(context.Background(), "hello", conversation.Context{})
	if decision.Scope != Overview {
		t.Fatalf("scope = %v, want overview after llm refinement", decision.Scope)
	}
}
