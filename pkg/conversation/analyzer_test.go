package conversation

import "testing"

func TestAnalyzeAreaAndDomain(t *testing.T) {
	tables := DefaultTables()
	ctx := Analyze(tables, "what's the humidity in the garden", nil, nil)

	if len(ctx.AreasMentioned) != 1 || ctx.AreasMentioned[0] != "garden" {
		t.Fatalf("areas = %v, want [garden]", ctx.AreasMentioned)
	}
	if len(ctx.DomainsMentioned) != 1 || ctx.DomainsMentioned[0] != "humidity" {
		t.Fatalf("domains = %v, want [humidity]", ctx.DomainsMentioned)
	}
	if ctx.Intent != IntentRead {
		t.Fatalf("intent = %v, want read", ctx.Intent)
	}
}

func TestAnalyzeControlIntent(t *testing.T) {
	tables := DefaultTables()
	ctx := Analyze(tables, "turn on the kitchen light", nil, nil)

	if ctx.Intent != IntentControl {
		t.Fatalf("intent = %v, want control", ctx.Intent)
	}
	if len(ctx.AreasMentioned) != 1 || ctx.AreasMentioned[0] != "kitchen" {
		t.Fatalf("areas = %v, want [kitchen]", ctx.AreasMentioned)
	}
}

func TestAnalyzeLongestAliasWins(t *testing.T) {
	tables := DefaultTables()
	// "living room" and "living_room" both map to the same canonical area;
	// the longest alias should still resolve to one canonical entry, not a
	// duplicate.
	ctx := Analyze(tables, "what's on in the living room", nil, nil)
	if len(ctx.AreasMentioned) != 1 || ctx.AreasMentioned[0] != "living_room" {
		t.Fatalf("areas = %v, want [living_room]", ctx.AreasMentioned)
	}
}

func TestAnalyzeFollowUpDetection(t *testing.T) {
	tables := DefaultTables()
	history := []Turn{{Role: "user", Content: "what's the temperature in the kitchen"}, {Role: "assistant", Content: "21C"}}

	ctx := Analyze(tables, "and the living room?", history, []string{"kitchen"})
	if !ctx.IsFollowUp {
		t.Fatal("expected follow-up detection on continuation marker")
	}

	ctx2 := Analyze(tables, "what is the status of all the sensors in the entire house right now", history, nil)
	if ctx2.IsFollowUp {
		t.Fatal("did not expect follow-up on a long, self-contained utterance")
	}
}

func TestAnalyzeNeverPanics(t *testing.T) {
	tables := Tables{} // zero-value, empty tables
	ctx := Analyze(tables, "", nil, nil)
	if ctx.Intent != IntentUnknown {
		t.Fatalf("intent = %v, want unknown", ctx.Intent)
	}
}

func TestAnalyzeDiacriticFold(t *testing.T) {
	tables := DefaultTables()
	ctx := Analyze(tables, "mennyi a hőmérséklet a kertben", nil, nil)
	if len(ctx.DomainsMentioned) != 1 || ctx.DomainsMentioned[0] != "temperature" {
		t.Fatalf("domains = %v, want [temperature]", ctx.DomainsMentioned)
	}
}
