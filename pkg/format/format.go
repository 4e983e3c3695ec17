// Package format implements the Context Formatter (C8): selects one of
// four layouts based on the shape of the ranked result set and scope,
// and emits a deterministic plain-text context block for LLM prompt
// injection. Grounded on the section-header + per-item bullet idiom of
// the teacher's pkg/memory/reflect.go buildMemoryBlock/buildSystemPrompt
// (strings.Builder, sorted grouping, a terminating block marker).
package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lopeti/ha-rag-bridge/pkg/rerank"
	"github.com/lopeti/ha-rag-bridge/pkg/scope"
)

// Layout enumerates the four selectable layouts .
type Layout string

const (
	LayoutCompact Layout = "compact"
	LayoutTLDR Layout = "tldr"
	LayoutGroupedByArea Layout = "grouped_by_area"
	LayoutDetailed Layout = "detailed"
)

// EntityView is the minimal rendering surface Format needs per entity,
// independent of pkg/entity so this package stays free of a storage
// dependency (mirrors pkg/rerank.Candidate's shape).
type EntityView struct {
	EntityID string
	Area string
	Domain string
	FriendlyName string
	State string
	Unit string
}

// Input bundles everything Format needs for one request.
type Input struct {
	Ranked []rerank.Ranked
	Entities map[string]EntityView // entity_id -> view
	Scope scope.Scope
	AreasMentioned []string
	DomainsMentioned []string
}

// Result is Format's output: the chosen layout plus the rendered block.
type Result struct {
	Layout Layout
	Text string
}

// Format selects a layout per the selection rules and renders
// it. Output is deterministic given identical input (ranked order is
// assumed already final from C7; this package never re-sorts by score,
// only groups).
func Format(in Input) Result {
	layout := selectLayout(in)

	var body string
	switch layout {
	case LayoutCompact:
		body = renderCompact(in)
	case LayoutTLDR:
		body = renderTLDR(in)
	case LayoutGroupedByArea:
		body = renderGroupedByArea(in)
	default:
		layout = LayoutDetailed
		body = renderDetailed(in)
	}

	footer := renderFooter(in)
	text := body
	if text != "" {
		text += "\n"
	}
	text += footer

	return Result{Layout: layout, Text: text}
}

func selectLayout(in Input) Layout {
	if len(in.Ranked) > 8 {
		return LayoutCompact
	}
	if len(in.AreasMentioned) > 2 {
		return LayoutTLDR
	}
	if in.Scope == scope.Macro && len(uniqueAreas(in)) == 1 {
		return LayoutGroupedByArea
	}
	return LayoutDetailed
}

func uniqueAreas(in Input) []string {
	seen := map[string]bool{}
	var areas []string
	for _, r := range in.Ranked {
		v, ok := in.Entities[r.EntityID]
		if !ok || v.Area == "" || seen[v.Area] {
			continue
		}
		seen[v.Area] = true
		areas = append(areas, v.Area)
	}
	return areas
}

// renderCompact is the "one line per entity" layout: `id
// (area) = state unit`.
func renderCompact(in Input) string {
	var b strings.Builder
	for _, r := range in.Ranked {
		v := in.Entities[r.EntityID]
		b.WriteString(fmt.Sprintf("%s (%s) = %s%s\n", r.EntityID, orDash(v.Area), v.State, v.Unit))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderTLDR is the grouped summary + three-line detail per
// primary layout.
func renderTLDR(in Input) string {
	var b strings.Builder
	b.WriteString("Summary across ")
	b.WriteString(fmt.Sprintf("%d area(s):\n", len(in.AreasMentioned)))

	byArea := map[string][]rerank.Ranked{}
	var areas []string
	for _, r := range in.Ranked {
		v := in.Entities[r.EntityID]
		area := orDash(v.Area)
		if _, ok := byArea[area]; !ok {
			areas = append(areas, area)
		}
		byArea[area] = append(byArea[area], r)
	}
	sort.Strings(areas)

	for _, area := range areas {
		b.WriteString(fmt.Sprintf("- %s: %d entit(y/ies)\n", area, len(byArea[area])))
	}
	b.WriteString("\n")

	for _, r := range in.Ranked {
		if r.Role != rerank.RolePrimary {
			continue
		}
		v := in.Entities[r.EntityID]
		b.WriteString(fmt.Sprintf("%s\n area: %s\n state: %s%s\n", entityLabel(v), orDash(v.Area), v.State, v.Unit))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderGroupedByArea buckets entities by area .
func renderGroupedByArea(in Input) string {
	byArea := map[string][]rerank.Ranked{}
	var areas []string
	for _, r := range in.Ranked {
		v := in.Entities[r.EntityID]
		area := orDash(v.Area)
		if _, ok := byArea[area]; !ok {
			areas = append(areas, area)
		}
		byArea[area] = append(byArea[area], r)
	}
	sort.Strings(areas)

	var b strings.Builder
	for _, area := range areas {
		b.WriteString(fmt.Sprintf("## %s\n", area))
		for _, r := range byArea[area] {
			v := in.Entities[r.EntityID]
			b.WriteString(fmt.Sprintf("- %s = %s%s\n", entityLabel(v), v.State, v.Unit))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderDetailed highlights the primary entities with their current
// value and lists related entities below (default layout).
func renderDetailed(in Input) string {
	var b strings.Builder
	for _, r := range in.Ranked {
		if r.Role != rerank.RolePrimary {
			continue
		}
		v := in.Entities[r.EntityID]
		b.WriteString(fmt.Sprintf("** %s: %s%s ** (%s)\n", entityLabel(v), v.State, v.Unit, orDash(v.Area)))
	}
	related := false
	for _, r := range in.Ranked {
		if r.Role != rerank.RoleRelated {
			continue
		}
		if !related {
			b.WriteString("Related:\n")
			related = true
		}
		v := in.Entities[r.EntityID]
		b.WriteString(fmt.Sprintf("- %s = %s%s\n", entityLabel(v), v.State, v.Unit))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderFooter is the one-line footer every layout must terminate with
// (invariant).
func renderFooter(in Input) string {
	domains := uniqueNonEmpty(in.DomainsMentioned)
	areas := uniqueNonEmpty(in.AreasMentioned)
	return fmt.Sprintf("Relevant domains: %s, Areas: %s", joinOrNone(domains), joinOrNone(areas))
}

func uniqueNonEmpty(ss []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range ss {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func joinOrNone(ss []string) string {
	if len(ss) == 0 {
		return "none"
	}
	return strings.Join(ss, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func entityLabel(v EntityView) string {
	if v.FriendlyName != "" {
		return v.FriendlyName
	}
	return v.EntityID
}
