// Package conversation implements the Conversation Analyzer (C1): a
// pure function of (utterance, history, memory) that extracts areas,
// domains, intent, and follow-up signals using configured alias/keyword
// tables. Grounded on the longest-match rule-table idiom in the
// teacher's pkg/semantic-router.Router route matching, generalized from
// routing a query to a handler into extracting structured conversation
// context.
package conversation

import (
	"strings"
	"unicode"
)

// Intent enumerates the conversation intent .
type Intent string

const (
	IntentRead Intent = "read"
	IntentControl Intent = "control"
	IntentMonitor Intent = "monitor"
	IntentUnknown Intent = "unknown"
)

// Turn is one entry in the dialog history .
type Turn struct {
	Role string // "user" | "assistant"
	Content string
}

// Context is the derived, request-scoped output of Analyze (
// ConversationContext).
type Context struct {
	AreasMentioned []string
	DomainsMentioned []string
	DeviceClassesMentioned []string
	Intent Intent
	IsFollowUp bool
	PreviousAreas []string
}

// Tables are the frozen rule tables Analyze matches against, built once
// at startup (DefaultTables, or a caller-built value) and never mutated
// at request time — the
// same "load once, reuse read-only" shape as the teacher's
// Route.cachedVectors/sync.Once pattern.
type Tables struct {
	// AreaAliases maps an alias (lowercase, diacritic-folded) to its
	// canonical area name, e.g. "kint" -> "garden".
	AreaAliases map[string]string
	// DomainKeywords maps a keyword to a domain or device_class, e.g.
	// "lámpa" -> "light", "nedveség" -> "humidity".
	DomainKeywords map[string]string
	// DeviceClassKeywords maps a keyword to a device_class.
	DeviceClassKeywords map[string]string
	// ControlVerbs trigger IntentControl, e.g. "turn on", "kapcsold".
	ControlVerbs []string
	// ReadVerbs trigger IntentRead, e.g. "mennyi", "what's".
	ReadVerbs []string
	// ContinuationMarkers trigger follow-up detection when the utterance
	// begins with one, e.g. "and", "és", "but", "is".
	ContinuationMarkers []string
}

// DefaultTables returns a small built-in rule set covering the examples
// in . Callers that need other aliases or keywords build their own
// Tables value; the CLI and pipeline tests use this one.
func DefaultTables() Tables {
	return Tables{
		AreaAliases: map[string]string{
			"kint": "garden",
			"outside": "garden",
			"garden": "garden",
			"kert": "garden",
			"konyha": "kitchen",
			"kitchen": "kitchen",
			"nappali": "living_room",
			"living room": "living_room",
			"living_room": "living_room",
			"halo": "bedroom",
			"bedroom": "bedroom",
		},
		DomainKeywords: map[string]string{
			"nedveség": "humidity",
			"humidity": "humidity",
			"lámpa": "light",
			"light": "light",
			"lights": "light",
			"hőmérséklet": "temperature",
			"temperature": "temperature",
			"kapcsoló": "switch",
			"switch": "switch",
			"klíma": "climate",
			"thermostat": "climate",
		},
		DeviceClassKeywords: map[string]string{
			"hőmérséklet": "temperature",
			"temperature": "temperature",
			"nedveség": "humidity",
			"humidity": "humidity",
		},
		ControlVerbs: []string{"turn on", "turn off", "kapcsold", "set", "dim", "open", "close"},
		ReadVerbs: []string{"mennyi", "what's", "what is", "how much", "how many"},
		ContinuationMarkers: []string{"and", "és", "but", "is", "ott", "az"},
	}
}

// Analyze extracts a Context from utterance and history. Never panics or
// returns an error — failure yields empty sets ("never
// throws").
func Analyze(tables Tables, utterance string, history []Turn, previousAreas []string) Context {
	defer func() { recover() }() // belt-and-braces: parsing must never surface a panic to the caller

	norm := normalize(utterance)

	areas := matchLongestAlias(norm, tables.AreaAliases)
	domains := matchKeywords(norm, tables.DomainKeywords)
	deviceClasses := matchKeywords(norm, tables.DeviceClassKeywords)

	intent := classifyIntent(norm, domains, tables)
	followUp := isFollowUp(norm, utterance, history, tables.ContinuationMarkers)

	return Context{
		AreasMentioned: areas,
		DomainsMentioned: domains,
		DeviceClassesMentioned: deviceClasses,
		Intent: intent,
		IsFollowUp: followUp,
		PreviousAreas: previousAreas,
	}
}

func classifyIntent(norm string, domains []string, tables Tables) Intent {
	for _, v := range tables.ControlVerbs {
		if containsWord(norm, normalize(v)) {
			return IntentControl
		}
	}
	for _, v := range tables.ReadVerbs {
		if containsWord(norm, normalize(v)) {
			return IntentRead
		}
	}
	if len(domains) > 0 {
		return IntentMonitor
	}
	return IntentUnknown
}

func isFollowUp(norm, original string, history []Turn, markers []string) bool {
	for _, m := range markers {
		nm := normalize(m)
		if strings.HasPrefix(norm, nm+" ") || norm == nm {
			return true
		}
	}
	if len(history) == 0 {
		return false
	}
	tokens := strings.Fields(original)
	return len(tokens) <= 4
}

// matchLongestAlias scans the alias table for whole-word matches and
// returns the canonical names, preferring the longest alias when
// multiple overlap ("longest-alias-wins").
func matchLongestAlias(norm string, aliases map[string]string) []string {
	type hit struct {
		alias string
		canonical string
	}
	var hits []hit
	for alias, canonical := range aliases {
		na := normalize(alias)
		if containsWord(norm, na) {
			hits = append(hits, hit{alias: na, canonical: canonical})
		}
	}
	// Longest-alias-wins: sort by alias length desc, keep first per
	// canonical name, then the per-canonical-name dedup naturally
	// collapses synonyms ("kint"/"outside"/"garden" all -> "garden").
	seen := map[string]bool{}
	var out []string
	for i := 0; i < len(hits); i++ {
		for j := i + 1; j < len(hits); j++ {
			if len(hits[j].alias) > len(hits[i].alias) {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}
	for _, h := range hits {
		if !seen[h.canonical] {
			seen[h.canonical] = true
			out = append(out, h.canonical)
		}
	}
	return out
}

func matchKeywords(norm string, table map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for kw, canonical := range table {
		if containsWord(norm, normalize(kw)) && !seen[canonical] {
			seen[canonical] = true
			out = append(out, canonical)
		}
	}
	return out
}

// containsWord reports whether needle appears in haystack as a
// whole-word (or whole-phrase) match, not as a substring of a longer
// word.
func containsWord(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	idx := strings.Index(haystack, needle)
	for idx >= 0 {
		before := idx == 0 || haystack[idx-1] == ' '
		after := idx+len(needle) == len(haystack) || haystack[idx+len(needle)] == ' '
		if before && after {
			return true
		}
		next := strings.Index(haystack[idx+1:], needle)
		if next < 0 {
			break
		}
		idx = idx + 1 + next
	}
	return false
}

// normalize lowercases and folds Hungarian diacritics so matching is
// case/diacritic-insensitive .
func normalize(s string) string {
	s = strings.ToLower(s)
	s = foldDiacritics(s)
	s = strings.Join(strings.Fields(s), " ")
	return s
}

var diacriticFold = map[rune]rune{
	'á': 'a', 'é': 'e', 'í': 'i', 'ó': 'o', 'ö': 'o', 'ő': 'o',
	'ú': 'u', 'ü': 'u', 'ű': 'u',
}

func foldDiacritics(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if f, ok := diacriticFold[r]; ok {
			b.WriteRune(f)
		} else if unicode.IsPunct(r) && r != '\'' {
			b.WriteRune(' ')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
