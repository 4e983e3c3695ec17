package convmemory

import (
	"encoding/json"
	"sort"
	"time"
)

// wireMemory is the JSON-serializable form of Memory: maps become
// sorted slices so payloads are byte-identical for identical content
// (property 5, determinism).
type wireMemory struct {
	SessionID string `json:"session_id"`
	Entities []EntityMention `json:"entities"`
	AreasMentioned []string `json:"areas_mentioned"`
	DomainsMentioned []string `json:"domains_mentioned"`
	QueryCount int `json:"query_count"`
	LastUpdated time.Time `json:"last_updated"`
	TTL time.Time `json:"ttl"`
	Summary *Summary `json:"summary,omitempty"`
	FocusHistory []FocusEntry `json:"focus_history"`
}

func encodeMemory(m Memory) (string, error) {
	w := wireMemory{
		SessionID: m.SessionID,
		Entities: m.Entities,
		AreasMentioned: setToSortedSlice(m.AreasMentioned),
		DomainsMentioned: setToSortedSlice(m.DomainsMentioned),
		QueryCount: m.QueryCount,
		LastUpdated: m.LastUpdated,
		TTL: m.TTL,
		Summary: m.Summary,
		FocusHistory: m.FocusHistory,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMemory(payload string) (*Memory, error) {
	var w wireMemory
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, err
	}
	m := &Memory{
		SessionID: w.SessionID,
		Entities: w.Entities,
		AreasMentioned: sliceToSet(w.AreasMentioned),
		DomainsMentioned: sliceToSet(w.DomainsMentioned),
		QueryCount: w.QueryCount,
		LastUpdated: w.LastUpdated,
		TTL: w.TTL,
		Summary: w.Summary,
		FocusHistory: w.FocusHistory,
	}
	return m, nil
}

func setToSortedSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sliceToSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
