// Package entity implements the Entity Retriever (C6): a SQLite-backed
// store of smart-home entities with unit-normalized embeddings, exposing
// two independent search paths — vector similarity and FTS5 keyword
// search — that the pipeline orchestrator runs concurrently and merges
// with its own weighted formula. Grounded on the teacher's
// pkg/core.SQLiteStore (store*.go, advanced_search.go,
// faceted_search.go), generalized from an embeddings/documents schema to
// an entities schema.
package entity

import "time"

// Entity is one retrievable smart-home entity .
type Entity struct {
	EntityID string
	Domain string // e.g. "light", "sensor", "climate"
	Area string
	DeviceClass string
	FriendlyName string
	Unit string
	Aliases []string
	Embedding []float32
	Text string // rendered text used for FTS5 and as cross-encoder document
	State string
	LastUpdated time.Time
}

// ScoredEntity is an Entity with a similarity score attached, the unit of
// both VectorSearch and TextSearch results.
type ScoredEntity struct {
	Entity
	Score float64
}

// Filter narrows a search to entities matching the given facets. Zero
// value (all fields empty) matches everything.
type Filter struct {
	Domains []string
	Areas []string
	DeviceClasses []string
}

func (f Filter) empty() bool {
	return len(f.Domains) == 0 && len(f.Areas) == 0 && len(f.DeviceClasses) == 0
}
