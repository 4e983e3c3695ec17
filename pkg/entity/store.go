package entity

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lopeti/ha-rag-bridge/internal/encoding"
	"github.com/lopeti/ha-rag-bridge/internal/logging"
	"github.com/lopeti/ha-rag-bridge/pkg/index"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed Entity Retriever (C6). Vectors live in an
// in-memory ANN index (flat or HNSW, matching the teacher's dual-index
// shape in pkg/core/store.go) loaded from SQLite at Open; FTS5 carries
// the text path exactly as the teacher's advanced_search.go does for its
// embeddings/chunks_fts pair.
type Store struct {
	db *sql.DB
	path string
	dim int
	mu sync.RWMutex
	closed bool
	logger logging.Logger
	flat *index.FlatIndex
	hnsw *index.HNSW
	useHNSW bool
	hnswMin int
	byID map[string]Entity
}

// Config controls how a Store is opened.
type Config struct {
	Path string
	Dim int
	HNSWEnabled bool
	HNSWMinElements int
	Logger logging.Logger
}

// Open opens (creating if necessary) a SQLite-backed entity store at
// cfg.Path, builds its schema, and loads existing rows into the
// in-memory vector index.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("entity: path required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("entity: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	s := &Store{
		db: db,
		path: cfg.Path,
		dim: cfg.Dim,
		logger: cfg.Logger,
		useHNSW: cfg.HNSWEnabled,
		hnswMin: cfg.HNSWMinElements,
		byID: make(map[string]Entity),
	}

	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("entity: schema: %w", err)
	}
	if err := s.loadIndex(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("entity: load index: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS entities (
		entity_id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		area TEXT,
		device_class TEXT,
		friendly_name TEXT,
		unit TEXT,
		aliases TEXT, -- JSON array
		embedding BLOB,
		text TEXT NOT NULL,
		state TEXT,
		last_updated DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_entities_domain ON entities(domain);
	CREATE INDEX IF NOT EXISTS idx_entities_area ON entities(area);

	CREATE VIRTUAL TABLE IF NOT EXISTS entities_fts USING fts5(
		entity_id UNINDEXED, text, aliases, content='', tokenize='unicode61'
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) loadIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, domain, area, device_class, friendly_name, unit, aliases, embedding, text, state, last_updated FROM entities`)
	if err != nil {
		return err
	}
	defer rows.Close()

	s.flat = index.NewFlatIndexCosine(s.dim)

	count := 0
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return err
		}
		s.byID[e.EntityID] = e
		if len(e.Embedding) == s.dim {
			_ = s.flat.Insert(e.EntityID, e.Embedding)
		}
		count++
	}

	if s.useHNSW && count >= s.hnswMin && s.dim > 0 {
		h := index.NewHNSW(16, 200, index.CosineDistance)
		for id, e := range s.byID {
			if len(e.Embedding) == s.dim {
				_ = h.Insert(id, e.Embedding)
			}
		}
		s.hnsw = h
	}
	return rows.Err()
}

func scanEntity(rows *sql.Rows) (Entity, error) {
	var e Entity
	var aliasesJSON, embBlob sql.NullString
	var embRaw []byte
	var lastUpdated sql.NullTime
	if err := rows.Scan(&e.EntityID, &e.Domain, nullString(&e.Area), nullString(&e.DeviceClass),
		nullString(&e.FriendlyName), nullString(&e.Unit), &aliasesJSON, &embRaw, &e.Text,
		nullString(&e.State), &lastUpdated); err != nil {
		return e, err
	}
	_ = embBlob
	if aliasesJSON.Valid && aliasesJSON.String != "" {
		e.Aliases = strings.Split(aliasesJSON.String, "\x1f")
	}
	if len(embRaw) > 0 {
		vec, err := encoding.DecodeVector(embRaw)
		if err == nil {
			e.Embedding = vec
		}
	}
	if lastUpdated.Valid {
		e.LastUpdated = lastUpdated.Time
	}
	return e, nil
}

// nullString adapts a *string destination for columns that may be NULL.
func nullString(dst *string) *scanString { return &scanString{dst: dst} }

type scanString struct{ dst *string }

func (s *scanString) Scan(src interface{}) error {
	if src == nil {
		*s.dst = ""
		return nil
	}
	switch v := src.(type) {
	case string:
		*s.dst = v
	case []byte:
		*s.dst = string(v)
	}
	return nil
}

// Upsert inserts or replaces an entity row and keeps the in-memory
// index consistent. Entities are otherwise read-only to the pipeline
// : Upsert exists for the external ingestion path's local
// stand-in (cmd/ha-rag-bridge ingest).
func (s *Store) Upsert(ctx context.Context, e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("entity: store closed")
	}

	embBytes, err := encoding.EncodeVector(e.Embedding)
	if err != nil && e.Embedding != nil {
		return fmt.Errorf("entity: encode embedding: %w", err)
	}
	if e.LastUpdated.IsZero() {
		e.LastUpdated = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (entity_id, domain, area, device_class, friendly_name, unit, aliases, embedding, text, state, last_updated)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(entity_id) DO UPDATE SET
			domain=excluded.domain, area=excluded.area, device_class=excluded.device_class,
			friendly_name=excluded.friendly_name, unit=excluded.unit, aliases=excluded.aliases,
			embedding=excluded.embedding, text=excluded.text, state=excluded.state,
			last_updated=excluded.last_updated
	`, e.EntityID, e.Domain, e.Area, e.DeviceClass, e.FriendlyName, e.Unit,
		strings.Join(e.Aliases, "\x1f"), embBytes, e.Text, e.State, e.LastUpdated)
	if err != nil {
		return fmt.Errorf("entity: upsert: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities_fts(rowid, entity_id, text, aliases)
		SELECT rowid, ?, ?, ? FROM entities WHERE entity_id = ?
		ON CONFLICT DO NOTHING
	`, e.EntityID, e.Text, strings.Join(e.Aliases, " "), e.EntityID)
	if err != nil {
		s.logger.Warn("fts sync failed", "entity_id", e.EntityID, "err", err)
	}

	s.byID[e.EntityID] = e
	if len(e.Embedding) == s.dim {
		_ = s.flat.Insert(e.EntityID, e.Embedding)
		if s.hnsw != nil {
			_ = s.hnsw.Insert(e.EntityID, e.Embedding)
		}
	}
	return nil
}

// ByID returns the entity with the given id, or (Entity{}, false) if
// absent.
func (s *Store) ByID(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

// VectorSearch returns the top-k entities by cosine similarity to query,
// optionally narrowed by filter. Uses HNSW when available, otherwise a
// brute-force flat scan — vector path.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int, filter Filter) ([]ScoredEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("entity: store closed")
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("entity: query dim %d != store dim %d", len(query), s.dim)
	}

	// Over-fetch so post-filtering still yields k results where possible.
	fetchK := k
	if !filter.empty() {
		fetchK = k * 4
		if fetchK < 50 {
			fetchK = 50
		}
	}

	var ids []string
	var dists []float32
	if s.hnsw != nil {
		ids, dists = s.hnsw.Search(query, fetchK, 64)
	} else {
		ids, dists = s.flat.Search(query, fetchK)
	}

	out := make([]ScoredEntity, 0, len(ids))
	for i, id := range ids {
		e, ok := s.byID[id]
		if !ok {
			continue
		}
		if !filter.empty() && !filter.matches(e) {
			continue
		}
		// Both flat-cosine and HNSW-cosine here report a distance in
		// [0, 2]; convert to the similarity scale the spec's
		// VECTOR_MIN_SIM threshold is defined against.
		out = append(out, ScoredEntity{Entity: e, Score: 1 - float64(dists[i])})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntityID < out[j].EntityID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// TextSearch runs an FTS5 BM25-ranked search over entity.text and
// aliases (text path). FTS5's native `rank` is the
// negative of a BM25 score; we negate so higher means more relevant.
func (s *Store) TextSearch(ctx context.Context, query string, k int, filter Filter) ([]ScoredEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("entity: store closed")
	}
	q := ftsQuery(query)
	if q == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, bm25(entities_fts) AS rank
		FROM entities_fts
		WHERE entities_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, q, k*4+50)
	if err != nil {
		return nil, fmt.Errorf("entity: text search: %w", err)
	}
	defer rows.Close()

	out := make([]ScoredEntity, 0, k)
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		e, ok := s.byID[id]
		if !ok {
			continue
		}
		if !filter.empty() && !filter.matches(e) {
			continue
		}
		out = append(out, ScoredEntity{Entity: e, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EntityID < out[j].EntityID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// ftsQuery escapes a free-text query into a safe FTS5 MATCH expression:
// each token is double-quoted so punctuation/Hungarian diacritics in the
// utterance can't be parsed as FTS5 query syntax.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (f Filter) matches(e Entity) bool {
	if len(f.Domains) > 0 && !contains(f.Domains, e.Domain) {
		return false
	}
	if len(f.Areas) > 0 && !contains(f.Areas, e.Area) {
		return false
	}
	if len(f.DeviceClasses) > 0 && !contains(f.DeviceClasses, e.DeviceClass) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
