// Package cluster implements the Cluster Index (C5): pre-computed
// semantic groupings of entities, searchable by embedding similarity and
// expandable into their member entities. Clusters and memberships are
// modeled as a bipartite node/edge pair, adapted from the teacher's
// pkg/graph.GraphNode/GraphEdge (graph.go) — a cluster is a node, and
// cluster membership (role/weight/context_boost) is an edge from the
// cluster node to an entity id.
package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lopeti/ha-rag-bridge/internal/encoding"

	_ "modernc.org/sqlite"
)

// Type enumerates a cluster's granularity .
type Type string

const (
	TypeMicro Type = "micro"
	TypeMacro Type = "macro"
	TypeOverview Type = "overview"
)

// Scope enumerates how broadly a cluster applies.
type Scope string

const (
	ScopeSpecific Scope = "specific"
	ScopeAreaWide Scope = "area_wide"
	ScopeGlobal Scope = "global"
)

// Role enumerates a membership's relationship to its cluster.
type Role string

const (
	RolePrimary Role = "primary"
	RoleRelated Role = "related"
)

// Cluster is a semantic grouping of entities .
type Cluster struct {
	ID string
	Type Type
	Scope Scope
	Embedding []float32
	QueryPatterns []string
	Areas []string
	Domains []string
}

// Membership is one (cluster, entity) edge: cluster.go's "set of
// (entity, role, weight, context_boost)".
type Membership struct {
	EntityID string
	ClusterID string
	Role Role
	Weight float64
	ContextBoost float64
}

// ScoredCluster is a Cluster plus its cosine similarity to a query
// vector, the unit Search returns.
type ScoredCluster struct {
	Cluster
	Similarity float64
}

// Index is the SQLite-backed Cluster Index.
type Index struct {
	db *sql.DB
	mu sync.RWMutex
	dim int

	clusters map[string]Cluster
	members map[string][]Membership // clusterID -> memberships
}

// Config controls how an Index is opened.
type Config struct {
	Path string
	Dim int
}

// Open opens (creating if necessary) a SQLite-backed cluster index and
// loads its contents into memory — clusters/memberships are small
// (installation-scale), so an in-memory cache of the whole index keeps
// Search and Expand in-memory scans under a read lock rather than
// per-call SQL.
func Open(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("cluster: path required")
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cluster: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	idx := &Index{db: db, dim: cfg.Dim, clusters: make(map[string]Cluster), members: make(map[string][]Membership)}
	if err := idx.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := idx.reload(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) createSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS clusters (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		scope TEXT NOT NULL,
		embedding BLOB,
		query_patterns TEXT, -- newline-joined
		areas TEXT, -- newline-joined
		domains TEXT -- newline-joined
	);
	CREATE TABLE IF NOT EXISTS cluster_members (
		cluster_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		role TEXT NOT NULL,
		weight REAL NOT NULL,
		context_boost REAL NOT NULL,
		PRIMARY KEY (cluster_id, entity_id),
		FOREIGN KEY (cluster_id) REFERENCES clusters(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_cluster_members_entity ON cluster_members(entity_id);
	`
	_, err := idx.db.ExecContext(ctx, schema)
	return err
}

func (idx *Index) reload(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	clusterRows, err := idx.db.QueryContext(ctx, `SELECT id, type, scope, embedding, query_patterns, areas, domains FROM clusters`)
	if err != nil {
		return err
	}
	defer clusterRows.Close()

	clusters := make(map[string]Cluster)
	for clusterRows.Next() {
		var c Cluster
		var typ, scope string
		var qp, areas, domains sql.NullString
		var emb []byte
		if err := clusterRows.Scan(&c.ID, &typ, &scope, &emb, &qp, &areas, &domains); err != nil {
			return err
		}
		c.Type = Type(typ)
		c.Scope = Scope(scope)
		c.QueryPatterns = splitNonEmpty(qp.String)
		c.Areas = splitNonEmpty(areas.String)
		c.Domains = splitNonEmpty(domains.String)
		if len(emb) > 0 {
			vec, err := encoding.DecodeVector(emb)
			if err == nil {
				c.Embedding = vec
			}
		}
		clusters[c.ID] = c
	}
	if err := clusterRows.Err(); err != nil {
		return err
	}

	memberRows, err := idx.db.QueryContext(ctx, `SELECT cluster_id, entity_id, role, weight, context_boost FROM cluster_members`)
	if err != nil {
		return err
	}
	defer memberRows.Close()

	members := make(map[string][]Membership)
	for memberRows.Next() {
		var m Membership
		var role string
		if err := memberRows.Scan(&m.ClusterID, &m.EntityID, &role, &m.Weight, &m.ContextBoost); err != nil {
			return err
		}
		m.Role = Role(role)
		members[m.ClusterID] = append(members[m.ClusterID], m)
	}
	if err := memberRows.Err(); err != nil {
		return err
	}

	idx.clusters = clusters
	idx.members = members
	return nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func joinLines(ss []string) string { return strings.Join(ss, "\n") }

// Upsert writes a cluster and replaces its membership set. Like
// pkg/entity.Store.Upsert, this exists only for the ingestion path's
// local stand-in (clusters are otherwise read-only,).
func (idx *Index) Upsert(ctx context.Context, c Cluster, members []Membership) error {
	hasPrimary := false
	for _, m := range members {
		if m.Role == RolePrimary {
			hasPrimary = true
			break
		}
	}
	if !hasPrimary {
		return fmt.Errorf("cluster: %s must have at least one primary member", c.ID)
	}

	embBytes, err := encoding.EncodeVector(c.Embedding)
	if err != nil && c.Embedding != nil {
		return fmt.Errorf("cluster: encode embedding: %w", err)
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO clusters (id, type, scope, embedding, query_patterns, areas, domains)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, scope=excluded.scope, embedding=excluded.embedding,
			query_patterns=excluded.query_patterns, areas=excluded.areas, domains=excluded.domains
	`, c.ID, string(c.Type), string(c.Scope), embBytes, joinLines(c.QueryPatterns), joinLines(c.Areas), joinLines(c.Domains))
	if err != nil {
		return fmt.Errorf("cluster: upsert cluster: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cluster_members WHERE cluster_id = ?`, c.ID); err != nil {
		return fmt.Errorf("cluster: clear members: %w", err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cluster_members (cluster_id, entity_id, role, weight, context_boost)
			VALUES (?,?,?,?,?)
		`, c.ID, m.EntityID, string(m.Role), m.Weight, m.ContextBoost); err != nil {
			return fmt.Errorf("cluster: insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.clusters[c.ID] = c
	idx.members[c.ID] = members
	idx.mu.Unlock()
	return nil
}

// MinSimilarity is the default CLUSTER_MIN_SIM threshold .
const MinSimilarity = 0.35

// Search returns up to k clusters of an allowed type whose embedding has
// cosine similarity >= minSim to vector, sorted by similarity descending
// then cluster id ascending (tie-break). Deterministic
// given identical inputs: iteration is over a map, but the final sort
// key includes id, so ordering does not depend on map iteration order.
func (idx *Index) Search(ctx context.Context, vector []float32, allowedTypes []Type, k int, minSim float64) ([]ScoredCluster, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	allowed := make(map[Type]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}

	out := make([]ScoredCluster, 0, len(idx.clusters))
	for _, c := range idx.clusters {
		if len(allowed) > 0 && !allowed[c.Type] {
			continue
		}
		if len(c.Embedding) != len(vector) || len(vector) == 0 {
			continue
		}
		sim := cosineSimilarity(vector, c.Embedding)
		if sim < minSim {
			continue
		}
		out = append(out, ScoredCluster{Cluster: c, Similarity: sim})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// ExpandedEntity is one row of Expand's output .
type ExpandedEntity struct {
	EntityID string
	ClusterID string
	Role Role
	Weight float64
}

// Expand inner-joins clusters to their entity memberships, filtered by
// roles (default {primary, related} when roles is empty), deduplicating
// by entity_id and keeping the (cluster, role, weight) with the highest
// weight (invariant).
func (idx *Index) Expand(clusters []ScoredCluster, roles []Role) []ExpandedEntity {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	allowed := map[Role]bool{RolePrimary: true, RoleRelated: true}
	if len(roles) > 0 {
		allowed = make(map[Role]bool, len(roles))
		for _, r := range roles {
			allowed[r] = true
		}
	}

	best := make(map[string]ExpandedEntity)
	for _, c := range clusters {
		for _, m := range idx.members[c.ID] {
			if !allowed[m.Role] {
				continue
			}
			cur, ok := best[m.EntityID]
			if !ok || m.Weight > cur.Weight {
				best[m.EntityID] = ExpandedEntity{
					EntityID: m.EntityID,
					ClusterID: m.ClusterID,
					Role: m.Role,
					Weight: m.Weight,
				}
			}
		}
	}

	out := make([]ExpandedEntity, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Close releases the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
