// Package convmemory implements Conversation Memory (C3): per-session
// cached context and previously relevant entities with a TTL, plus
// best-effort asynchronous summarization. Grounded on the teacher's
// pkg/memory.MemoryManager's RWMutex-guarded config/store pairing
// (memory.go) and its hooks.go FactExtractorFn/RerankerFn pluggable-hook
// shape, generalized from a retain/recall/reflect fact store to the
// spec's simpler load/update/boost contract.
package convmemory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lopeti/ha-rag-bridge/internal/logging"

	_ "modernc.org/sqlite"
)

// EntityMention is one remembered entity reference .
type EntityMention struct {
	EntityID string
	Relevance float64
	MentionedAt time.Time
}

// Summary is the optional asynchronously-produced topic summary
// attached to a Memory row .
type Summary struct {
	Topic string
	CurrentFocus string
	IntentPattern string
	TopicDomains []string
	ContextEntities []string
	Confidence float64
	GeneratedAt time.Time
}

// FocusEntry is one bounded focus_history record.
type FocusEntry struct {
	Area string
	At time.Time
}

// Memory is one ConversationMemory row .
type Memory struct {
	SessionID string
	Entities []EntityMention
	AreasMentioned map[string]bool
	DomainsMentioned map[string]bool
	QueryCount int
	LastUpdated time.Time
	TTL time.Time
	Summary *Summary
	FocusHistory []FocusEntry
}

const maxEntities = 50
const maxFocusHistory = 10

// Completer is the capability this package uses for the asynchronous
// summarizer. Defined locally (rather than importing pkg/llm) to keep
// convmemory's dependency surface to the stdlib plus SQLite — pkg/llm
// still satisfies this interface, so pipeline code passes its
// llm.Completer straight through.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Manager is the SQLite-backed Conversation Memory store.
type Manager struct {
	db *sql.DB
	ttl time.Duration
	decay time.Duration
	logger logging.Logger

	mu sync.Mutex // guards the sessionLock map only
	sessionLock map[string]*sync.Mutex

	inflight sync.Map // session_id -> struct{}, at-most-one-pending-task 

	summarizer Completer
}

// Config controls how a Manager is opened.
type Config struct {
	Path string
	TTL time.Duration // default 900s
	DecayConstant time.Duration // default 300s
	Logger logging.Logger
	Summarizer Completer // optional; nil disables background summarization
}

// Open opens (creating if necessary) a SQLite-backed conversation memory
// store.
func Open(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("convmemory: path required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 900 * time.Second
	}
	if cfg.DecayConstant <= 0 {
		cfg.DecayConstant = 300 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("convmemory: open: %w", err)
	}

	m := &Manager{
		db: db,
		ttl: cfg.TTL,
		decay: cfg.DecayConstant,
		logger: cfg.Logger,
		sessionLock: make(map[string]*sync.Mutex),
		summarizer: cfg.Summarizer,
	}
	if err := m.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) createSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS conv_memory (
		session_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL, -- JSON-encoded Memory
		ttl DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conv_memory_ttl ON conv_memory(ttl);
	`
	_, err := m.db.ExecContext(ctx, schema)
	return err
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.sessionLock[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.sessionLock[sessionID] = l
	}
	return l
}

// Load returns the memory for session_id, or (nil, nil) if missing or
// expired ("reads never return expired rows"). Readers are
// lock-free: snapshot isolation, per .
func (m *Manager) Load(ctx context.Context, sessionID string) (*Memory, error) {
	row := m.db.QueryRowContext(ctx, `SELECT payload, ttl FROM conv_memory WHERE session_id = ?`, sessionID)
	var payload string
	var ttl time.Time
	if err := row.Scan(&payload, &ttl); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("convmemory: load: %w", err)
	}
	if !time.Now().Before(ttl) {
		return nil, nil // expired: invisible to reads (invariant)
	}
	mem, err := decodeMemory(payload)
	if err != nil {
		// Cache/memory corruption: treat as absent, log once, continue .
		m.logger.Warn("convmemory: corrupt record, treating as absent", "session_id", sessionID, "err", err)
		return nil, nil
	}
	return mem, nil
}

// Update applies a synchronous per-request update: append mentioned
// entities (capped at 50, evicting least-recently-mentioned), union
// areas/domains, bump query_count, refresh ttl . Per-
// session updates are serialized by a per-session lock held for the
// duration of the call.
func (m *Manager) Update(ctx context.Context, sessionID string, retrieved []EntityMention, areas, domains []string) (*Memory, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	existing, err := m.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var mem Memory
	if existing != nil {
		mem = *existing
	} else {
		mem = Memory{
			SessionID: sessionID,
			AreasMentioned: map[string]bool{},
			DomainsMentioned: map[string]bool{},
		}
	}

	merged := make(map[string]EntityMention, len(mem.Entities)+len(retrieved))
	for _, e := range mem.Entities {
		merged[e.EntityID] = e
	}
	for _, e := range retrieved {
		if cur, ok := merged[e.EntityID]; !ok || e.MentionedAt.After(cur.MentionedAt) {
			merged[e.EntityID] = e
		}
	}
	all := make([]EntityMention, 0, len(merged))
	for _, e := range merged {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].MentionedAt.After(all[j].MentionedAt) })
	if len(all) > maxEntities {
		all = all[:maxEntities] // evict least-recently-mentioned
	}
	mem.Entities = all

	if mem.AreasMentioned == nil {
		mem.AreasMentioned = map[string]bool{}
	}
	if mem.DomainsMentioned == nil {
		mem.DomainsMentioned = map[string]bool{}
	}
	for _, a := range areas {
		if a != "" {
			mem.AreasMentioned[a] = true
		}
	}
	for _, d := range domains {
		if d != "" {
			mem.DomainsMentioned[d] = true
		}
	}

	mem.QueryCount++
	mem.LastUpdated = now
	mem.TTL = now.Add(m.ttl)

	if len(areas) > 0 {
		mem.FocusHistory = append(mem.FocusHistory, FocusEntry{Area: areas[0], At: now})
		if len(mem.FocusHistory) > maxFocusHistory {
			mem.FocusHistory = mem.FocusHistory[len(mem.FocusHistory)-maxFocusHistory:]
		}
	}

	if err := m.put(ctx, mem); err != nil {
		return nil, err
	}
	return &mem, nil
}

func (m *Manager) put(ctx context.Context, mem Memory) error {
	payload, err := encodeMemory(mem)
	if err != nil {
		return fmt.Errorf("convmemory: encode: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO conv_memory (session_id, payload, ttl) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET payload=excluded.payload, ttl=excluded.ttl
	`, mem.SessionID, payload, mem.TTL)
	if err != nil {
		return fmt.Errorf("convmemory: put: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows whose TTL has already elapsed. Not required
// for read correctness (Load already filters expired rows) but keeps the
// table bounded.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM conv_memory WHERE ttl <= ?`, time.Now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (m *Manager) Close() error { return m.db.Close() }

// BoostInput is the per-candidate data BoostWeight needs (an entity
// viewed through a Memory and optional Summary).
type BoostInput struct {
	EntityID string
	Area string
	Domain string
}

// BoostWeight computes the memory boost multiplier for a candidate
// entity exactly per the formula, clamped to [1.0, 3.0].
func (m *Manager) BoostWeight(mem *Memory, in BoostInput, now time.Time) float64 {
	if mem == nil {
		return 1.0
	}
	w := 1.0

	for _, e := range mem.Entities {
		if e.EntityID == in.EntityID {
			age := now.Sub(e.MentionedAt).Seconds()
			w *= 1.5 * decay(age, m.decay.Seconds())
			break
		}
	}
	if mem.AreasMentioned[in.Area] {
		w *= 1.3
	}
	if mem.DomainsMentioned[in.Domain] {
		w *= 1.2
	}
	if s := mem.Summary; s != nil {
		for _, d := range s.TopicDomains {
			if d == in.Domain {
				w *= 1.3
				break
			}
		}
		if s.CurrentFocus != "" && s.CurrentFocus == in.Area {
			w *= 2.0
		}
		if s.IntentPattern == "control" && (in.Domain == "switch" || in.Domain == "light") {
			w *= 1.2
		}
		if s.IntentPattern == "monitor" && in.Domain == "sensor" {
			w *= 1.2
		}
	}

	if w > 3.0 {
		w = 3.0
	}
	if w < 1.0 {
		w = 1.0
	}
	return w
}

func decay(ageSeconds, decayConstant float64) float64 {
	if decayConstant <= 0 {
		return 1.0
	}
	return math.Exp(-ageSeconds / decayConstant)
}

// ScheduleSummarization launches a best-effort background summarization
// task for sessionID if one is not already in flight (
// "at-most-one-pending-task-per-session", enforced here with an atomic
// LoadOrStore on a concurrent map, per the Design Notes §9 guidance).
// The task runs in its own goroutine; ScheduleSummarization returns
// without waiting for it.
func (m *Manager) ScheduleSummarization(ctx context.Context, sessionID string, transcript string) {
	if m.summarizer == nil {
		return
	}
	if _, loaded := m.inflight.LoadOrStore(sessionID, struct{}{}); loaded {
		return // already pending for this session
	}

	go func() {
		defer m.inflight.Delete(sessionID)

		bg := context.Background()
		text, err := m.summarizer.Complete(bg, summaryPrompt(transcript))
		if err != nil {
			m.logger.Warn("convmemory: background summarization failed", "session_id", sessionID, "err", err)
			return
		}
		summary := parseSummary(text)
		summary.GeneratedAt = time.Now()

		// A new synchronous update on the same session does NOT cancel
		// this task; if it writes back after TTL expiry, the write is
		// discarded (Cancellation).
		mem, err := m.Load(bg, sessionID)
		if err != nil || mem == nil {
			m.logger.Debug("convmemory: discarding summary, session expired", "session_id", sessionID)
			return
		}
		mem.Summary = &summary
		if err := m.put(bg, *mem); err != nil {
			m.logger.Warn("convmemory: failed to persist summary", "session_id", sessionID, "err", err)
		}
	}()
}

func summaryPrompt(transcript string) string {
	return "Summarize the current conversation focus, intent, and topic domains:\n" + transcript
}

// parseSummary is intentionally minimal: the LLM completion is expected
// to already be the summary's topic line; richer structured parsing
// belongs to whichever concrete Completer the caller wires in (see
// pkg/llm). This keeps convmemory decoupled from any particular LLM's
// response format.
func parseSummary(text string) Summary {
	return Summary{Topic: text}
}
