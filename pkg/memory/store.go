// Package memory implements the bounded TTL working memory with
// substring-relevance retrieval used by agents to build prompt context.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind types the payload of a memory entry.
type Kind string

const (
	KindConversation  Kind = "conversation"
	KindReasoning     Kind = "reasoning"
	KindTask          Kind = "task"
	KindToolUsage     Kind = "tool_usage"
	KindCollaboration Kind = "collaboration"
	KindSystem        Kind = "system"
)

var validKinds = map[Kind]bool{
	KindConversation:  true,
	KindReasoning:     true,
	KindTask:          true,
	KindToolUsage:     true,
	KindCollaboration: true,
	KindSystem:        true,
}

var (
	ErrUnknownKind = errors.New("unknown memory kind")
	ErrNotFound    = errors.New("memory entry not found")
)

// Entry is one record in the store. Payload is immutable after Add; only
// AccessCount and LastAccessed change, and only on read.
type Entry struct {
	ID           string                 `json:"id"`
	Kind         Kind                   `json:"kind"`
	Payload      map[string]interface{} `json:"payload"`
	CreatedAt    time.Time              `json:"created_at"`
	AccessCount  int                    `json:"access_count"`
	LastAccessed time.Time              `json:"last_accessed"`
}

// ScoredEntry pairs an entry with its relevance score.
type ScoredEntry struct {
	Entry *Entry
	Score float64
}

type SearchOptions struct {
	Kind     Kind
	Limit    int
	MinScore float64
}

type StoreConfig struct {
	TTL           time.Duration
	MaxSize       int
	SweepInterval time.Duration
}

type StoreStats struct {
	Size       int           `json:"size"`
	ByKind     map[Kind]int  `json:"by_kind"`
	AverageAge time.Duration `json:"average_age"`
	OldestAge  time.Duration `json:"oldest_age"`
}

// Store is a bounded TTL keyed store. Expired entries are dropped on
// access and by a periodic sweep; the size cap is enforced eagerly on
// insertion by evicting the least recently accessed entry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	cfg     StoreConfig

	stopCh   chan struct{}
	stopOnce sync.Once
}

const (
	defaultRelevantLimit = 5
	relevanceDecayWindow = 24 * time.Hour
)

func NewStore(cfg StoreConfig) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}

	s := &Store{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// Close stops the background sweep. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, e := range s.entries {
		if now.Sub(e.CreatedAt) > s.cfg.TTL {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Add stores a new entry and returns its id. The size cap is enforced by
// evicting the entry with the oldest LastAccessed before inserting.
func (s *Store) Add(kind Kind, payload map[string]interface{}) (string, error) {
	if !validKinds[kind] {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.cfg.MaxSize {
		s.evictLRULocked()
	}

	now := time.Now()
	entry := &Entry{
		ID:           uuid.New().String(),
		Kind:         kind,
		Payload:      payload,
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.entries[entry.ID] = entry

	return entry.ID, nil
}

func (s *Store) evictLRULocked() {
	var victim *Entry
	for _, e := range s.entries {
		if victim == nil || e.LastAccessed.Before(victim.LastAccessed) {
			victim = e
		}
	}
	if victim != nil {
		delete(s.entries, victim.ID)
	}
}

// Get returns a copy of the entry and records the access.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if time.Since(entry.CreatedAt) > s.cfg.TTL {
		delete(s.entries, id)
		return nil, fmt.Errorf("%w: %s (expired)", ErrNotFound, id)
	}

	entry.AccessCount++
	entry.LastAccessed = time.Now()

	return copyEntry(entry), nil
}

// GetByKind returns copies of all live entries of the given kind, oldest
// first.
func (s *Store) GetByKind(kind Kind) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []*Entry
	for _, e := range s.entries {
		if e.Kind != kind || now.Sub(e.CreatedAt) > s.cfg.TTL {
			continue
		}
		out = append(out, copyEntry(e))
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// Relevant returns the top entries matching the query with score > 0.
// A limit <= 0 uses the default of 5.
func (s *Store) Relevant(query string, limit int) []*Entry {
	if limit <= 0 {
		limit = defaultRelevantLimit
	}

	scored := s.Search(query, SearchOptions{Limit: limit})
	out := make([]*Entry, 0, len(scored))
	for _, se := range scored {
		out = append(out, se.Entry)
	}
	return out
}

// Search scores all live entries against the query and returns them in
// descending score order, ties broken by recency.
func (s *Store) Search(query string, opts SearchOptions) []ScoredEntry {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	decay := s.decayFactorLocked()

	now := time.Now()
	var scored []ScoredEntry
	for _, e := range s.entries {
		if now.Sub(e.CreatedAt) > s.cfg.TTL {
			continue
		}
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}

		view := strings.ToLower(payloadView(e.Payload))
		matches := 0
		for _, tok := range tokens {
			if strings.Contains(view, tok) {
				matches++
			}
		}
		if matches == 0 {
			continue
		}

		score := float64(matches) * decay
		if score <= 0 || score < opts.MinScore {
			continue
		}
		scored = append(scored, ScoredEntry{Entry: copyEntry(e), Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.CreatedAt.After(scored[j].Entry.CreatedAt)
	})

	if opts.Limit > 0 && len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}

	return scored
}

// decayFactorLocked computes the store-wide time decay:
// max(0.1, 1 - (avg_age/24h) * 0.5).
func (s *Store) decayFactorLocked() float64 {
	if len(s.entries) == 0 {
		return 1.0
	}

	now := time.Now()
	var total time.Duration
	for _, e := range s.entries {
		total += now.Sub(e.CreatedAt)
	}
	avgAge := total / time.Duration(len(s.entries))

	decay := 1.0 - (avgAge.Hours()/relevanceDecayWindow.Hours())*0.5
	if decay < 0.1 {
		decay = 0.1
	}
	return decay
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
}

// ClearKind removes all entries of one kind.
func (s *Store) ClearKind(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.Kind == kind {
			delete(s.entries, id)
		}
	}
}

func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{
		Size:   len(s.entries),
		ByKind: make(map[Kind]int),
	}

	now := time.Now()
	var total, oldest time.Duration
	for _, e := range s.entries {
		stats.ByKind[e.Kind]++
		age := now.Sub(e.CreatedAt)
		total += age
		if age > oldest {
			oldest = age
		}
	}
	if len(s.entries) > 0 {
		stats.AverageAge = total / time.Duration(len(s.entries))
	}
	stats.OldestAge = oldest

	return stats
}

// queryTokens lowercases and splits the query on whitespace, dropping
// tokens shorter than 2 characters.
func queryTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	tokens := make([]string, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

// payloadView projects a payload to text, preferring the conventional
// content fields before falling back to JSON serialization.
func payloadView(payload map[string]interface{}) string {
	for _, field := range []string{"input", "text", "content", "message"} {
		if v, ok := payload[field]; ok {
			if str, ok := v.(string); ok && str != "" {
				return str
			}
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(data)
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	return &cp
}
