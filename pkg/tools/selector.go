package tools

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Ranked is one scored candidate from the selector.
type Ranked struct {
	Info       ToolInfo `json:"info"`
	MatchScore float64  `json:"match_score"`
	Priority   float64  `json:"priority"`
}

type usageStats struct {
	successCount int
	totalCount   int
	totalLatency time.Duration
	lastUsed     time.Time
}

// UsageSnapshot is the exported view of a tool's usage counters.
type UsageSnapshot struct {
	SuccessCount   int           `json:"success_count"`
	TotalCount     int           `json:"total_count"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	LastUsed       time.Time     `json:"last_used"`
}

// Selector ranks candidate tools against a task description. Keyword
// match drives the base score; historical success rate, recent use and
// server health adjust the priority.
type Selector struct {
	mu            sync.RWMutex
	stats         map[string]*usageStats
	failedServers map[string]bool
	maxResults    int
}

const (
	defaultMaxResults    = 5
	recencyPenaltyWindow = time.Minute
	recencyPenalty       = 0.2
	failedServerPenalty  = 5.0
	statsRetention       = 24 * time.Hour
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"to": true, "of": true, "in": true, "on": true, "for": true,
	"and": true, "or": true, "with": true, "what": true, "how": true,
	"please": true, "can": true, "you": true, "me": true, "my": true,
	"do": true, "does": true, "it": true, "this": true, "that": true,
}

// domainBonus gives known task phrasings a strong pull toward the tools
// built for them.
type domainBonus struct {
	taskWords []string
	toolWord  string
	bonus     float64
}

var domainBonuses = []domainBonus{
	{taskWords: []string{"驾车", "drive", "driving"}, toolWord: "driving", bonus: 2},
	{taskWords: []string{"股票", "invest", "stock"}, toolWord: "stock", bonus: 3},
	{taskWords: []string{"天气", "weather"}, toolWord: "weather", bonus: 2},
}

func NewSelector(maxResults int) *Selector {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &Selector{
		stats:         make(map[string]*usageStats),
		failedServers: make(map[string]bool),
		maxResults:    maxResults,
	}
}

// Select returns candidates ranked by priority, then match score,
// truncated to the configured maximum. Candidates with no keyword match
// are dropped.
func (s *Selector) Select(task string, candidates []ToolInfo) []Ranked {
	keywords := extractKeywords(task)
	if len(keywords) == 0 {
		return nil
	}

	taskLower := strings.ToLower(task)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ranked []Ranked
	for _, info := range candidates {
		match := s.matchScore(taskLower, keywords, info)
		if match <= 0 {
			continue
		}

		ranked = append(ranked, Ranked{
			Info:       info,
			MatchScore: match,
			Priority:   s.priorityLocked(info),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		return ranked[i].MatchScore > ranked[j].MatchScore
	})

	if len(ranked) > s.maxResults {
		ranked = ranked[:s.maxResults]
	}

	return ranked
}

func (s *Selector) matchScore(taskLower string, keywords []string, info ToolInfo) float64 {
	haystack := strings.ToLower(info.Name + " " + info.Description + " " + strings.Join(info.Tags, " "))

	matched := 0
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			matched++
		}
	}

	score := float64(matched) / float64(len(keywords))

	nameLower := strings.ToLower(info.Name)
	for _, db := range domainBonuses {
		for _, tw := range db.taskWords {
			if strings.Contains(taskLower, tw) && strings.Contains(nameLower, db.toolWord) {
				score += db.bonus
				break
			}
		}
	}

	return score
}

func (s *Selector) priorityLocked(info ToolInfo) float64 {
	priority := 0.0

	if st, ok := s.stats[info.Name]; ok && st.totalCount > 0 {
		priority += float64(st.successCount) / float64(st.totalCount)

		if time.Since(st.lastUsed) < recencyPenaltyWindow {
			priority -= recencyPenalty
		}
	}

	if info.MCP != nil && s.failedServers[info.MCP.ServerID] {
		priority -= failedServerPenalty
	}

	return priority
}

// RecordToolUsage updates the per-tool counters used for priority.
func (s *Selector) RecordToolUsage(name string, success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[name]
	if !ok {
		st = &usageStats{}
		s.stats[name] = st
	}

	st.totalCount++
	if success {
		st.successCount++
	}
	st.totalLatency += latency
	st.lastUsed = time.Now()
}

// SetServerFailed flags or clears a server whose mirrored tools should
// be deprioritized.
func (s *Selector) SetServerFailed(serverID string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if failed {
		s.failedServers[serverID] = true
	} else {
		delete(s.failedServers, serverID)
	}
}

// UsageStats returns a snapshot of the recorded counters.
func (s *Selector) UsageStats() map[string]UsageSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]UsageSnapshot, len(s.stats))
	for name, st := range s.stats {
		snap := UsageSnapshot{
			SuccessCount: st.successCount,
			TotalCount:   st.totalCount,
			LastUsed:     st.lastUsed,
		}
		if st.totalCount > 0 {
			snap.SuccessRate = float64(st.successCount) / float64(st.totalCount)
			snap.AverageLatency = st.totalLatency / time.Duration(st.totalCount)
		}
		out[name] = snap
	}
	return out
}

// Cleanup evicts usage records not touched within the retention window
// and returns how many were dropped.
func (s *Selector) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-statsRetention)
	for name, st := range s.stats {
		if st.lastUsed.Before(cutoff) {
			delete(s.stats, name)
			removed++
		}
	}
	return removed
}

// extractKeywords lowercases the task, strips punctuation, splits on
// whitespace and drops stop words and single-character tokens.
func extractKeywords(task string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, strings.ToLower(task))

	var keywords []string
	seen := make(map[string]bool)
	for _, word := range strings.Fields(cleaned) {
		if len([]rune(word)) <= 1 || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}

	return keywords
}
