package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a term-matching index used when neither Meilisearch nor Postgres
// is configured.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	// removedAt holds the version a document was removed at.
	removedAt map[string]int
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), removedAt: make(map[string]int)}
}

func (m *Memory) Healthy() bool {
	return true
}

func (m *Memory) Upsert(_ context.Context, records ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if existing, ok := m.records[r.ID]; ok && existing.VersionNumber > r.VersionNumber {
			continue
		}
		if removed, ok := m.removedAt[r.ID]; ok && r.VersionNumber <= removed {
			continue
		}
		m.records[r.ID] = r
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, id string, versionNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[id]; ok && existing.VersionNumber > versionNumber {
		return nil
	}
	delete(m.records, id)
	if versionNumber > m.removedAt[id] {
		m.removedAt[id] = versionNumber
	}
	return nil
}

// Search matches when every query term appears in the title, summary or body.
func (m *Memory) Search(_ context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	q = normalize(q)

	m.mu.RLock()
	var hits []Record
	for _, r := range m.records {
		if q.Mode != "" && r.Mode != q.Mode {
			continue
		}
		haystack := strings.ToLower(r.Title + " " + r.Summary + " " + r.Body)
		if containsAll(haystack, terms) {
			hits = append(hits, r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].UpdatedAt == hits[j].UpdatedAt {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].UpdatedAt > hits[j].UpdatedAt
	})

	total := len(hits)
	if q.Offset >= total {
		return []Result{}, total, nil
	}
	hits = hits[q.Offset:]
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	results := make([]Result, 0, len(hits))
	for _, r := range hits {
		results = append(results, Result{
			DocumentID:    r.ID,
			Title:         r.Title,
			Snippet:       r.Summary,
			Mode:          r.Mode,
			VersionNumber: r.VersionNumber,
		})
	}
	return results, total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
