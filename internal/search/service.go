package search

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const writeTimeout = 10 * time.Second

// Service tries the primary index first and falls back to the secondary
// searcher. Writes go to the primary and, when it accepts writes, the
// fallback. Index writes run in the background and never fail the caller.
// Writes for one document are applied in the order they were issued.
type Service struct {
	primary  Index
	fallback Searcher
	log      zerolog.Logger
	pending  sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]indexOp
}

type indexOp struct {
	action string
	apply  func(ctx context.Context, idx Indexer) error
}

// NewService builds the facade. primary may be nil when Meilisearch is not
// configured.
func NewService(primary Index, fallback Searcher, log zerolog.Logger) *Service {
	return &Service{primary: primary, fallback: fallback, log: log, queues: make(map[string][]indexOp)}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalize(q)
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("primary search failed, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("fallback search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Upsert indexes a public document.
func (s *Service) Upsert(r Record) {
	s.enqueue(r.ID, indexOp{action: "index document", apply: func(ctx context.Context, idx Indexer) error {
		return idx.Upsert(ctx, r)
	}})
}

// Remove drops a document that left the public modes at versionNumber.
func (s *Service) Remove(id string, versionNumber int) {
	s.enqueue(id, indexOp{action: "remove document", apply: func(ctx context.Context, idx Indexer) error {
		return idx.Delete(ctx, id, versionNumber)
	}})
}

// Reindex pushes every record synchronously. Used at startup.
func (s *Service) Reindex(ctx context.Context, records []Record) {
	if len(records) == 0 {
		return
	}
	for _, idx := range s.writers() {
		if err := idx.Upsert(ctx, records...); err != nil {
			s.log.Error().Err(err).Int("records", len(records)).Msg("reindex failed")
		}
	}
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) writers() []Indexer {
	var out []Indexer
	if s.primary != nil && s.primary.Healthy() {
		out = append(out, s.primary)
	}
	if idx, ok := s.fallback.(Indexer); ok {
		out = append(out, idx)
	}
	return out
}

// enqueue appends op to the document's queue. A document with a non-empty
// entry in queues already has a worker draining it.
func (s *Service) enqueue(id string, op indexOp) {
	s.mu.Lock()
	queue, running := s.queues[id]
	s.queues[id] = append(queue, op)
	if !running {
		s.pending.Add(1)
	}
	s.mu.Unlock()

	if !running {
		go s.drain(id)
	}
}

func (s *Service) drain(id string) {
	defer s.pending.Done()
	for {
		s.mu.Lock()
		queue := s.queues[id]
		if len(queue) == 0 {
			delete(s.queues, id)
			s.mu.Unlock()
			return
		}
		op := queue[0]
		s.queues[id] = queue[1:]
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		for _, idx := range s.writers() {
			if err := op.apply(ctx, idx); err != nil {
				s.log.Error().Err(err).Str("document_id", id).Msg(op.action)
			}
		}
		cancel()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
