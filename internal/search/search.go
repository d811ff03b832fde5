// Package search indexes documents that are in a public mode and answers
// full-text queries over them.
package search

import (
	"context"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID    string `json:"documentId"`
	Title         string `json:"title"`
	Snippet       string `json:"snippet"`
	Mode          string `json:"mode"`
	VersionNumber int    `json:"versionNumber"`
}

// Query describes a search request. Mode narrows hits to one public mode.
type Query struct {
	Text   string
	Mode   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Record is what gets indexed for a public document: the state of its
// current version.
type Record struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Body          string `json:"body"`
	Summary       string `json:"summary"`
	Mode          string `json:"mode"`
	VersionNumber int    `json:"versionNumber"`
	UpdatedAt     int64  `json:"updatedAt"`
}

func NewRecord(id, title, body, summary, mode string, versionNumber int, updatedAt time.Time) Record {
	return Record{
		ID:            id,
		Title:         title,
		Body:          body,
		Summary:       summary,
		Mode:          mode,
		VersionNumber: versionNumber,
		UpdatedAt:     updatedAt.Unix(),
	}
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

type Indexer interface {
	Upsert(ctx context.Context, records ...Record) error
	// Delete removes the document as of versionNumber. Indexes that track
	// versions must ignore later upserts of older records.
	Delete(ctx context.Context, id string, versionNumber int) error
}

// Index is a searcher that also accepts writes.
type Index interface {
	Searcher
	Indexer
}

const defaultLimit = 20

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
