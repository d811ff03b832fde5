// Package versioning is the only write path into the document ledger. Every
// create, save, mode change and restore appends exactly one immutable version
// and advances the document pointer in the same atomic step.
package versioning

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"workshelf/api/internal/mode"
	"workshelf/api/internal/store"
	"workshelf/api/internal/util"
)

// Ledger is the storage contract the engine needs. store.PostgresStore and
// store.MemoryStore both satisfy it.
type Ledger interface {
	CreateDocument(ctx context.Context, doc store.Document, first store.Version) error
	AppendVersion(ctx context.Context, expectedCurrent int, v store.Version) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	GetCurrentVersion(ctx context.Context, documentID string) (store.Version, error)
	GetVersion(ctx context.Context, documentID string, versionNumber int) (store.Version, error)
	ListVersions(ctx context.Context, documentID string, page store.Page) ([]store.Version, error)
}

type CreateInput struct {
	Title    string
	Content  json.RawMessage
	AuthorID string
	Summary  string
}

type SaveInput struct {
	Title    string
	Content  json.RawMessage
	AuthorID string
	Summary  string
}

type ModeInput struct {
	Mode     mode.Mode
	AuthorID string
	Summary  string
}

type RestoreInput struct {
	VersionNumber int
	AuthorID      string
	Summary       string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs replaces the document and version id generators.
func WithIDs(documentID, versionID func() string) Option {
	return func(e *Engine) {
		e.newDocumentID = documentID
		e.newVersionID = versionID
	}
}

// Engine performs no retries. A lost race surfaces as
// ErrConcurrentModification and the caller decides whether to try again.
type Engine struct {
	ledger        Ledger
	graph         mode.Graph
	now           func() time.Time
	newDocumentID func() string
	newVersionID  func() string
}

func New(ledger Ledger, graph mode.Graph, opts ...Option) *Engine {
	e := &Engine{
		ledger:        ledger,
		graph:         graph,
		now:           func() time.Time { return time.Now().UTC() },
		newDocumentID: func() string { return util.NewID("doc") },
		newVersionID:  func() string { return util.NewID("ver") },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Graph() mode.Graph {
	return e.graph
}

func (e *Engine) CreateDocument(ctx context.Context, in CreateInput) (store.Version, error) {
	content, err := normalizeContent(in.Content)
	if err != nil {
		return store.Version{}, err
	}

	now := e.now().Truncate(time.Microsecond)
	documentID := e.newDocumentID()
	first := e.snapshot(documentID, 1, in.Title, content, mode.Initial, in.AuthorID, in.Summary, now)
	first.Kind = store.KindCreate

	doc := store.Document{
		ID:                   documentID,
		Title:                in.Title,
		Content:              content,
		Mode:                 mode.Initial,
		CurrentVersionNumber: 1,
		AuthorID:             in.AuthorID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.ledger.CreateDocument(ctx, doc, first); err != nil {
		return store.Version{}, fmt.Errorf("create document: %w", err)
	}
	return first, nil
}

// Save appends a content snapshot. Identical saves still append.
func (e *Engine) Save(ctx context.Context, documentID string, in SaveInput) (store.Version, error) {
	content, err := normalizeContent(in.Content)
	if err != nil {
		return store.Version{}, err
	}

	current, err := e.ledger.GetCurrentVersion(ctx, documentID)
	if err != nil {
		return store.Version{}, fmt.Errorf("save %s: %w", documentID, err)
	}
	if !e.graph.IsEditable(current.Mode) {
		return store.Version{}, &ReadOnlyError{Mode: current.Mode}
	}

	next := e.snapshot(documentID, current.VersionNumber+1, in.Title, content, current.Mode, in.AuthorID, in.Summary, e.now())
	next.Kind = store.KindSave
	return e.append(ctx, current.VersionNumber, next)
}

// ChangeMode appends a metadata-only version carrying the current title and
// content under the new mode.
func (e *Engine) ChangeMode(ctx context.Context, documentID string, in ModeInput) (store.Version, error) {
	if !in.Mode.Valid() {
		return store.Version{}, fmt.Errorf("change mode of %s: %w: %q", documentID, mode.ErrUnknownMode, in.Mode)
	}

	current, err := e.ledger.GetCurrentVersion(ctx, documentID)
	if err != nil {
		return store.Version{}, fmt.Errorf("change mode of %s: %w", documentID, err)
	}
	if current.Mode == in.Mode {
		return store.Version{}, &TransitionError{From: current.Mode, To: in.Mode, Err: ErrNoOpTransition}
	}
	if !e.graph.CanTransition(current.Mode, in.Mode) {
		return store.Version{}, &TransitionError{From: current.Mode, To: in.Mode, Err: ErrIllegalTransition}
	}

	next := e.snapshot(documentID, current.VersionNumber+1, current.Title, current.Content, in.Mode, in.AuthorID, in.Summary, e.now())
	previous := current.Mode
	next.PreviousMode = &previous
	next.IsModeTransition = true
	next.Kind = store.KindModeChange
	return e.append(ctx, current.VersionNumber, next)
}

// Restore copies version k forward as a new version. Versions after k stay
// in the ledger untouched.
func (e *Engine) Restore(ctx context.Context, documentID string, in RestoreInput) (store.Version, error) {
	current, err := e.ledger.GetCurrentVersion(ctx, documentID)
	if err != nil {
		return store.Version{}, fmt.Errorf("restore %s: %w", documentID, err)
	}
	if in.VersionNumber < 1 || in.VersionNumber > current.VersionNumber {
		return store.Version{}, fmt.Errorf("restore %s to version %d: %w", documentID, in.VersionNumber, ErrVersionNotFound)
	}
	if !e.graph.IsEditable(current.Mode) {
		return store.Version{}, &ReadOnlyError{Mode: current.Mode}
	}

	target, err := e.ledger.GetVersion(ctx, documentID, in.VersionNumber)
	if err != nil {
		return store.Version{}, fmt.Errorf("restore %s: %w", documentID, err)
	}

	summary := in.Summary
	if summary == "" {
		summary = "Restored from version " + strconv.Itoa(in.VersionNumber)
	}
	next := e.snapshot(documentID, current.VersionNumber+1, target.Title, target.Content, current.Mode, in.AuthorID, summary, e.now())
	next.Kind = store.KindRestore
	from := in.VersionNumber
	next.RestoredFrom = &from
	return e.append(ctx, current.VersionNumber, next)
}

func (e *Engine) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return e.ledger.GetDocument(ctx, documentID)
}

func (e *Engine) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return e.ledger.ListDocuments(ctx)
}

// ListVersions returns the full history, most recent first.
func (e *Engine) ListVersions(ctx context.Context, documentID string) ([]store.Version, error) {
	return e.ledger.ListVersions(ctx, documentID, store.Page{})
}

func (e *Engine) ListVersionsPage(ctx context.Context, documentID string, page store.Page) ([]store.Version, error) {
	if page.Limit < 0 || page.Before < 0 {
		return nil, fmt.Errorf("list versions of %s: negative page bounds", documentID)
	}
	return e.ledger.ListVersions(ctx, documentID, page)
}

func (e *Engine) GetVersion(ctx context.Context, documentID string, versionNumber int) (store.Version, error) {
	if versionNumber < 1 {
		if _, err := e.ledger.GetDocument(ctx, documentID); err != nil {
			return store.Version{}, err
		}
		return store.Version{}, fmt.Errorf("get version %d of %s: %w", versionNumber, documentID, ErrVersionNotFound)
	}
	return e.ledger.GetVersion(ctx, documentID, versionNumber)
}

func (e *Engine) GetCurrent(ctx context.Context, documentID string) (store.Version, error) {
	return e.ledger.GetCurrentVersion(ctx, documentID)
}

func (e *Engine) append(ctx context.Context, expectedCurrent int, next store.Version) (store.Version, error) {
	if err := e.ledger.AppendVersion(ctx, expectedCurrent, next); err != nil {
		return store.Version{}, fmt.Errorf("append version %d to %s: %w", next.VersionNumber, next.DocumentID, err)
	}
	return next, nil
}

func (e *Engine) snapshot(documentID string, number int, title string, content json.RawMessage, m mode.Mode, authorID, summary string, at time.Time) store.Version {
	return store.Version{
		ID:            e.newVersionID(),
		DocumentID:    documentID,
		VersionNumber: number,
		Title:         title,
		Content:       append(json.RawMessage(nil), content...),
		Mode:          m,
		ChangeSummary: summary,
		ContentHash:   ContentHash(title, content),
		AuthorID:      authorID,
		CreatedAt:     at.Truncate(time.Microsecond),
	}
}

// normalizeContent stores an absent body as JSON null and otherwise keeps the
// caller's bytes exactly.
func normalizeContent(content json.RawMessage) (json.RawMessage, error) {
	if len(content) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(content) {
		return nil, ErrInvalidContent
	}
	return content, nil
}
