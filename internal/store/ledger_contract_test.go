package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"workshelf/api/internal/mode"
	"workshelf/api/internal/util"
)

type ledger interface {
	CreateDocument(ctx context.Context, doc Document, first Version) error
	AppendVersion(ctx context.Context, expectedCurrent int, v Version) error
	GetDocument(ctx context.Context, documentID string) (Document, error)
	GetCurrentVersion(ctx context.Context, documentID string) (Version, error)
	GetVersion(ctx context.Context, documentID string, versionNumber int) (Version, error)
	ListVersions(ctx context.Context, documentID string, page Page) ([]Version, error)
}

func seedDocument(t *testing.T, l ledger) (Document, Version) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	doc := Document{
		ID:                   util.NewID("doc"),
		Title:                "Policy",
		Content:              json.RawMessage(`{"type":"doc","content":[]}`),
		Mode:                 mode.Draft,
		CurrentVersionNumber: 1,
		AuthorID:             "usr_a",
	}
	first := Version{
		ID:            util.NewID("ver"),
		DocumentID:    doc.ID,
		VersionNumber: 1,
		Title:         doc.Title,
		Content:       doc.Content,
		Mode:          mode.Draft,
		Kind:          KindCreate,
		AuthorID:      "usr_a",
		CreatedAt:     now,
	}
	if err := l.CreateDocument(context.Background(), doc, first); err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc, first
}

func nextVersion(prev Version, title string) Version {
	return Version{
		ID:            util.NewID("ver"),
		DocumentID:    prev.DocumentID,
		VersionNumber: prev.VersionNumber + 1,
		Title:         title,
		Content:       json.RawMessage(fmt.Sprintf(`{"title":%q}`, title)),
		Mode:          prev.Mode,
		Kind:          KindSave,
		AuthorID:      "usr_b",
		CreatedAt:     prev.CreatedAt.Add(time.Second),
	}
}

func runLedgerContract(t *testing.T, newLedger func(t *testing.T) ledger) {
	t.Run("create then read back", func(t *testing.T) {
		l := newLedger(t)
		doc, first := seedDocument(t, l)
		ctx := context.Background()

		got, err := l.GetDocument(ctx, doc.ID)
		if err != nil {
			t.Fatalf("get document: %v", err)
		}
		if got.CurrentVersionNumber != 1 || got.Mode != mode.Draft || string(got.Content) != string(doc.Content) {
			t.Fatalf("unexpected document %+v", got)
		}

		current, err := l.GetCurrentVersion(ctx, doc.ID)
		if err != nil {
			t.Fatalf("get current: %v", err)
		}
		if current.ID != first.ID || current.Kind != KindCreate || current.PreviousMode != nil {
			t.Fatalf("unexpected current version %+v", current)
		}
	})

	t.Run("duplicate create rejected", func(t *testing.T) {
		l := newLedger(t)
		doc, first := seedDocument(t, l)
		first.ID = util.NewID("ver")
		if err := l.CreateDocument(context.Background(), doc, first); !errors.Is(err, ErrDocumentExists) {
			t.Fatalf("expected ErrDocumentExists, got %v", err)
		}
	})

	t.Run("append advances pointer and keeps history", func(t *testing.T) {
		l := newLedger(t)
		doc, first := seedDocument(t, l)
		ctx := context.Background()

		second := nextVersion(first, "Policy v2")
		if err := l.AppendVersion(ctx, 1, second); err != nil {
			t.Fatalf("append: %v", err)
		}
		previous := mode.Draft
		third := nextVersion(second, "Policy v2")
		third.Content = second.Content
		third.Mode = mode.Review
		third.PreviousMode = &previous
		third.IsModeTransition = true
		third.Kind = KindModeChange
		third.ChangeSummary = "ready for review"
		if err := l.AppendVersion(ctx, 2, third); err != nil {
			t.Fatalf("append mode change: %v", err)
		}

		got, err := l.GetDocument(ctx, doc.ID)
		if err != nil {
			t.Fatalf("get document: %v", err)
		}
		if got.CurrentVersionNumber != 3 || got.Mode != mode.Review || got.Title != "Policy v2" {
			t.Fatalf("unexpected document after appends %+v", got)
		}

		versions, err := l.ListVersions(ctx, doc.ID, Page{})
		if err != nil {
			t.Fatalf("list versions: %v", err)
		}
		if len(versions) != 3 {
			t.Fatalf("expected 3 versions, got %d", len(versions))
		}
		for i, want := range []int{3, 2, 1} {
			if versions[i].VersionNumber != want {
				t.Fatalf("versions[%d] = %d, want %d", i, versions[i].VersionNumber, want)
			}
		}
		if versions[0].PreviousMode == nil || *versions[0].PreviousMode != mode.Draft || versions[0].ChangeSummary != "ready for review" {
			t.Fatalf("mode change row lost fields: %+v", versions[0])
		}

		v1, err := l.GetVersion(ctx, doc.ID, 1)
		if err != nil {
			t.Fatalf("get version 1: %v", err)
		}
		if string(v1.Content) != string(first.Content) {
			t.Fatalf("version 1 content changed: %s", v1.Content)
		}
	})

	t.Run("stale expected current is a conflict", func(t *testing.T) {
		l := newLedger(t)
		_, first := seedDocument(t, l)
		ctx := context.Background()

		if err := l.AppendVersion(ctx, 1, nextVersion(first, "winner")); err != nil {
			t.Fatalf("first append: %v", err)
		}
		err := l.AppendVersion(ctx, 1, nextVersion(first, "loser"))
		if !errors.Is(err, ErrConcurrentModification) {
			t.Fatalf("expected ErrConcurrentModification, got %v", err)
		}
	})

	t.Run("out of sequence number rejected", func(t *testing.T) {
		l := newLedger(t)
		_, first := seedDocument(t, l)
		skip := nextVersion(first, "skip")
		skip.VersionNumber = 3
		if err := l.AppendVersion(context.Background(), 1, skip); !errors.Is(err, ErrVersionOutOfSequence) {
			t.Fatalf("expected ErrVersionOutOfSequence, got %v", err)
		}
	})

	t.Run("concurrent appends leave a gapless ledger", func(t *testing.T) {
		l := newLedger(t)
		doc, first := seedDocument(t, l)
		ctx := context.Background()

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := l.AppendVersion(ctx, 1, nextVersion(first, fmt.Sprintf("writer-%d", i)))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrConcurrentModification):
					conflicts++
				default:
					t.Errorf("unexpected append error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 || conflicts != writers-1 {
			t.Fatalf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, writers-1)
		}
		versions, err := l.ListVersions(ctx, doc.ID, Page{})
		if err != nil {
			t.Fatalf("list versions: %v", err)
		}
		if len(versions) != 2 || versions[0].VersionNumber != 2 || versions[1].VersionNumber != 1 {
			t.Fatalf("unexpected ledger after race: %+v", versions)
		}
	})

	t.Run("paging", func(t *testing.T) {
		l := newLedger(t)
		doc, prev := seedDocument(t, l)
		ctx := context.Background()
		for i := 2; i <= 5; i++ {
			next := nextVersion(prev, fmt.Sprintf("v%d", i))
			if err := l.AppendVersion(ctx, prev.VersionNumber, next); err != nil {
				t.Fatalf("append v%d: %v", i, err)
			}
			prev = next
		}

		page, err := l.ListVersions(ctx, doc.ID, Page{Limit: 2, Before: 5})
		if err != nil {
			t.Fatalf("list page: %v", err)
		}
		if len(page) != 2 || page[0].VersionNumber != 4 || page[1].VersionNumber != 3 {
			t.Fatalf("unexpected page %+v", page)
		}
	})

	t.Run("not found taxonomy", func(t *testing.T) {
		l := newLedger(t)
		doc, _ := seedDocument(t, l)
		ctx := context.Background()

		if _, err := l.GetDocument(ctx, "doc_missing"); !errors.Is(err, ErrDocumentNotFound) {
			t.Fatalf("GetDocument: expected ErrDocumentNotFound, got %v", err)
		}
		if _, err := l.GetCurrentVersion(ctx, "doc_missing"); !errors.Is(err, ErrDocumentNotFound) {
			t.Fatalf("GetCurrentVersion: expected ErrDocumentNotFound, got %v", err)
		}
		if _, err := l.ListVersions(ctx, "doc_missing", Page{}); !errors.Is(err, ErrDocumentNotFound) {
			t.Fatalf("ListVersions: expected ErrDocumentNotFound, got %v", err)
		}
		if _, err := l.GetVersion(ctx, "doc_missing", 1); !errors.Is(err, ErrDocumentNotFound) {
			t.Fatalf("GetVersion: expected ErrDocumentNotFound, got %v", err)
		}
		if _, err := l.GetVersion(ctx, doc.ID, 9); !errors.Is(err, ErrVersionNotFound) {
			t.Fatalf("GetVersion: expected ErrVersionNotFound, got %v", err)
		}
		if err := l.AppendVersion(ctx, 1, nextVersion(Version{DocumentID: "doc_missing", VersionNumber: 1}, "x")); !errors.Is(err, ErrDocumentNotFound) {
			t.Fatalf("AppendVersion: expected ErrDocumentNotFound, got %v", err)
		}
	})
}
