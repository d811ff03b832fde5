package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"workshelf/api/internal/mode"
	"workshelf/api/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	ledger := store.NewMemoryStore()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	seq := 0
	engine := New(ledger, mode.DefaultGraph(),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}),
		WithIDs(
			func() string { return "doc_1" },
			func() string {
				mu.Lock()
				defer mu.Unlock()
				seq++
				return fmt.Sprintf("ver_%d", seq)
			},
		),
	)
	return engine, ledger
}

func mustCreate(t *testing.T, e *Engine, title, content string) store.Version {
	t.Helper()
	v, err := e.CreateDocument(context.Background(), CreateInput{Title: title, Content: json.RawMessage(content), AuthorID: "usr_a"})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return v
}

func TestConcreteHistoryScenario(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	v1 := mustCreate(t, e, "T1", `"C1"`)
	if v1.VersionNumber != 1 || v1.Mode != mode.Draft || v1.Kind != store.KindCreate {
		t.Fatalf("unexpected version 1: %+v", v1)
	}
	id := v1.DocumentID

	v2, err := e.Save(ctx, id, SaveInput{Title: "T2", Content: json.RawMessage(`"C2"`), AuthorID: "usr_a"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if v2.VersionNumber != 2 || v2.Mode != mode.Draft || v2.IsModeTransition || v2.PreviousMode != nil {
		t.Fatalf("unexpected version 2: %+v", v2)
	}

	v3, err := e.ChangeMode(ctx, id, ModeInput{Mode: mode.Review, AuthorID: "usr_b"})
	if err != nil {
		t.Fatalf("change to review: %v", err)
	}
	if v3.VersionNumber != 3 || v3.Mode != mode.Review || !v3.IsModeTransition || v3.PreviousMode == nil || *v3.PreviousMode != mode.Draft {
		t.Fatalf("unexpected version 3: %+v", v3)
	}
	if string(v3.Content) != `"C2"` || v3.Title != "T2" {
		t.Fatalf("mode change altered content: %+v", v3)
	}

	v4, err := e.ChangeMode(ctx, id, ModeInput{Mode: mode.Published})
	if err != nil {
		t.Fatalf("change to published: %v", err)
	}
	if v4.VersionNumber != 4 || v4.Mode.Editable() {
		t.Fatalf("unexpected version 4: %+v", v4)
	}

	_, err = e.Save(ctx, id, SaveInput{Title: "T3", Content: json.RawMessage(`"C3"`)})
	var readOnly *ReadOnlyError
	if !errors.As(err, &readOnly) || readOnly.Mode != mode.Published || !errors.Is(err, ErrModeReadOnly) {
		t.Fatalf("expected ReadOnlyError in published, got %v", err)
	}

	v5, err := e.ChangeMode(ctx, id, ModeInput{Mode: mode.Draft})
	if err != nil {
		t.Fatalf("change back to draft: %v", err)
	}
	if v5.VersionNumber != 5 || *v5.PreviousMode != mode.Published {
		t.Fatalf("unexpected version 5: %+v", v5)
	}

	v6, err := e.Restore(ctx, id, RestoreInput{VersionNumber: 2, AuthorID: "usr_a"})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if v6.VersionNumber != 6 || v6.Title != "T2" || string(v6.Content) != `"C2"` || v6.Mode != mode.Draft {
		t.Fatalf("unexpected version 6: %+v", v6)
	}
	if v6.Kind != store.KindRestore || v6.RestoredFrom == nil || *v6.RestoredFrom != 2 || v6.ChangeSummary != "Restored from version 2" {
		t.Fatalf("restore bookkeeping missing: %+v", v6)
	}

	history, err := e.ListVersions(ctx, id)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(history) != 6 {
		t.Fatalf("expected 6 versions, got %d", len(history))
	}
	for i, want := range []int{6, 5, 4, 3, 2, 1} {
		if history[i].VersionNumber != want {
			t.Fatalf("history[%d] = %d, want %d", i, history[i].VersionNumber, want)
		}
	}

	current, err := e.GetCurrent(ctx, id)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if current.ID != v6.ID {
		t.Fatalf("current = %s, want %s", current.ID, v6.ID)
	}
	doc, err := e.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.CurrentVersionNumber != 6 || doc.Title != "T2" || doc.Mode != mode.Draft {
		t.Fatalf("projection out of step with ledger: %+v", doc)
	}
}

func TestReadOnlyModesWriteNothing(t *testing.T) {
	for _, m := range []mode.Mode{mode.Published, mode.ArchivedRead} {
		t.Run(string(m), func(t *testing.T) {
			e, _ := newTestEngine(t)
			ctx := context.Background()
			v1 := mustCreate(t, e, "T", `{}`)
			if _, err := e.ChangeMode(ctx, v1.DocumentID, ModeInput{Mode: m}); err != nil {
				t.Fatalf("change mode: %v", err)
			}

			if _, err := e.Save(ctx, v1.DocumentID, SaveInput{Title: "x"}); !errors.Is(err, ErrModeReadOnly) {
				t.Fatalf("save: expected ErrModeReadOnly, got %v", err)
			}
			if _, err := e.Restore(ctx, v1.DocumentID, RestoreInput{VersionNumber: 1}); !errors.Is(err, ErrModeReadOnly) {
				t.Fatalf("restore: expected ErrModeReadOnly, got %v", err)
			}

			history, err := e.ListVersions(ctx, v1.DocumentID)
			if err != nil {
				t.Fatalf("list versions: %v", err)
			}
			if len(history) != 2 {
				t.Fatalf("rejected writes appended versions: %d", len(history))
			}
		})
	}
}

func TestChangeModeRejectsNoOpAndIllegalEdges(t *testing.T) {
	ledger := store.NewMemoryStore()
	strict, err := mode.ParseGraph("draft:review;review:draft")
	if err != nil {
		t.Fatalf("parse graph: %v", err)
	}
	e := New(ledger, strict)
	ctx := context.Background()
	v1 := mustCreate(t, e, "T", `{}`)

	_, err = e.ChangeMode(ctx, v1.DocumentID, ModeInput{Mode: mode.Draft})
	var terr *TransitionError
	if !errors.As(err, &terr) || !errors.Is(err, ErrNoOpTransition) || terr.From != mode.Draft || terr.To != mode.Draft {
		t.Fatalf("expected no-op TransitionError, got %v", err)
	}

	_, err = e.ChangeMode(ctx, v1.DocumentID, ModeInput{Mode: mode.Published})
	if !errors.As(err, &terr) || !errors.Is(err, ErrIllegalTransition) || terr.To != mode.Published {
		t.Fatalf("expected illegal TransitionError, got %v", err)
	}

	_, err = e.ChangeMode(ctx, v1.DocumentID, ModeInput{Mode: "gamma"})
	if !errors.Is(err, mode.ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}

	history, err := e.ListVersions(ctx, v1.DocumentID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("rejected transitions appended versions: %d", len(history))
	}
}

func TestRestoreNeverRewinds(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	v1 := mustCreate(t, e, "T1", `"C1"`)
	id := v1.DocumentID
	for i := 2; i <= 4; i++ {
		if _, err := e.Save(ctx, id, SaveInput{Title: fmt.Sprintf("T%d", i), Content: json.RawMessage(fmt.Sprintf(`"C%d"`, i))}); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	before, err := e.ListVersions(ctx, id)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}

	restored, err := e.Restore(ctx, id, RestoreInput{VersionNumber: 1, Summary: "back to the start"})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.VersionNumber != 5 || restored.ChangeSummary != "back to the start" {
		t.Fatalf("unexpected restored version %+v", restored)
	}
	if restored.ContentHash != v1.ContentHash {
		t.Fatalf("restored hash %s differs from source %s", restored.ContentHash, v1.ContentHash)
	}

	after, err := e.ListVersions(ctx, id)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("expected %d versions, got %d", len(before)+1, len(after))
	}
	for i, old := range before {
		got := after[i+1]
		if got.ID != old.ID || got.Title != old.Title || string(got.Content) != string(old.Content) || got.ContentHash != old.ContentHash {
			t.Fatalf("version %d changed after restore: %+v vs %+v", old.VersionNumber, got, old)
		}
	}
}

func TestRestoreUnknownVersion(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	v1 := mustCreate(t, e, "T", `{}`)

	for _, n := range []int{0, -1, 2} {
		if _, err := e.Restore(ctx, v1.DocumentID, RestoreInput{VersionNumber: n}); !errors.Is(err, ErrVersionNotFound) {
			t.Fatalf("restore %d: expected ErrVersionNotFound, got %v", n, err)
		}
	}
	if _, err := e.Restore(ctx, "doc_missing", RestoreInput{VersionNumber: 1}); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

// A missing target reports not-found even on a read-only document; an
// existing target on a read-only document reports the mode.
func TestRestoreChecksTargetBeforeMode(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	v1 := mustCreate(t, e, "T", `{}`)
	if _, err := e.ChangeMode(ctx, v1.DocumentID, ModeInput{Mode: mode.Published}); err != nil {
		t.Fatalf("change mode: %v", err)
	}

	for _, n := range []int{0, 3, 99} {
		_, err := e.Restore(ctx, v1.DocumentID, RestoreInput{VersionNumber: n})
		if !errors.Is(err, ErrVersionNotFound) || errors.Is(err, ErrModeReadOnly) {
			t.Fatalf("restore %d on published: expected ErrVersionNotFound only, got %v", n, err)
		}
	}
	_, err := e.Restore(ctx, v1.DocumentID, RestoreInput{VersionNumber: 1})
	var readOnly *ReadOnlyError
	if !errors.As(err, &readOnly) || readOnly.Mode != mode.Published {
		t.Fatalf("restore 1 on published: expected ReadOnlyError, got %v", err)
	}

	history, err := e.ListVersions(ctx, v1.DocumentID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("rejected restores appended versions: %d", len(history))
	}
}

func TestSaveWithoutDedup(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	v1 := mustCreate(t, e, "T", `{"a":1}`)
	in := SaveInput{Title: "T", Content: json.RawMessage(`{"a":1}`)}

	a, err := e.Save(ctx, v1.DocumentID, in)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	b, err := e.Save(ctx, v1.DocumentID, in)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if a.VersionNumber != 2 || b.VersionNumber != 3 || a.ID == b.ID {
		t.Fatalf("identical saves must each append: %+v %+v", a, b)
	}
}

func TestContentNormalization(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	v1, err := e.CreateDocument(ctx, CreateInput{Title: "empty"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if string(v1.Content) != "null" {
		t.Fatalf("empty content stored as %q, want null", v1.Content)
	}

	if _, err := e.Save(ctx, v1.DocumentID, SaveInput{Content: json.RawMessage(`{broken`)}); !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}

	raw := json.RawMessage("{ \"spaced\" :  true }")
	saved, err := e.Save(ctx, v1.DocumentID, SaveInput{Content: raw})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	again, err := e.GetVersion(ctx, v1.DocumentID, saved.VersionNumber)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if string(again.Content) != string(raw) {
		t.Fatalf("content re-encoded: %q", again.Content)
	}
}

func TestGetVersionTaxonomy(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	v1 := mustCreate(t, e, "T", `{}`)

	if _, err := e.GetVersion(ctx, v1.DocumentID, 0); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound for 0, got %v", err)
	}
	if _, err := e.GetVersion(ctx, "doc_missing", 0); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if _, err := e.ListVersionsPage(ctx, v1.DocumentID, store.Page{Limit: -1}); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestConcurrentSavesStayGapless(t *testing.T) {
	ledger := store.NewMemoryStore()
	e := New(ledger, mode.DefaultGraph())
	ctx := context.Background()
	v1 := mustCreate(t, e, "T", `{}`)

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Save(ctx, v1.DocumentID, SaveInput{Title: fmt.Sprintf("w%d", i), Content: json.RawMessage(`{}`)})
			if err != nil && !Retryable(err) {
				t.Errorf("unexpected save error: %v", err)
			}
			if err != nil {
				mu.Lock()
				conflicts++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	history, err := e.ListVersions(ctx, v1.DocumentID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(history) != writers-conflicts+1 {
		t.Fatalf("history has %d versions, want %d", len(history), writers-conflicts+1)
	}
	for i, v := range history {
		if want := len(history) - i; v.VersionNumber != want {
			t.Fatalf("gap in history at %d: got %d", i, v.VersionNumber)
		}
	}
}

type fakeLedger struct {
	*store.MemoryStore
	appendFn func(ctx context.Context, expectedCurrent int, v store.Version) error
}

func (f *fakeLedger) AppendVersion(ctx context.Context, expectedCurrent int, v store.Version) error {
	if f.appendFn != nil {
		return f.appendFn(ctx, expectedCurrent, v)
	}
	return f.MemoryStore.AppendVersion(ctx, expectedCurrent, v)
}

func TestEngineSurfacesConflictWithoutRetrying(t *testing.T) {
	ledger := &fakeLedger{MemoryStore: store.NewMemoryStore()}
	e := New(ledger, mode.DefaultGraph())
	v1 := mustCreate(t, e, "T", `{}`)

	calls := 0
	ledger.appendFn = func(context.Context, int, store.Version) error {
		calls++
		return store.ErrConcurrentModification
	}

	_, err := e.Save(context.Background(), v1.DocumentID, SaveInput{Title: "x"})
	if !errors.Is(err, ErrConcurrentModification) || !Retryable(err) {
		t.Fatalf("expected retryable conflict, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("engine retried: %d append calls", calls)
	}
}
