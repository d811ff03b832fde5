package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"workshelf/api/internal/mode"
	"workshelf/api/internal/search"
)

var (
	pgOnce    sync.Once
	pgDSN     string
	pgInitErr error
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

// testDatabase returns a migrated database. WORKSHELF_TEST_DATABASE_URL points
// at an existing server; otherwise one postgres container is shared by the
// whole run.
func testDatabase(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres tests skipped in -short mode")
	}

	pgOnce.Do(func() {
		pgDSN = strings.TrimSpace(os.Getenv("WORKSHELF_TEST_DATABASE_URL"))
		if pgDSN == "" {
			pgDSN, pgInitErr = startPostgresContainer()
		}
		if pgInitErr != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		db, err := Open(ctx, pgDSN, PoolOptions{})
		if err != nil {
			pgInitErr = err
			return
		}
		defer db.Close()
		if err := resetPublicSchema(ctx, db); err != nil {
			pgInitErr = fmt.Errorf("reset schema: %w", err)
			return
		}
		if _, err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
			pgInitErr = err
		}
	})
	if pgInitErr != nil {
		t.Skipf("postgres unavailable: %v", pgInitErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := Open(ctx, pgDSN, PoolOptions{MaxOpenConns: 16})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startPostgresContainer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "workshelf",
				"POSTGRES_PASSWORD": "workshelf",
				"POSTGRES_DB":       "workshelf_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("mapped port: %w", err)
	}
	return fmt.Sprintf("postgres://workshelf:workshelf@%s:%s/workshelf_test?sslmode=disable", host, port.Port()), nil
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func TestPostgresStoreLedgerContract(t *testing.T) {
	db := testDatabase(t)
	runLedgerContract(t, func(t *testing.T) ledger {
		return NewPostgresStore(db)
	})
}

func TestPostgresVersionsRejectUpdateAndDelete(t *testing.T) {
	db := testDatabase(t)
	s := NewPostgresStore(db)
	doc, _ := seedDocument(t, s)
	ctx := context.Background()

	assertImmutable := func(err error) {
		t.Helper()
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "55000" {
			t.Fatalf("expected immutability violation SQLSTATE 55000, got %v", err)
		}
	}

	_, err := db.ExecContext(ctx, `UPDATE versions SET title='rewritten' WHERE document_id=$1`, doc.ID)
	assertImmutable(err)

	_, err = db.ExecContext(ctx, `DELETE FROM versions WHERE document_id=$1`, doc.ID)
	assertImmutable(err)

	v, err := s.GetVersion(ctx, doc.ID, 1)
	if err != nil {
		t.Fatalf("get version after rejected writes: %v", err)
	}
	if v.Title != doc.Title {
		t.Fatalf("version title changed to %q", v.Title)
	}
}

func TestPostgresContentRoundTripsByteForByte(t *testing.T) {
	db := testDatabase(t)
	s := NewPostgresStore(db)
	doc, first := seedDocument(t, s)

	odd := nextVersion(first, "spacing")
	odd.Content = []byte("{ \"b\" : 1,\n  \"a\":[ 2 ,3 ] }")
	if err := s.AppendVersion(context.Background(), 1, odd); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetCurrentVersion(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if string(got.Content) != string(odd.Content) {
		t.Fatalf("content not preserved: %q", got.Content)
	}
	if !got.CreatedAt.Equal(odd.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, odd.CreatedAt)
	}
}

func TestPostgresMigrationsRoundTrip(t *testing.T) {
	db := testDatabase(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := applyDownMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("reapply up migrations: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("expected migrations to be reapplied")
	}

	again, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("idempotent apply: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no pending migrations, got %v", again)
	}
}

func applyDownMigrations(ctx context.Context, db *sql.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	var downs []string
	for _, entry := range entries {
		if !entry.IsDir() && pattern.MatchString(entry.Name()) {
			downs = append(downs, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))

	for _, path := range downs {
		sqlBytes, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if text := strings.TrimSpace(string(sqlBytes)); text != "" {
			if _, err := db.ExecContext(ctx, text); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
		}
	}
	return nil
}

func TestPgFTSMatchesSummaryAndBodyOfCurrentVersion(t *testing.T) {
	db := testDatabase(t)
	s := NewPostgresStore(db)
	ctx := context.Background()
	doc, first := seedDocument(t, s)

	draft := mode.Draft
	published := nextVersion(first, doc.Title)
	published.Content = json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"zeppelins drift over the harbour"}]}]}`)
	published.Mode = mode.Published
	published.PreviousMode = &draft
	published.IsModeTransition = true
	published.Kind = KindModeChange
	published.ChangeSummary = "glacier audit sign-off"
	if err := s.AppendVersion(ctx, 1, published); err != nil {
		t.Fatalf("append: %v", err)
	}

	fts := search.NewPgFTS(db)
	for _, text := range []string{"zeppelin", "glacier", "policy"} {
		results, total, err := fts.Search(ctx, search.Query{Text: text})
		if err != nil {
			t.Fatalf("Search(%q) error = %v", text, err)
		}
		found := false
		for _, r := range results {
			if r.DocumentID == doc.ID {
				found = r.VersionNumber == 2
			}
		}
		if !found || total < 1 {
			t.Fatalf("Search(%q) = %+v (total %d), want %s at version 2", text, results, total, doc.ID)
		}
	}

	results, _, err := fts.Search(ctx, search.Query{Text: "paragraph"})
	if err != nil {
		t.Fatalf("Search(paragraph) error = %v", err)
	}
	for _, r := range results {
		if r.DocumentID == doc.ID {
			t.Fatalf("node type names must not be searchable: %+v", r)
		}
	}
}
