package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"workshelf/api/internal/mode"
)

const (
	sqlStateUniqueViolation = "23505"

	constraintVersionNumber = "versions_document_number_key"
	constraintDocumentPK    = "documents_pkey"
)

const versionColumns = `
	v.id, v.document_id, v.version_number, v.title, v.content, v.mode, v.previous_mode,
	v.is_mode_transition, v.kind, v.restored_from, v.change_summary, v.content_hash,
	v.author_id, v.created_at
`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateDocument inserts the document row and its first version in one
// transaction. The deferred pointer constraint is checked at commit.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document, first Version) error {
	if first.VersionNumber != 1 || doc.CurrentVersionNumber != 1 {
		return fmt.Errorf("create document %s: %w", doc.ID, ErrVersionOutOfSequence)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create document tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, mode, current_version_number, author_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, doc.ID, doc.Title, []byte(doc.Content), string(doc.Mode), doc.CurrentVersionNumber, doc.AuthorID, first.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, constraintDocumentPK) {
			return fmt.Errorf("create document %s: %w", doc.ID, ErrDocumentExists)
		}
		return fmt.Errorf("insert document: %w", err)
	}

	if err := insertVersion(ctx, tx, first); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create document: %w", err)
	}
	return nil
}

// AppendVersion advances the document pointer from expectedCurrent to
// v.VersionNumber and inserts v, atomically. A stale expectedCurrent or a
// collision on (document_id, version_number) yields ErrConcurrentModification.
func (s *PostgresStore) AppendVersion(ctx context.Context, expectedCurrent int, v Version) error {
	if v.VersionNumber != expectedCurrent+1 {
		return fmt.Errorf("append version %d after %d: %w", v.VersionNumber, expectedCurrent, ErrVersionOutOfSequence)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET title=$3, content=$4, mode=$5, current_version_number=$6, updated_at=$7
		WHERE id=$1 AND current_version_number=$2
	`, v.DocumentID, expectedCurrent, v.Title, []byte(v.Content), string(v.Mode), v.VersionNumber, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("advance document pointer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance document pointer: %w", err)
	}
	if affected == 0 {
		exists, err := documentExists(ctx, tx, v.DocumentID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("append version to %s: %w", v.DocumentID, ErrDocumentNotFound)
		}
		return fmt.Errorf("append version %d to %s: %w", v.VersionNumber, v.DocumentID, ErrConcurrentModification)
	}

	if err := insertVersion(ctx, tx, v); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err, constraintVersionNumber) {
			return fmt.Errorf("append version %d to %s: %w", v.VersionNumber, v.DocumentID, ErrConcurrentModification)
		}
		return fmt.Errorf("commit append version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	var content []byte
	var current string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, mode, current_version_number, author_id, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &content, &current, &item.CurrentVersionNumber, &item.AuthorID, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("get document %s: %w", documentID, ErrDocumentNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	item.Content = content
	item.Mode = mode.Mode(current)
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, mode, current_version_number, author_id, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		var content []byte
		var current string
		if err := rows.Scan(&item.ID, &item.Title, &content, &current, &item.CurrentVersionNumber, &item.AuthorID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		item.Content = content
		item.Mode = mode.Mode(current)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// GetCurrentVersion resolves the pointer and the version row in a single
// statement so the pair is read from one snapshot.
func (s *PostgresStore) GetCurrentVersion(ctx context.Context, documentID string) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM documents d
		JOIN versions v ON v.document_id = d.id AND v.version_number = d.current_version_number
		WHERE d.id=$1
	`, documentID)
	item, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, fmt.Errorf("get current version of %s: %w", documentID, ErrDocumentNotFound)
	}
	if err != nil {
		return Version{}, fmt.Errorf("get current version: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, documentID string, versionNumber int) (Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions v
		WHERE v.document_id=$1 AND v.version_number=$2
	`, documentID, versionNumber)
	item, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		exists, existsErr := documentExists(ctx, s.db, documentID)
		if existsErr != nil {
			return Version{}, existsErr
		}
		if !exists {
			return Version{}, fmt.Errorf("get version of %s: %w", documentID, ErrDocumentNotFound)
		}
		return Version{}, fmt.Errorf("get version %d of %s: %w", versionNumber, documentID, ErrVersionNotFound)
	}
	if err != nil {
		return Version{}, fmt.Errorf("get version: %w", err)
	}
	return item, nil
}

// ListVersions returns versions most-recent-first.
func (s *PostgresStore) ListVersions(ctx context.Context, documentID string, page Page) ([]Version, error) {
	limit := any(nil)
	if page.Limit > 0 {
		limit = page.Limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM versions v
		WHERE v.document_id=$1 AND ($2 = 0 OR v.version_number < $2)
		ORDER BY v.version_number DESC
		LIMIT $3
	`, documentID, page.Before, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}

	if len(items) == 0 {
		exists, err := documentExists(ctx, s.db, documentID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("list versions of %s: %w", documentID, ErrDocumentNotFound)
		}
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertVersion(ctx context.Context, tx execer, v Version) error {
	var previous any
	if v.PreviousMode != nil {
		previous = string(*v.PreviousMode)
	}
	var restoredFrom any
	if v.RestoredFrom != nil {
		restoredFrom = *v.RestoredFrom
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO versions (
			id, document_id, version_number, title, content, mode, previous_mode,
			is_mode_transition, kind, restored_from, change_summary, content_hash,
			author_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		v.ID,
		v.DocumentID,
		v.VersionNumber,
		v.Title,
		[]byte(v.Content),
		string(v.Mode),
		previous,
		v.IsModeTransition,
		string(v.Kind),
		restoredFrom,
		nilIfEmpty(v.ChangeSummary),
		v.ContentHash,
		v.AuthorID,
		v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, constraintVersionNumber) {
			return fmt.Errorf("insert version %d of %s: %w", v.VersionNumber, v.DocumentID, ErrConcurrentModification)
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func scanVersion(row rowScanner) (Version, error) {
	var item Version
	var content []byte
	var current string
	var previous sql.NullString
	var kind string
	var restoredFrom sql.NullInt64
	var summary sql.NullString
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.VersionNumber,
		&item.Title,
		&content,
		&current,
		&previous,
		&item.IsModeTransition,
		&kind,
		&restoredFrom,
		&summary,
		&item.ContentHash,
		&item.AuthorID,
		&item.CreatedAt,
	); err != nil {
		return Version{}, err
	}
	item.Content = content
	item.Mode = mode.Mode(current)
	item.Kind = VersionKind(kind)
	if previous.Valid {
		prev := mode.Mode(previous.String)
		item.PreviousMode = &prev
	}
	if restoredFrom.Valid {
		from := int(restoredFrom.Int64)
		item.RestoredFrom = &from
	}
	item.ChangeSummary = summary.String
	return item, nil
}

func documentExists(ctx context.Context, q queryRower, documentID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check document %s: %w", documentID, err)
	}
	return exists, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != sqlStateUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
