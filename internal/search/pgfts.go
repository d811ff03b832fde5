package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches the documents table directly, so no index writes are
// needed. The title comes from the generated fts column; the change summary
// and the text nodes of the current version's content are vectorised at query
// time because the content column is bytea and cannot feed a generated column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgftsFrom = `
	FROM documents d
	JOIN versions v ON v.document_id = d.id AND v.version_number = d.current_version_number
	CROSS JOIN LATERAL (
		SELECT coalesce(string_agg(t, ' '), '') AS body
		FROM jsonb_array_elements_text(jsonb_path_query_array(
			convert_from(v.content, 'UTF8')::jsonb,
			'strict $.** ? (@.type == "text").text', '{}', true)) AS t
	) b
	CROSS JOIN LATERAL (
		SELECT setweight(d.fts, 'A')
			|| setweight(to_tsvector('english', coalesce(v.change_summary, '')), 'B')
			|| setweight(to_tsvector('english', b.body), 'C') AS doc
	) s`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	where := `s.doc @@ plainto_tsquery('english', $1) AND d.mode IN ('published', 'archived-read')`
	args := []any{q.Text}
	if q.Mode != "" {
		where += " AND d.mode = $2"
		args = append(args, q.Mode)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*)`+pgftsFrom+` WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.id, d.title,
			ts_headline('english', concat_ws(' ', d.title, v.change_summary, b.body),
				plainto_tsquery('english', $1), 'StartSel=<mark>,StopSel=</mark>') AS snippet,
			d.mode, d.current_version_number
		%s
		WHERE %s
		ORDER BY ts_rank(s.doc, plainto_tsquery('english', $1)) DESC, d.updated_at DESC
		LIMIT %d OFFSET %d`, pgftsFrom, where, q.Limit, q.Offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocumentID, &r.Title, &r.Snippet, &r.Mode, &r.VersionNumber); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
