package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PG is the Postgres fallback searcher, used when Meilisearch is down or
// not configured. ILIKE over titles and slugs keeps search functional at
// reduced quality.
type PG struct {
	db *sql.DB
}

func NewPG(db *sql.DB) *PG {
	return &PG{db: db}
}

// Healthy always reports true; the fallback shares the primary database
// and its availability is covered by the readiness probe.
func (p *PG) Healthy() bool { return true }

func (p *PG) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(q.Text) + "%"

	var results []Result
	total := 0

	// COUNT(*) OVER() carries the pre-LIMIT hit count on every row, so the
	// total matches what the Meilisearch path reports as EstimatedTotalHits.
	if q.FilterType == "" || q.FilterType == ResultContent {
		rows, err := p.db.Query(`
			SELECT id, organization_id, title, slug, COUNT(*) OVER() AS full_count
			FROM contents
			WHERE organization_id = $1 AND (title ILIKE $2 OR slug ILIKE $2)
			ORDER BY updated_at DESC
			LIMIT $3 OFFSET $4`,
			q.OrganizationID, pattern, limit, q.Offset)
		if err != nil {
			return nil, 0, fmt.Errorf("search contents: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r := Result{Type: ResultContent}
			var count int
			if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Title, &r.Slug, &count); err != nil {
				return nil, 0, fmt.Errorf("scan content hit: %w", err)
			}
			r.Snippet = r.Slug
			results = append(results, r)
			total = count
		}
		if err := rows.Err(); err != nil {
			return nil, 0, fmt.Errorf("iterate content hits: %w", err)
		}
	}

	if q.FilterType == "" || q.FilterType == ResultSource {
		rows, err := p.db.Query(`
			SELECT id, organization_id, title, LEFT(source_text, 200), COUNT(*) OVER() AS full_count
			FROM source_contents
			WHERE organization_id = $1 AND (title ILIKE $2 OR external_id ILIKE $2)
			ORDER BY created_at DESC
			LIMIT $3 OFFSET $4`,
			q.OrganizationID, pattern, limit, q.Offset)
		if err != nil {
			return nil, 0, fmt.Errorf("search sources: %w", err)
		}
		defer rows.Close()
		sourceTotal := 0
		for rows.Next() {
			r := Result{Type: ResultSource}
			if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Title, &r.Snippet, &sourceTotal); err != nil {
				return nil, 0, fmt.Errorf("scan source hit: %w", err)
			}
			results = append(results, r)
		}
		if err := rows.Err(); err != nil {
			return nil, 0, fmt.Errorf("iterate source hits: %w", err)
		}
		total += sourceTotal
	}

	return results, total, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
