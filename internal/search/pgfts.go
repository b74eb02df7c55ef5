package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across prospects and properties using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Prospects sub-query
	if q.FilterType == "" || q.FilterType == ResultProspect {
		prospectWhere := "p.fts @@ " + tsQuery
		if q.FilterBrokerID != "" {
			prospectWhere += fmt.Sprintf(" AND p.broker_id = $%d", argN)
			args = append(args, q.FilterBrokerID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'prospect'::text AS type, p.id, p.name AS title,
				ts_headline('english', coalesce(p.notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.broker_id, ''::text AS owner_id, p.status,
				ts_rank(p.fts, %s) AS rank
			FROM prospects p
			WHERE %s`, tsQuery, tsQuery, prospectWhere))
	}

	// Properties sub-query
	if q.FilterType == "" || q.FilterType == ResultProperty {
		propertyWhere := "pr.fts @@ " + tsQuery
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'property'::text AS type, pr.id, pr.title,
				ts_headline('english', coalesce(pr.address, '') || ' ' || coalesce(pr.city, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS broker_id, pr.owner_id, pr.status,
				ts_rank(pr.fts, %s) AS rank
			FROM properties pr
			WHERE %s`, tsQuery, tsQuery, propertyWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, broker_id, owner_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.BrokerID, &r.OwnerID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProspectRecord, []PropertyRecord, error) {
	prospectRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, email, notes, broker_id, status
		FROM prospects
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load prospects: %w", err)
	}
	defer prospectRows.Close()

	prospects := make([]ProspectRecord, 0)
	for prospectRows.Next() {
		var pr ProspectRecord
		if err := prospectRows.Scan(&pr.ID, &pr.Name, &pr.Email, &pr.Notes, &pr.BrokerID, &pr.Status); err != nil {
			return nil, nil, fmt.Errorf("scan prospect: %w", err)
		}
		prospects = append(prospects, pr)
	}
	if err := prospectRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate prospects: %w", err)
	}

	propertyRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, address, city, owner_id, status
		FROM properties
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load properties: %w", err)
	}
	defer propertyRows.Close()

	properties := make([]PropertyRecord, 0)
	for propertyRows.Next() {
		var pr PropertyRecord
		if err := propertyRows.Scan(&pr.ID, &pr.Title, &pr.Address, &pr.City, &pr.OwnerID, &pr.Status); err != nil {
			return nil, nil, fmt.Errorf("scan property: %w", err)
		}
		properties = append(properties, pr)
	}
	if err := propertyRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate properties: %w", err)
	}

	return prospects, properties, nil
}
