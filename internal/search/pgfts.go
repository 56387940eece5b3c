package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a
// fallback when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down the whole API is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over live messages of one company with
// ts_headline snippets. Private rows are restricted to the viewer unless
// the viewer moderates.
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

	where := `
		m.company_id = $2
		AND m.deleted_at IS NULL
		AND to_tsvector('english', m.body || ' ' || m.topic) @@ plainto_tsquery('english', $1)
	`
	args := []any{q.Text, q.CompanyID}
	if !q.Moderator {
		where += ` AND (m.visibility_scope <> 'private' OR m.author_empid = $3 OR m.recipients @> to_jsonb(ARRAY[$3]))`
		args = append(args, q.ViewerEmpid)
	}

	countSQL := `SELECT count(*) FROM messages m WHERE ` + where
	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT m.id,
			ts_headline('english', m.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			m.topic, m.author_empid, COALESCE(m.conversation_id, ''), m.recipients
		FROM messages m
		WHERE %s
		ORDER BY ts_rank(to_tsvector('english', m.body || ' ' || m.topic), plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d
	`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var recipientsRaw []byte
		if err := rows.Scan(&r.ID, &r.Snippet, &r.Topic, &r.AuthorEmpid, &r.ConversationID, &recipientsRaw); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns one company's live messages for reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context, companyID int64) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, company_id, author_empid, body, topic, COALESCE(conversation_id, ''), message_class, visibility_scope, recipients
		FROM messages
		WHERE company_id=$1 AND deleted_at IS NULL
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var record MessageRecord
		var recipientsRaw []byte
		if err := rows.Scan(&record.ID, &record.CompanyID, &record.AuthorEmpid, &record.Body, &record.Topic, &record.ConversationID, &record.MessageClass, &record.VisibilityScope, &recipientsRaw); err != nil {
			return nil, fmt.Errorf("scan message record: %w", err)
		}
		_ = json.Unmarshal(recipientsRaw, &record.Recipients)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message records: %w", err)
	}
	return records, nil
}
