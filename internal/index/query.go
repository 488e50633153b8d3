package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/starford/gitadr/internal/models"
)

// QueryOptions filters a listing. Set fields combine with AND.
type QueryOptions struct {
	Status           models.Status
	Tag              string
	Since            time.Time
	Until            time.Time
	HasLinkedCommits *bool
	Reverse          bool
	Limit            int
	Offset           int
}

// QueryResult is one page of a filtered listing.
type QueryResult struct {
	Entries       []Entry `json:"entries"`
	TotalCount    int     `json:"total_count"`
	FilteredCount int     `json:"filtered_count"`
}

// Query lists entries matching opts ordered by (date, id). Date bounds are
// inclusive; tag matching ignores case. A non-positive Limit means no limit.
func (c *Cache) Query(ctx context.Context, opts QueryOptions) (QueryResult, error) {
	snap, release, err := c.acquire(ctx)
	if err != nil {
		return QueryResult{}, err
	}
	defer release()

	var res QueryResult
	if err := snap.conn.QueryRowContext(ctx, `SELECT count(*) FROM adrs`).Scan(&res.TotalCount); err != nil {
		return res, fmt.Errorf("index: count: %w", err)
	}

	where, args := queryPredicates(opts)
	if err := snap.conn.QueryRowContext(ctx, `SELECT count(*) FROM adrs`+where, args...).Scan(&res.FilteredCount); err != nil {
		return res, fmt.Errorf("index: filtered count: %w", err)
	}

	order := " ORDER BY date ASC, id ASC"
	if opts.Reverse {
		order = " ORDER BY date DESC, id DESC"
	}
	page := ""
	pageArgs := append([]any{}, args...)
	switch {
	case opts.Limit > 0:
		page = " LIMIT ? OFFSET ?"
		pageArgs = append(pageArgs, opts.Limit, max(opts.Offset, 0))
	case opts.Offset > 0:
		page = " LIMIT -1 OFFSET ?"
		pageArgs = append(pageArgs, opts.Offset)
	}

	rows, err := snap.conn.QueryContext(ctx, `SELECT id FROM adrs`+where+order+page, pageArgs...)
	if err != nil {
		return res, fmt.Errorf("index: query: %w", err)
	}
	defer rows.Close()

	res.Entries = []Entry{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return res, fmt.Errorf("index: scan: %w", err)
		}
		if a, ok := snap.adrs[id]; ok {
			res.Entries = append(res.Entries, entryOf(a))
		}
	}
	return res, rows.Err()
}

func queryPredicates(opts QueryOptions) (string, []any) {
	var clauses []string
	var args []any
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM adr_tags t WHERE t.adr_id = adrs.id AND t.tag_lc = ?)")
		args = append(args, strings.ToLower(opts.Tag))
	}
	if !opts.Since.IsZero() {
		clauses = append(clauses, "date <> '' AND date >= ?")
		args = append(args, opts.Since.Format(models.DateLayout))
	}
	if !opts.Until.IsZero() {
		clauses = append(clauses, "date <> '' AND date <= ?")
		args = append(args, opts.Until.Format(models.DateLayout))
	}
	if opts.HasLinkedCommits != nil {
		if *opts.HasLinkedCommits {
			clauses = append(clauses, "commit_count > 0")
		} else {
			clauses = append(clauses, "commit_count = 0")
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Stats summarizes the corpus.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByTag    map[string]int `json:"by_tag"`
	Linked   int            `json:"with_linked_commits"`
}

// Stats counts ADRs by status and by (lowercased) tag.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	snap, release, err := c.acquire(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer release()

	st := Stats{ByStatus: map[string]int{}, ByTag: map[string]int{}}
	if err := snap.conn.QueryRowContext(ctx,
		`SELECT count(*), coalesce(sum(commit_count > 0), 0) FROM adrs`).Scan(&st.Total, &st.Linked); err != nil {
		return st, fmt.Errorf("index: stats: %w", err)
	}

	if err := countInto(ctx, snap, st.ByStatus, `SELECT status, count(*) FROM adrs GROUP BY status`); err != nil {
		return st, err
	}
	if err := countInto(ctx, snap, st.ByTag, `SELECT tag_lc, count(DISTINCT adr_id) FROM adr_tags GROUP BY tag_lc`); err != nil {
		return st, err
	}
	return st, nil
}

func countInto(ctx context.Context, snap *snapshot, dst map[string]int, query string) error {
	rows, err := snap.conn.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("index: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("index: stats scan: %w", err)
		}
		dst[key] = n
	}
	return rows.Err()
}

// Entry returns the metadata for id from the snapshot.
func (c *Cache) Entry(ctx context.Context, id string) (Entry, bool, error) {
	snap, release, err := c.acquire(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	defer release()
	a, ok := snap.adrs[id]
	if !ok {
		return Entry{}, false, nil
	}
	return entryOf(a), true, nil
}

// All returns copies of every indexed ADR ordered by id.
func (c *Cache) All(ctx context.Context) ([]*models.ADR, error) {
	snap, release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := snap.conn.QueryContext(ctx, `SELECT id FROM adrs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("index: all: %w", err)
	}
	defer rows.Close()
	out := make([]*models.ADR, 0, len(snap.adrs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("index: scan: %w", err)
		}
		out = append(out, snap.adrs[id].Clone())
	}
	return out, rows.Err()
}
