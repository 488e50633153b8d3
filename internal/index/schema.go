// Package index serves filtered queries and ranked search over the stored
// ADR corpus from an in-memory snapshot.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/gitadr/internal/models"
)

const schemaSQL = `
CREATE TABLE adrs (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL DEFAULT '',
	date           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	supersedes     TEXT NOT NULL DEFAULT '',
	superseded_by  TEXT NOT NULL DEFAULT '',
	format         TEXT NOT NULL DEFAULT '',
	commit_count   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE adr_tags (
	adr_id TEXT NOT NULL REFERENCES adrs(id) ON DELETE CASCADE,
	pos    INTEGER NOT NULL,
	tag    TEXT NOT NULL,
	tag_lc TEXT NOT NULL,
	PRIMARY KEY (adr_id, pos)
);

CREATE INDEX idx_adrs_status ON adrs(status);
CREATE INDEX idx_adrs_date ON adrs(date, id);
CREATE INDEX idx_adr_tags_lc ON adr_tags(tag_lc);
`

// snapshot is one loaded generation of the index. The metadata projection
// lives in SQLite; full records are kept for search and entry hydration.
type snapshot struct {
	conn *sql.DB
	adrs map[string]*models.ADR
}

// openSnapshot creates a private in-memory database and loads adrs into it.
func openSnapshot(ctx context.Context, adrs []*models.ADR) (*snapshot, error) {
	conn, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	// Every connection to :memory: is a separate database.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}
	s := &snapshot{conn: conn, adrs: make(map[string]*models.ADR, len(adrs))}
	if err := s.upsert(ctx, adrs...); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *snapshot) close() error {
	return s.conn.Close()
}

// upsert replaces the rows for each ADR within one transaction.
func (s *snapshot) upsert(ctx context.Context, adrs ...*models.ADR) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	insADR, err := tx.PrepareContext(ctx, `
		INSERT INTO adrs (id, title, date, status, supersedes, superseded_by, format, commit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title         = excluded.title,
			date          = excluded.date,
			status        = excluded.status,
			supersedes    = excluded.supersedes,
			superseded_by = excluded.superseded_by,
			format        = excluded.format,
			commit_count  = excluded.commit_count
	`)
	if err != nil {
		return fmt.Errorf("index: prepare adr insert: %w", err)
	}
	defer insADR.Close()

	insTag, err := tx.PrepareContext(ctx, `INSERT INTO adr_tags (adr_id, pos, tag, tag_lc) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: prepare tag insert: %w", err)
	}
	defer insTag.Close()

	for _, a := range adrs {
		date := ""
		if !a.Date.IsZero() {
			date = a.Date.Format(models.DateLayout)
		}
		if _, err := insADR.ExecContext(ctx, a.ID, a.Title, date, string(a.Status),
			a.Supersedes, a.SupersededBy, a.Format, len(a.LinkedCommits)); err != nil {
			return fmt.Errorf("index: insert %s: %w", a.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM adr_tags WHERE adr_id = ?`, a.ID); err != nil {
			return fmt.Errorf("index: clear tags %s: %w", a.ID, err)
		}
		for i, tag := range a.Tags {
			if _, err := insTag.ExecContext(ctx, a.ID, i, tag, strings.ToLower(tag)); err != nil {
				return fmt.Errorf("index: insert tag %s: %w", a.ID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	for _, a := range adrs {
		s.adrs[a.ID] = a.Clone()
	}
	return nil
}

func (s *snapshot) delete(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM adr_tags WHERE adr_id = ?`, id); err != nil {
		return fmt.Errorf("index: delete tags %s: %w", id, err)
	}
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM adrs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index: delete %s: %w", id, err)
	}
	delete(s.adrs, id)
	return nil
}
