package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Index is the SQLite-backed full-text index for a single project. One
// connection serves all calls; rebuilds and searches never overlap.
type Index struct {
	projectRoot string
	dbPath      string
	log         *zap.Logger
}

// Options configures an Index.
type Options struct {
	ProjectRoot string
	DBPath      string
	Logger      *zap.Logger
}

func (o *Options) applyDefaults() error {
	if o.ProjectRoot == "" {
		return fmt.Errorf("index: ProjectRoot is required")
	}
	if o.DBPath == "" {
		return fmt.Errorf("index: DBPath is required")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return nil
}

// New returns an Index for the given project. The database file is created
// lazily on the first Rebuild or Ensure.
func New(opts Options) (*Index, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	return &Index{projectRoot: opts.ProjectRoot, dbPath: opts.DBPath, log: opts.Logger}, nil
}

const ftsDDL = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks USING fts5(
	source_id UNINDEXED,
	source_path UNINDEXED,
	doc_type UNINDEXED,
	chapter_id UNINDEXED,
	fingerprint UNINDEXED,
	text
);`

func (ix *Index) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ix.dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Rebuild drops and repopulates the index from the current project files.
func (ix *Index) Rebuild(ctx context.Context) error {
	chunks, err := IterChunks(ix.projectRoot)
	if err != nil {
		return fmt.Errorf("index: iterate chunks: %w", err)
	}
	db, err := ix.open()
	if err != nil {
		return fmt.Errorf("index: open db: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS chunks`); err != nil {
		return fmt.Errorf("index: drop: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ftsDDL); err != nil {
		return fmt.Errorf("index: create fts table: %w", err)
	}
	for _, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunks(source_id, source_path, doc_type, chapter_id, fingerprint, text) VALUES(?,?,?,?,?,?)`,
			c.SourceID, c.SourcePath, c.DocType, c.ChapterID, c.Fingerprint, c.Text)
		if err != nil {
			return fmt.Errorf("index: insert %s: %w", c.SourceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	ix.log.Debug("index rebuilt", zap.Int("chunks", len(chunks)))
	return nil
}

// Ensure rebuilds the index only when the database file does not exist yet.
func (ix *Index) Ensure(ctx context.Context) error {
	if _, err := os.Stat(ix.dbPath); err == nil {
		return nil
	}
	return ix.Rebuild(ctx)
}

// SearchOptions narrows a query. Zero values mean no filter.
type SearchOptions struct {
	TopK       int
	DocTypes   []string
	ChapterMin int
	ChapterMax int
}

const defaultTopK = 8

// Search runs a sanitized full-text query and returns up to TopK hits ranked
// by bm25. A query that sanitizes to nothing returns no hits. Any full-text
// failure degrades to a linear substring scan over the live project files
// rather than failing the caller.
func (ix *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]Hit, error) {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	sanitized := Sanitize(query)
	if sanitized == "" {
		return nil, nil
	}
	if err := ix.Ensure(ctx); err != nil {
		ix.log.Warn("index ensure failed, falling back to scan", zap.Error(err))
		return ix.scanFallback(sanitized, opts)
	}
	hits, err := ix.searchFTS(ctx, sanitized, opts)
	if err != nil {
		ix.log.Warn("full-text search failed, falling back to scan", zap.Error(err))
		return ix.scanFallback(sanitized, opts)
	}
	return hits, nil
}

func (ix *Index) searchFTS(ctx context.Context, sanitized string, opts SearchOptions) ([]Hit, error) {
	db, err := ix.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	// Tokens are OR-ed so a long prompt still matches partial overlaps, and
	// quoted so the sanitized text never reaches the match grammar raw.
	tokens := strings.Fields(sanitized)
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	match := strings.Join(quoted, " OR ")

	q := `SELECT source_id, source_path, doc_type, chapter_id, text, bm25(chunks) AS rank
		FROM chunks WHERE chunks MATCH ?`
	args := []any{match}
	if len(opts.DocTypes) > 0 {
		q += ` AND doc_type IN (?` + strings.Repeat(",?", len(opts.DocTypes)-1) + `)`
		for _, dt := range opts.DocTypes {
			args = append(args, dt)
		}
	}
	if opts.ChapterMin > 0 {
		q += ` AND chapter_id >= ?`
		args = append(args, opts.ChapterMin)
	}
	if opts.ChapterMax > 0 {
		q += ` AND chapter_id <= ?`
		args = append(args, opts.ChapterMax)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, opts.TopK)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var text string
		var rank float64
		if err := rows.Scan(&h.SourceID, &h.SourcePath, &h.DocType, &h.ChapterID, &text, &rank); err != nil {
			return nil, err
		}
		// bm25() reports lower-is-better; negate so larger scores win.
		h.Score = -rank
		h.Excerpt = excerpt(text)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// scanFallback is the degraded path: a case-insensitive substring scan over
// the live project files. Every match scores 1.0.
func (ix *Index) scanFallback(sanitized string, opts SearchOptions) ([]Hit, error) {
	chunks, err := IterChunks(ix.projectRoot)
	if err != nil {
		return nil, fmt.Errorf("index: fallback scan: %w", err)
	}
	tokens := strings.Fields(strings.ToLower(sanitized))
	allow := map[string]bool{}
	for _, dt := range opts.DocTypes {
		allow[dt] = true
	}

	var hits []Hit
	for _, c := range chunks {
		if len(allow) > 0 && !allow[c.DocType] {
			continue
		}
		if opts.ChapterMin > 0 && c.ChapterID < opts.ChapterMin {
			continue
		}
		if opts.ChapterMax > 0 && c.ChapterID > opts.ChapterMax {
			continue
		}
		lower := strings.ToLower(c.Text)
		matched := false
		for _, t := range tokens {
			if strings.Contains(lower, t) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		hits = append(hits, Hit{
			SourceID:   c.SourceID,
			SourcePath: c.SourcePath,
			DocType:    c.DocType,
			ChapterID:  c.ChapterID,
			Score:      1.0,
			Excerpt:    excerpt(c.Text),
		})
		if len(hits) >= opts.TopK {
			break
		}
	}
	return hits, nil
}
