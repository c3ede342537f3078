// Package genlog keeps a history of synthesis runs in SQLite. Each record is
// one generation attempt for one segment, so operators can answer "when was
// this narration built, how big was it, and did it fail" without grepping
// logs.
package genlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one generation outcome. Attempts counts the provider calls the
// outcome took; Error is empty on success.
type Record struct {
	ID         int64
	Slug       string
	SegmentID  string
	Checksum   string
	Bytes      int
	Attempts   int
	DurationMS int64
	Error      string
	CreatedAt  time.Time
}

// Log wraps the SQLite-backed generation ledger. In ephemeral mode every
// operation is a no-op, so callers never need to branch on configuration.
type Log struct {
	db    *sql.DB
	cfg   config.GenLogConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the ledger according to config.
func Open(ctx context.Context, cfg config.GenLogConfig, log *slog.Logger) (*Log, error) {
	if cfg.Mode == "ephemeral" {
		return &Log{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	l := &Log{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := l.vacuum(ctx); err != nil {
			log.Warn("gen log vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := l.Prune(ctx); err != nil {
		log.Warn("gen log prune on start failed", slog.String("error", err.Error()))
	}

	return l, nil
}

func (l *Log) initSchema(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS generations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slug TEXT NOT NULL,
    segment_id TEXT NOT NULL,
    checksum TEXT NOT NULL,
    bytes INTEGER NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 1,
    duration_ms INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_slug_created ON generations(slug, created_at);
`
	_, err := l.db.ExecContext(ctx, ddl)
	return err
}

func (l *Log) vacuum(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append writes one generation record.
func (l *Log) Append(ctx context.Context, rec Record) error {
	if l.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.clock().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO generations(slug, segment_id, checksum, bytes, attempts, duration_ms, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Slug, rec.SegmentID, rec.Checksum, rec.Bytes, rec.Attempts, rec.DurationMS, rec.Error, rec.CreatedAt)
	return err
}

// BySlug retrieves up to limit records for a document, newest first.
func (l *Log) BySlug(ctx context.Context, slug string, limit int) ([]Record, error) {
	if l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, slug, segment_id, checksum, bytes, attempts, duration_ms, error, created_at
		 FROM generations WHERE slug = ? ORDER BY created_at DESC, id DESC LIMIT ?`, slug, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.Slug, &r.SegmentID, &r.Checksum, &r.Bytes, &r.Attempts, &r.DurationMS, &r.Error, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count reports the number of retained records.
func (l *Log) Count(ctx context.Context) (int64, error) {
	if l.db == nil {
		return 0, nil
	}
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations`).Scan(&n)
	return n, err
}

// Prune applies configured retention (called on startup and can be scheduled).
func (l *Log) Prune(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if l.cfg.RetentionDays > 0 {
		cutoff := l.clock().Add(-time.Duration(l.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM generations WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if l.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM generations WHERE id IN (
			SELECT id FROM generations ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, l.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
