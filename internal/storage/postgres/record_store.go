// Package postgres flattens finished record trees into Postgres rows.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/refcrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// DefaultTable holds crawl record rows when no table is configured.
const DefaultTable = "crawl_records"

// RecordStoreConfig controls the Postgres connection pool used for record rows.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// RecordStore writes one row per record of a crawl tree.
type RecordStore struct {
	pool  pool
	table string
}

// Row is the flattened form of one record. Path addresses the record by its
// ordinal at every level ("0" for the root, "0.2" for its third child).
type Row struct {
	JobID        string
	Path         string
	ParentPath   *string
	Depth        int
	URL          string
	Title        string
	Byline       *string
	Summary      *string
	ThumbnailURL *string
	Status       string
	Error        *string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, &crawler.ConfigError{Field: "db.dsn", Reason: "dsn is required"}
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &crawler.ConfigError{Field: "db.dsn", Reason: "parse postgres dsn", Err: err}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: p, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool.
func NewRecordStoreWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", &crawler.ConfigError{Field: "db.table", Reason: fmt.Sprintf("invalid table name %q", table)}
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the record table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id        TEXT NOT NULL,
	path          TEXT NOT NULL,
	parent_path   TEXT,
	depth         INTEGER NOT NULL,
	url           TEXT NOT NULL,
	title         TEXT NOT NULL,
	byline        TEXT,
	summary       TEXT,
	thumbnail_url TEXT,
	status        TEXT NOT NULL,
	error         TEXT,
	PRIMARY KEY (job_id, path)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create record table: %w", err)
	}
	return nil
}

// SaveTree replaces every row stored for jobID with the flattened tree, in
// one transaction.
func (s *RecordStore) SaveTree(ctx context.Context, jobID string, root crawler.Record) (err error) {
	if s == nil || s.pool == nil {
		return errors.New("record store is not configured")
	}
	if jobID == "" {
		return errors.New("job id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE job_id = $1`, s.table), jobID); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	path,
	parent_path,
	depth,
	url,
	title,
	byline,
	summary,
	thumbnail_url,
	status,
	error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)
	for _, row := range Flatten(jobID, root) {
		if _, err = tx.Exec(ctx, insert,
			row.JobID,
			row.Path,
			row.ParentPath,
			row.Depth,
			row.URL,
			row.Title,
			row.Byline,
			row.Summary,
			row.ThumbnailURL,
			row.Status,
			row.Error,
		); err != nil {
			return fmt.Errorf("insert record %s: %w", row.Path, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	return nil
}

// Flatten lists the tree in pre-order.
func Flatten(jobID string, root crawler.Record) []Row {
	var rows []Row
	var walk func(rec crawler.Record, path string, parent *string, depth int)
	walk = func(rec crawler.Record, path string, parent *string, depth int) {
		row := Row{
			JobID:        jobID,
			Path:         path,
			ParentPath:   parent,
			Depth:        depth,
			URL:          rec.URL,
			Title:        rec.Title,
			Byline:       rec.Byline,
			Summary:      rec.Summary,
			ThumbnailURL: rec.ThumbnailURL,
			Status:       string(rec.Status),
		}
		if rec.Error != "" {
			errText := rec.Error
			row.Error = &errText
		}
		rows = append(rows, row)
		self := path
		for i, child := range rec.Related {
			walk(child, path+"."+strconv.Itoa(i), &self, depth+1)
		}
	}
	walk(root, "0", nil, 0)
	return rows
}
