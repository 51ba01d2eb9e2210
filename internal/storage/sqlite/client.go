package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

// Client is the Record Store. Every method runs inside the transaction carried
// by ctx when there is one.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func NewClient(dbPath string) (*Client, error) {
	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_busy_timeout=5000&_txlock=immediate&_foreign_keys=on&_journal_mode=WAL"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

// WithClock overrides the time source used for timestamps and lock expiry.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return c.db
}

// WithTransaction runs fn in a single transaction. Nested calls join the outer one.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warn("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		stage_status TEXT NOT NULL DEFAULT '{}',
		generation INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

	CREATE TABLE IF NOT EXISTS stage_locks (
		document_id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		owner TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);

	CREATE TABLE IF NOT EXISTS extracted_texts (
		document_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		text TEXT NOT NULL,
		page_count INTEGER NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (document_id, generation),
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		start_pos INTEGER NOT NULL,
		end_pos INTEGER NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (document_id, generation, ordinal),
		CHECK (end_pos > start_pos),
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);

	CREATE TABLE IF NOT EXISTS canonical_entities (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		mention_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);
	CREATE INDEX IF NOT EXISTS idx_canonical_doc ON canonical_entities(document_id, generation);

	CREATE TABLE IF NOT EXISTS entity_mentions (
		id TEXT PRIMARY KEY,
		chunk_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		start_pos INTEGER NOT NULL,
		end_pos INTEGER NOT NULL,
		text TEXT NOT NULL,
		type TEXT NOT NULL,
		confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		canonical_id TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE (chunk_id, start_pos, end_pos, type),
		CHECK (end_pos > start_pos),
		FOREIGN KEY (chunk_id) REFERENCES chunks(id),
		FOREIGN KEY (canonical_id) REFERENCES canonical_entities(id)
	);
	CREATE INDEX IF NOT EXISTS idx_mentions_doc ON entity_mentions(document_id, generation);

	CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		kind TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		source_id TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (document_id, generation, kind, source_id, target_id),
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);

	CREATE TABLE IF NOT EXISTS job_handles (
		document_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		generation INTEGER NOT NULL,
		external_job_id TEXT NOT NULL,
		submitted_at INTEGER NOT NULL,
		poll_count INTEGER NOT NULL DEFAULT 0,
		last_state TEXT NOT NULL,
		last_polled_at INTEGER,
		abandoned INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (document_id, stage, generation),
		FOREIGN KEY (document_id) REFERENCES documents(id)
	);
	`

	if _, err := c.conn(ctx).ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// wrapErr maps SQLite constraint failures onto models.ErrConstraint.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("failed to %s: %w: %v", op, models.ErrConstraint, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}
