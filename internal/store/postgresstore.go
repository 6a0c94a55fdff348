package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"github.com/kirotools/accountforge/internal/bundle"
)

const defaultBundleTable = "bundles"

// PostgresStoreConfig captures configuration required to initialize a Postgres-backed store.
type PostgresStoreConfig struct {
	DSN    string
	Schema string
	Table  string
}

// PostgresStore persists bundles as an insert-only log in PostgreSQL. Where
// the file store serializes mutations inside one process, the database
// serializes them across processes, so several workers can share one
// collection safely.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresStoreConfig
}

// NewPostgresStore establishes a connection to PostgreSQL and ensures the
// bundle table exists.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	trimmedDSN := strings.TrimSpace(cfg.DSN)
	if trimmedDSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	cfg.DSN = trimmedDSN
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = defaultBundleTable
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}

	store := &PostgresStore{db: db, cfg: cfg}
	if err = store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	table := s.fullTableName()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL,
			status TEXT NOT NULL,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, table)); err != nil {
		return fmt.Errorf("postgres store: create bundle table: %w", err)
	}
	return nil
}

// Append implements Store with a plain insert. History is never rewritten.
func (s *PostgresStore) Append(ctx context.Context, b *bundle.Bundle) error {
	content, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("postgres store: encode bundle: %w", err)
	}
	query := fmt.Sprintf("INSERT INTO %s (email, status, content) VALUES ($1, $2, $3)", s.fullTableName())
	if _, err = s.db.ExecContext(ctx, query, b.Email, string(b.Status), content); err != nil {
		return fmt.Errorf("postgres store: insert bundle: %w", err)
	}
	log.WithField("email", b.Email).WithField("status", b.Status).Info("bundle appended")
	return nil
}

// List implements Store, returning bundles in insertion order.
func (s *PostgresStore) List(ctx context.Context) ([]bundle.Bundle, error) {
	query := fmt.Sprintf("SELECT content FROM %s ORDER BY id", s.fullTableName())
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list bundles: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var bundles []bundle.Bundle
	for rows.Next() {
		var content []byte
		if err = rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("postgres store: scan bundle: %w", err)
		}
		var b bundle.Bundle
		if errRecord := json.Unmarshal(content, &b); errRecord != nil {
			log.Warnf("postgres store: skipping unreadable record: %v", errRecord)
			continue
		}
		bundles = append(bundles, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate bundles: %w", err)
	}
	return bundles, nil
}

// MarkStatus implements Store. The newest row for the address is patched in
// a transaction; lower statuses are ignored.
func (s *PostgresStore) MarkStatus(ctx context.Context, email string, status bundle.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres store: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	table := s.fullTableName()
	var (
		id      int64
		current string
	)
	query := fmt.Sprintf("SELECT id, status FROM %s WHERE email = $1 ORDER BY id DESC LIMIT 1 FOR UPDATE", table)
	if err = tx.QueryRowContext(ctx, query, email).Scan(&id, &current); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrNotFound, email)
		}
		return fmt.Errorf("postgres store: find record: %w", err)
	}

	next := bundle.HigherOf(bundle.Status(current), status)
	if string(next) == current {
		return nil
	}
	update := fmt.Sprintf(`UPDATE %s SET status = $1, content = jsonb_set(content, '{status}', to_jsonb($1::text)) WHERE id = $2`, table)
	if _, err = tx.ExecContext(ctx, update, string(next), id); err != nil {
		return fmt.Errorf("postgres store: update status: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	log.WithField("email", email).WithField("status", next).Info("bundle status raised")
	return nil
}

func (s *PostgresStore) fullTableName() string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(s.cfg.Table)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(s.cfg.Table)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
