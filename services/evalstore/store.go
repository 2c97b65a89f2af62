// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evalstore persists graded eval results and serves them over HTTP.
//
// # Description
//
// SQLiteStore keeps EvalResults in a single SQLite file whose schema is
// managed by embedded goose migrations. Server exposes the store, plus
// the eval queue, as a gin service; Client is its HTTP counterpart.
//
// # Thread Safety
//
// SQLiteStore, Server and Client are safe for concurrent use.
package evalstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianAssist/services/eval"
)

var tracer = otel.Tracer("aleutian.assist.evalstore")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// List limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// createdAtLayout is fixed width so text ordering matches time ordering.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is an eval.Store on SQLite.
type SQLiteStore struct {
	db       *sql.DB
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// Open opens (creating if needed) the database at path and applies
// pending migrations. Use ":memory:" for a throwaway store.
//
// # Outputs
//
//   - *SQLiteStore: Call Close when done.
//   - error: Unwritable path or a failed migration.
func Open(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: SQLite has a single writer and ":memory:" is per
	// connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:       db,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "evalstore")),
		now:      time.Now,
	}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Duration("duration", r.Duration))
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateRecord validates and inserts r, assigning ID and CreatedAt when
// they are empty.
func (s *SQLiteStore) CreateRecord(ctx context.Context, r eval.EvalResult) (eval.EvalResult, error) {
	ctx, span := tracer.Start(ctx, "evalstore.SQLiteStore.CreateRecord")
	defer span.End()

	if err := s.validate.Struct(r); err != nil {
		span.SetStatus(codes.Error, "invalid record")
		return eval.EvalResult{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.CreatedAt = r.CreatedAt.UTC()
	span.SetAttributes(
		attribute.String("eval.id", r.ID),
		attribute.String("eval.category", r.Category),
	)

	metadata := []byte("{}")
	if len(r.Metadata) > 0 {
		raw, err := json.Marshal(r.Metadata)
		if err != nil {
			return eval.EvalResult{}, fmt.Errorf("%w: metadata: %v", ErrInvalidRecord, err)
		}
		metadata = raw
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_results (
			id, test_name, agent_name, category, status, score, justification,
			improvement, user_input, agent_output, error_message,
			execution_time_ms, metadata, event_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TestName, r.AgentName, r.Category, string(r.Status), r.Score, r.Justification,
		r.Improvement, r.UserInput, r.AgentOutput, r.ErrorMessage,
		r.ExecutionTimeMS, string(metadata), r.EventID, r.CreatedAt.Format(createdAtLayout),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return eval.EvalResult{}, fmt.Errorf("insert eval result: %w", err)
	}
	return r, nil
}

const selectColumns = `id, test_name, agent_name, category, status, score, justification,
	improvement, user_input, agent_output, error_message, execution_time_ms,
	metadata, event_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (eval.EvalResult, error) {
	var (
		r         eval.EvalResult
		status    string
		metadata  string
		createdAt string
	)
	err := row.Scan(&r.ID, &r.TestName, &r.AgentName, &r.Category, &status, &r.Score,
		&r.Justification, &r.Improvement, &r.UserInput, &r.AgentOutput, &r.ErrorMessage,
		&r.ExecutionTimeMS, &metadata, &r.EventID, &createdAt)
	if err != nil {
		return eval.EvalResult{}, err
	}
	r.Status = eval.Status(status)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return eval.EvalResult{}, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
	}
	if r.CreatedAt, err = time.Parse(createdAtLayout, createdAt); err != nil {
		return eval.EvalResult{}, fmt.Errorf("decode created_at for %s: %w", r.ID, err)
	}
	return r, nil
}

// Get returns one result or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (eval.EvalResult, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM eval_results WHERE id = ?", id)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return eval.EvalResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// List returns results matching f, newest first.
func (s *SQLiteStore) List(ctx context.Context, f eval.ResultFilter) ([]eval.EvalResult, error) {
	ctx, span := tracer.Start(ctx, "evalstore.SQLiteStore.List")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	query := "SELECT " + selectColumns + " FROM eval_results"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, ClampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("list eval results: %w", err)
	}
	defer rows.Close()

	results := []eval.EvalResult{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ClampLimit applies the default and maximum list sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// Stats aggregates every stored result.
func (s *SQLiteStore) Stats(ctx context.Context) (eval.Stats, error) {
	stats := eval.Stats{
		ByStatus:   map[string]int{},
		ByCategory: map[string]eval.CategoryStats{},
	}

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(AVG(score), 0) FROM eval_results",
	).Scan(&stats.TotalResults, &stats.AverageScore)
	if err != nil {
		return eval.Stats{}, fmt.Errorf("total stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM eval_results GROUP BY status")
	if err != nil {
		return eval.Stats{}, fmt.Errorf("status stats: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return eval.Stats{}, err
		}
		stats.ByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eval.Stats{}, err
	}

	rows, err = s.db.QueryContext(ctx,
		"SELECT category, COUNT(*), AVG(score) FROM eval_results GROUP BY category")
	if err != nil {
		return eval.Stats{}, fmt.Errorf("category stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var cs eval.CategoryStats
		if err := rows.Scan(&category, &cs.Count, &cs.AverageScore); err != nil {
			return eval.Stats{}, err
		}
		stats.ByCategory[category] = cs
	}
	return stats, rows.Err()
}
