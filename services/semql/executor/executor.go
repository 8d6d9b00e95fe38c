// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs compiled SQL against registered data sources.
// Connection pools are created lazily per source id and reused.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
)

var queryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "executor",
	Name:      "query_total",
	Help:      "Executed queries by source and outcome",
}, []string{"source", "outcome"})

var queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "semql",
	Subsystem: "executor",
	Name:      "query_duration_seconds",
	Help:      "Query latency by source",
	Buckets:   prometheus.DefBuckets,
}, []string{"source"})

// ExecutionError reports a collaborator-side failure for a source.
type ExecutionError struct {
	SourceID string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed on source %s: %v", e.SourceID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// driverFor maps a logical db_type onto a registered driver name.
func driverFor(dbType string) (string, error) {
	switch dbType {
	case "postgres", "postgresql":
		return "pgx", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported db_type %q", dbType)
	}
}

// PoolManager owns one *sql.DB per data source id.
//
// Thread Safety: PoolManager is safe for concurrent use.
type PoolManager struct {
	mu    sync.RWMutex
	pools map[string]*sql.DB
}

// NewPoolManager creates an empty PoolManager.
func NewPoolManager() *PoolManager {
	return &PoolManager{pools: make(map[string]*sql.DB)}
}

// pool returns the pool for a source, opening it on first use.
func (m *PoolManager) pool(src *ontology.DataSource) (*sql.DB, error) {
	m.mu.RLock()
	db, ok := m.pools[src.ID]
	m.mu.RUnlock()
	if ok {
		return db, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.pools[src.ID]; ok {
		return db, nil
	}

	driver, err := driverFor(src.DBType)
	if err != nil {
		return nil, err
	}
	db, err = sql.Open(driver, src.ConnectionURL)
	if err != nil {
		return nil, fmt.Errorf("opening pool for source %s: %w", src.ID, err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	m.pools[src.ID] = db
	return db, nil
}

// Execute runs one query and materializes the result rows.
//
// Description:
//
//	Runs the query on the source's pool and converts each row to a
//	column-name keyed map. Byte slices are converted to strings so
//	results serialize cleanly as JSON.
//
// Inputs:
//
//	ctx   - Bounds the query. Must not be nil.
//	src   - Target data source. Must not be nil.
//	query - Physical SQL to run.
//
// Outputs:
//
//	[]map[string]any - One map per row. Empty, not nil, for zero rows.
//	error            - *ExecutionError wrapping the driver failure.
//
// Thread Safety: Safe for concurrent use.
func (m *PoolManager) Execute(ctx context.Context, src *ontology.DataSource, query string) ([]map[string]any, error) {
	db, err := m.pool(src)
	if err != nil {
		queryTotal.WithLabelValues(src.ID, "error").Inc()
		return nil, &ExecutionError{SourceID: src.ID, Err: err}
	}

	start := time.Now()
	rows, err := db.QueryContext(ctx, query)
	queryDuration.WithLabelValues(src.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		queryTotal.WithLabelValues(src.ID, "error").Inc()
		return nil, &ExecutionError{SourceID: src.ID, Err: err}
	}
	defer rows.Close()

	out, err := rowsToMaps(rows)
	if err != nil {
		queryTotal.WithLabelValues(src.ID, "error").Inc()
		return nil, &ExecutionError{SourceID: src.ID, Err: err}
	}
	queryTotal.WithLabelValues(src.ID, "ok").Inc()
	return out, nil
}

// ListTables returns the table names visible in the source. Used by the
// mapping admin surface to probe schemas before registering mappings.
func (m *PoolManager) ListTables(ctx context.Context, src *ontology.DataSource) ([]string, error) {
	var query string
	switch src.DBType {
	case "postgres", "postgresql":
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name"
	case "sqlite", "sqlite3":
		query = "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name"
	default:
		return nil, fmt.Errorf("unsupported db_type %q", src.DBType)
	}
	return m.stringColumn(ctx, src, query)
}

// ListColumns returns the column names of one table in the source.
func (m *PoolManager) ListColumns(ctx context.Context, src *ontology.DataSource, table string) ([]string, error) {
	var query string
	var args []any
	switch src.DBType {
	case "postgres", "postgresql":
		query = "SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position"
		args = []any{table}
	case "sqlite", "sqlite3":
		query = "SELECT name FROM pragma_table_info(?) ORDER BY cid"
		args = []any{table}
	default:
		return nil, fmt.Errorf("unsupported db_type %q", src.DBType)
	}

	db, err := m.pool(src)
	if err != nil {
		return nil, &ExecutionError{SourceID: src.ID, Err: err}
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ExecutionError{SourceID: src.ID, Err: err}
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (m *PoolManager) stringColumn(ctx context.Context, src *ontology.DataSource, query string) ([]string, error) {
	db, err := m.pool(src)
	if err != nil {
		return nil, &ExecutionError{SourceID: src.ID, Err: err}
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, &ExecutionError{SourceID: src.ID, Err: err}
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func rowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close closes every pool. Safe to call once at shutdown.
func (m *PoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for id, db := range m.pools {
		if err := db.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing pool %s: %w", id, err)
		}
		delete(m.pools, id)
	}
	return first
}
