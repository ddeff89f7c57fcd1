// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry persists the provider registry, health metric history,
// and the routing request log in SQLite.
//
// The store is the only component that touches the database. Routing code
// reads providers and metrics through it and never sees SQL.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("registry: not found")
	// ErrDuplicateRequest indicates a routing log entry already exists for
	// the request id.
	ErrDuplicateRequest = errors.New("registry: duplicate request id")
)

// =============================================================================
// TYPES
// =============================================================================

// Provider is one registered LLM backend.
type Provider struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	BaseURL     string   `json:"base_url"`
	// APIKeyEncrypted holds the sealed credential (ENC: form). Never exposed
	// on API surfaces.
	APIKeyEncrypted string   `json:"-"`
	IsActive        bool     `json:"is_active"`
	Capabilities    []string `json:"capabilities"`
	Models          []string `json:"models"`
	// RateLimitRPM is requests per minute. Zero means unlimited.
	RateLimitRPM int     `json:"rate_limit_rpm"`
	CostPerToken float64 `json:"cost_per_token"`
	// Priority weights scoring; higher is preferred.
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCapability reports whether the provider advertises a capability.
func (p *Provider) HasCapability(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasModel reports whether the provider lists a model in its catalog.
func (p *Provider) HasModel(modelID string) bool {
	for _, m := range p.Models {
		if m == modelID {
			return true
		}
	}
	return false
}

// Metric is one time-stamped health sample for a provider.
type Metric struct {
	ID             int64     `json:"id"`
	ProviderID     int64     `json:"provider_id"`
	Timestamp      time.Time `json:"timestamp"`
	IsHealthy      bool      `json:"is_healthy"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	ErrorRate      float64   `json:"error_rate"`
	TokensUsed     int       `json:"tokens_used"`
	CostIncurred   float64   `json:"cost_incurred"`
}

// RoutingLog is one write-once routing request record.
type RoutingLog struct {
	RequestID string `json:"request_id"`
	Capability string `json:"capability"`
	// Requirements is the JSON snapshot of the request requirements.
	Requirements       string    `json:"requirements,omitempty"`
	SelectedProviderID *int64    `json:"selected_provider_id,omitempty"`
	ResponseTimeMs     float64   `json:"response_time_ms"`
	Success            bool      `json:"success"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// =============================================================================
// STORE
// =============================================================================

// MetricsKeepPerProvider bounds the metric history retained per provider.
const MetricsKeepPerProvider = 1000

// Store is the SQLite-backed registry. Safe for concurrent use; the
// underlying pool is capped at one connection so WAL writers serialize.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection serializes writes under WAL.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA wal_autocheckpoint=1000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS providers (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	name              TEXT NOT NULL UNIQUE,
	display_name      TEXT NOT NULL,
	base_url          TEXT NOT NULL,
	api_key_encrypted TEXT NOT NULL DEFAULT '',
	is_active         INTEGER NOT NULL DEFAULT 1,
	capabilities      TEXT NOT NULL DEFAULT '[]',
	models            TEXT NOT NULL DEFAULT '[]',
	rate_limit_rpm    INTEGER NOT NULL DEFAULT 0,
	cost_per_token    REAL NOT NULL DEFAULT 0,
	priority          INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS provider_metrics (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	provider_id      INTEGER NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
	timestamp        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	is_healthy       INTEGER NOT NULL,
	response_time_ms REAL NOT NULL DEFAULT 0,
	error_rate       REAL NOT NULL DEFAULT 0,
	tokens_used      INTEGER NOT NULL DEFAULT 0,
	cost_incurred    REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metrics_provider_time
	ON provider_metrics(provider_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS routing_requests (
	request_id           TEXT PRIMARY KEY,
	capability           TEXT NOT NULL,
	requirements         TEXT NOT NULL DEFAULT '',
	selected_provider_id INTEGER REFERENCES providers(id) ON DELETE SET NULL,
	response_time_ms     REAL NOT NULL DEFAULT 0,
	success              INTEGER NOT NULL DEFAULT 0,
	error_message        TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// =============================================================================
// PROVIDERS
// =============================================================================

// UpsertProvider inserts or updates a provider keyed by name and returns the
// stored row with its id filled in.
func (s *Store) UpsertProvider(ctx context.Context, p *Provider) (*Provider, error) {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to encode capabilities: %w", err)
	}
	models, err := json.Marshal(p.Models)
	if err != nil {
		return nil, fmt.Errorf("failed to encode models: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO providers (name, display_name, base_url, api_key_encrypted,
	is_active, capabilities, models, rate_limit_rpm, cost_per_token, priority)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	display_name      = excluded.display_name,
	base_url          = excluded.base_url,
	api_key_encrypted = excluded.api_key_encrypted,
	is_active         = excluded.is_active,
	capabilities      = excluded.capabilities,
	models            = excluded.models,
	rate_limit_rpm    = excluded.rate_limit_rpm,
	cost_per_token    = excluded.cost_per_token,
	priority          = excluded.priority,
	updated_at        = CURRENT_TIMESTAMP`,
		p.Name, p.DisplayName, p.BaseURL, p.APIKeyEncrypted,
		p.IsActive, string(caps), string(models), p.RateLimitRPM,
		p.CostPerToken, p.Priority)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert provider %q: %w", p.Name, err)
	}

	return s.GetProviderByName(ctx, p.Name)
}

// GetProvider returns the provider with the given id.
func (s *Store) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	row := s.db.QueryRowContext(ctx, providerSelect+" WHERE id = ?", id)
	return scanProvider(row)
}

// GetProviderByName returns the provider with the given unique name.
func (s *Store) GetProviderByName(ctx context.Context, name string) (*Provider, error) {
	row := s.db.QueryRowContext(ctx, providerSelect+" WHERE name = ?", name)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by priority descending.
func (s *Store) ListProviders(ctx context.Context) ([]*Provider, error) {
	return s.listProviders(ctx, providerSelect+" ORDER BY priority DESC, name")
}

// ListActiveProviders returns active providers ordered by priority descending.
// Routing reads this on every decision so deactivation takes effect on the
// next call.
func (s *Store) ListActiveProviders(ctx context.Context) ([]*Provider, error) {
	return s.listProviders(ctx, providerSelect+" WHERE is_active = 1 ORDER BY priority DESC, name")
}

// SetActive toggles a provider's active flag.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE providers SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		active, id)
	if err != nil {
		return fmt.Errorf("failed to update provider %d: %w", id, err)
	}
	return requireRows(res)
}

// SetPriority updates a provider's scoring priority.
func (s *Store) SetPriority(ctx context.Context, id int64, priority int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE providers SET priority = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		priority, id)
	if err != nil {
		return fmt.Errorf("failed to update provider %d: %w", id, err)
	}
	return requireRows(res)
}

// DeleteProvider removes a provider and, via cascade, its metric history.
func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM providers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete provider %d: %w", id, err)
	}
	return requireRows(res)
}

const providerSelect = `
SELECT id, name, display_name, base_url, api_key_encrypted, is_active,
	capabilities, models, rate_limit_rpm, cost_per_token, priority,
	created_at, updated_at
FROM providers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*Provider, error) {
	var p Provider
	var caps, models string
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.BaseURL,
		&p.APIKeyEncrypted, &p.IsActive, &caps, &models,
		&p.RateLimitRPM, &p.CostPerToken, &p.Priority,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(models), &p.Models); err != nil {
		return nil, fmt.Errorf("failed to decode models: %w", err)
	}
	return &p, nil
}

func (s *Store) listProviders(ctx context.Context, query string) ([]*Provider, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// METRICS
// =============================================================================

// AppendMetric records one health sample and prunes history beyond
// MetricsKeepPerProvider, in a single transaction so a crash never leaves a
// half-written sample.
func (s *Store) AppendMetric(ctx context.Context, m *Metric) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO provider_metrics
	(provider_id, timestamp, is_healthy, response_time_ms, error_rate, tokens_used, cost_incurred)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ProviderID, ts, m.IsHealthy, m.ResponseTimeMs,
		m.ErrorRate, m.TokensUsed, m.CostIncurred); err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM provider_metrics
WHERE provider_id = ? AND id NOT IN (
	SELECT id FROM provider_metrics
	WHERE provider_id = ?
	ORDER BY timestamp DESC, id DESC
	LIMIT ?
)`, m.ProviderID, m.ProviderID, MetricsKeepPerProvider); err != nil {
		return fmt.Errorf("failed to prune metrics: %w", err)
	}

	return tx.Commit()
}

// MetricsSince returns samples for a provider newer than the cutoff, newest
// first.
func (s *Store) MetricsSince(ctx context.Context, providerID int64, since time.Time) ([]*Metric, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, provider_id, timestamp, is_healthy, response_time_ms, error_rate, tokens_used, cost_incurred
FROM provider_metrics
WHERE provider_id = ? AND timestamp > ?
ORDER BY timestamp DESC`, providerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.ProviderID, &m.Timestamp, &m.IsHealthy,
			&m.ResponseTimeMs, &m.ErrorRate, &m.TokensUsed, &m.CostIncurred); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}

// =============================================================================
// ROUTING LOG
// =============================================================================

// AppendRoutingLog records one write-once routing request entry.
func (s *Store) AppendRoutingLog(ctx context.Context, entry *RoutingLog) error {
	ts := entry.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO routing_requests
	(request_id, capability, requirements, selected_provider_id, response_time_ms, success, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Capability, entry.Requirements,
		entry.SelectedProviderID, entry.ResponseTimeMs, entry.Success,
		entry.ErrorMessage, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("failed to append routing log: %w", err)
	}
	return nil
}

// RecentRoutingLogs returns the most recent routing entries, newest first.
func (s *Store) RecentRoutingLogs(ctx context.Context, limit int) ([]*RoutingLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, capability, requirements, selected_provider_id,
	response_time_ms, success, error_message, created_at
FROM routing_requests
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing log: %w", err)
	}
	defer rows.Close()

	var entries []*RoutingLog
	for rows.Next() {
		var e RoutingLog
		var providerID sql.NullInt64
		if err := rows.Scan(&e.RequestID, &e.Capability, &e.Requirements,
			&providerID, &e.ResponseTimeMs, &e.Success, &e.ErrorMessage,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan routing log: %w", err)
		}
		if providerID.Valid {
			e.SelectedProviderID = &providerID.Int64
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
