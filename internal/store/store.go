// Package store persists the slow-changing data the engine needs across
// restarts: vendor profiles, configuration overrides, and a journal of
// rejected updates. Live positions and pair state are deliberately not
// persisted; they rebuild from traffic.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"farmfinder/go-proximity-server/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vendor_profiles (
			vendor_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			products TEXT NOT NULL DEFAULT '[]',
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS rejected_updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT,
			reason TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rejected_updates_entity ON rejected_updates(entity_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// UpsertVendorProfile persists or refreshes a vendor's display data.
func (s *Store) UpsertVendorProfile(ctx context.Context, p model.VendorProfile) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if p.VendorID == "" {
		return fmt.Errorf("vendor profile needs an id")
	}

	products, err := json.Marshal(p.Products)
	if err != nil {
		return fmt.Errorf("encode products: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vendor_profiles (vendor_id, display_name, products, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(vendor_id) DO UPDATE SET
			display_name = excluded.display_name,
			products = excluded.products,
			updated_at = excluded.updated_at
	`, p.VendorID, p.DisplayName, string(products))
	if err != nil {
		return fmt.Errorf("upsert vendor profile: %w", err)
	}
	return nil
}

// VendorProfile loads one vendor's persisted profile.
func (s *Store) VendorProfile(ctx context.Context, vendorID string) (model.VendorProfile, bool, error) {
	if s.db == nil {
		return model.VendorProfile{}, false, fmt.Errorf("store not initialized")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT vendor_id, display_name, products, updated_at
		FROM vendor_profiles WHERE vendor_id = ?
	`, vendorID)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.VendorProfile{}, false, nil
	}
	if err != nil {
		return model.VendorProfile{}, false, err
	}
	return p, true, nil
}

// VendorProfiles loads every persisted vendor profile.
func (s *Store) VendorProfiles(ctx context.Context) ([]model.VendorProfile, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT vendor_id, display_name, products, updated_at
		FROM vendor_profiles ORDER BY vendor_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query vendor profiles: %w", err)
	}
	defer rows.Close()

	var out []model.VendorProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (model.VendorProfile, error) {
	var p model.VendorProfile
	var products, updatedAt string
	if err := row.Scan(&p.VendorID, &p.DisplayName, &products, &updatedAt); err != nil {
		return model.VendorProfile{}, err
	}
	if err := json.Unmarshal([]byte(products), &p.Products); err != nil {
		return model.VendorProfile{}, fmt.Errorf("decode products for %s: %w", p.VendorID, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		p.UpdatedAt = ts
	}
	return p, nil
}

// InsertRejectedUpdate journals a tick that failed validation.
func (s *Store) InsertRejectedUpdate(ctx context.Context, r model.RejectedUpdate) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejected_updates (entity_id, reason, payload) VALUES (?, ?, ?)
	`, r.EntityID, r.Reason, truncate(r.Payload, 4096))
	if err != nil {
		return fmt.Errorf("insert rejected update: %w", err)
	}
	return nil
}

// RecentRejectedUpdates returns the newest journal entries, newest first.
func (s *Store) RecentRejectedUpdates(ctx context.Context, limit int) ([]model.StoredRejectedUpdate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, reason, payload, created_at
		FROM rejected_updates ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rejected updates: %w", err)
	}
	defer rows.Close()

	var out []model.StoredRejectedUpdate
	for rows.Next() {
		var r model.StoredRejectedUpdate
		var createdAt string
		if err := rows.Scan(&r.EntityID, &r.Reason, &r.Payload, &createdAt); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppConfig returns all persisted configuration overrides.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpsertAppConfig persists one configuration override.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
