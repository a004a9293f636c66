// Package store persists the client-side state that survives a restart:
// the last selected session of each workspace, manual title overrides of
// local sessions and the last dynamic title each local session reported.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and brings its schema up to
// date.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetSelected records id as the selected session of workspace.
func (s *Store) SetSelected(ctx context.Context, workspace, id string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO selected_sessions(workspace, session_id, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(workspace) DO UPDATE SET
	session_id=excluded.session_id,
	updated_at=excluded.updated_at`,
		workspace, id, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("set selected session: %w", err)
	}
	return nil
}

// Selected returns the selected session of workspace.
func (s *Store) Selected(ctx context.Context, workspace string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM selected_sessions WHERE workspace = ?`, workspace).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get selected session: %w", err)
	}
	return id, nil
}

// SelectedAll returns the workspace → session map.
func (s *Store) SelectedAll(ctx context.Context) (map[string]string, error) {
	return s.pairs(ctx, `SELECT workspace, session_id FROM selected_sessions`)
}

// SetTitleOverride records a manual title for a local session. An empty
// title removes the override.
func (s *Store) SetTitleOverride(ctx context.Context, id, title string) error {
	return s.setTitle(ctx, "title_overrides", id, title)
}

// TitleOverride returns the manual title of id.
func (s *Store) TitleOverride(ctx context.Context, id string) (string, error) {
	return s.title(ctx, "title_overrides", id)
}

// TitleOverrides returns every manual title by session id.
func (s *Store) TitleOverrides(ctx context.Context) (map[string]string, error) {
	return s.pairs(ctx, `SELECT session_id, title FROM title_overrides`)
}

// SaveDynamicTitle records the last dynamic title reported by a local
// session.
func (s *Store) SaveDynamicTitle(ctx context.Context, id, title string) error {
	return s.setTitle(ctx, "dynamic_titles", id, title)
}

// DynamicTitle returns the last dynamic title of id.
func (s *Store) DynamicTitle(ctx context.Context, id string) (string, error) {
	return s.title(ctx, "dynamic_titles", id)
}

// Forget deletes everything stored about id.
func (s *Store) Forget(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin forget: %w", err)
	}
	for _, q := range []string{
		`DELETE FROM title_overrides WHERE session_id = ?`,
		`DELETE FROM dynamic_titles WHERE session_id = ?`,
		`DELETE FROM selected_sessions WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("forget %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// setTitle and title take a table name from the fixed set above, never
// from input.
func (s *Store) setTitle(ctx context.Context, table, id, title string) error {
	if title == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO `+table+`(session_id, title, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	title=excluded.title,
	updated_at=excluded.updated_at`,
		id, title, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s *Store) title(ctx context.Context, table, id string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM `+table+` WHERE session_id = ?`, id).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", table, err)
	}
	return title, nil
}

func (s *Store) pairs(ctx context.Context, query string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
