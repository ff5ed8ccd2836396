// Package repos persists the set of tracked repository directories, the
// source of truth for which working directories get an upstream event feed.
package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const timeLayout = "2006-01-02 15:04:05"

// ErrNotFound is returned when a repository id or directory is unknown.
var ErrNotFound = errors.New("repository not found")

// Repository is one tracked working directory.
type Repository struct {
	ID        string    `json:"id"`
	Directory string    `json:"directory"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a sqlite-backed repository registry.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the registry database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			directory TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_repositories_directory ON repositories(directory);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Add registers a directory. Re-adding an existing directory updates its
// name and returns the existing record's id.
func (s *Store) Add(ctx context.Context, directory, name string) (Repository, error) {
	directory = filepath.Clean(strings.TrimSpace(directory))
	if directory == "" || directory == "." {
		return Repository{}, errors.New("directory is required")
	}
	if name == "" {
		name = filepath.Base(directory)
	}

	stmt := `
		INSERT INTO repositories (id, directory, name, created_at, updated_at)
		VALUES (?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(directory) DO UPDATE SET
			name = excluded.name,
			updated_at = datetime('now')
	`
	if _, err := s.db.ExecContext(ctx, stmt, uuid.NewString(), directory, name); err != nil {
		return Repository{}, fmt.Errorf("add repository: %w", err)
	}
	return s.GetByDirectory(ctx, directory)
}

// Remove deletes a repository by id.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove repository: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a repository by id.
func (s *Store) Get(ctx context.Context, id string) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, directory, name, created_at, updated_at
		FROM repositories WHERE id = ?
	`, id)
	return scanRepository(row)
}

// GetByDirectory retrieves a repository by its directory.
func (s *Store) GetByDirectory(ctx context.Context, directory string) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, directory, name, created_at, updated_at
		FROM repositories WHERE directory = ?
	`, filepath.Clean(directory))
	return scanRepository(row)
}

// List returns all tracked repositories ordered by name.
func (s *Store) List(ctx context.Context) ([]Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, directory, name, created_at, updated_at
		FROM repositories ORDER BY name, directory
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Repository
	for rows.Next() {
		var r Repository
		var created, updated string
		if err := rows.Scan(&r.ID, &r.Directory, &r.Name, &created, &updated); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(timeLayout, created)
		r.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTrackedDirectories returns only the directory column, the contract
// the event bridge reconciles against.
func (s *Store) ListTrackedDirectories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT directory FROM repositories ORDER BY directory`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dirs []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, err
		}
		dirs = append(dirs, dir)
	}
	return dirs, rows.Err()
}

func scanRepository(row *sql.Row) (Repository, error) {
	var r Repository
	var created, updated string
	err := row.Scan(&r.ID, &r.Directory, &r.Name, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	if err != nil {
		return Repository{}, err
	}
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	r.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return r, nil
}
