package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Load for an unknown checkpoint name.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists serialized model state in SQLite.
type Store struct {
	conn *sql.DB
}

// NewStore opens the checkpoint database and initializes the schema.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory failed: %w", err)
	}

	// Use WAL mode for better concurrency
	conn, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	// SQLite works best with a single writer connection
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema failed: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		name TEXT PRIMARY KEY,
		model BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// Save writes or replaces the checkpoint under the given name.
func (s *Store) Save(name string, state []byte) error {
	query := `
		INSERT INTO checkpoints (name, model, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET model = excluded.model, created_at = excluded.created_at
	`

	if _, err := s.conn.Exec(query, name, state, time.Now()); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the serialized model state stored under name.
func (s *Store) Load(name string) ([]byte, error) {
	var state []byte
	err := s.conn.QueryRow(`SELECT model FROM checkpoints WHERE name = ?`, name).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return state, nil
}

// List returns all checkpoint names, newest first.
func (s *Store) List() ([]string, error) {
	rows, err := s.conn.Query(`SELECT name FROM checkpoints ORDER BY created_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan checkpoint name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
