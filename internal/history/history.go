// Package history remembers which rooms were joined from which
// directories, so the CLI can list and rejoin them.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one remembered room.
type Entry struct {
	Endpoint   string
	Owner      string
	Room       string
	Dir        string
	LastJoined time.Time
	Joins      int
}

// Ref returns the entry as "owner/room".
func (e Entry) Ref() string {
	return e.Owner + "/" + e.Room
}

// Store is the SQLite-backed history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS rooms (
		endpoint TEXT NOT NULL,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		dir TEXT NOT NULL,
		last_joined INTEGER NOT NULL,
		joins INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (endpoint, owner, name)
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_last_joined ON rooms(last_joined);
	CREATE INDEX IF NOT EXISTS idx_rooms_dir ON rooms(dir);
	`)
	return err
}

// Record notes a join of owner/room on endpoint, synced into dir. A room
// that is already known moves to the top and takes the new dir.
func (s *Store) Record(endpoint, owner, room, dir string) error {
	_, err := s.db.Exec(`
		INSERT INTO rooms (endpoint, owner, name, dir, last_joined, joins)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(endpoint, owner, name) DO UPDATE SET
			dir = excluded.dir,
			last_joined = excluded.last_joined,
			joins = joins + 1
	`, endpoint, owner, room, dir, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", owner, room, err)
	}
	return nil
}

// Recent returns up to n rooms, most recently joined first. n <= 0 means all.
func (s *Store) Recent(n int) ([]Entry, error) {
	query := `
		SELECT endpoint, owner, name, dir, last_joined, joins
		FROM rooms ORDER BY last_joined DESC`
	var args []interface{}
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ForDir returns the room most recently synced into dir.
func (s *Store) ForDir(dir string) (Entry, bool, error) {
	row := s.db.QueryRow(`
		SELECT endpoint, owner, name, dir, last_joined, joins
		FROM rooms WHERE dir = ?
		ORDER BY last_joined DESC LIMIT 1
	`, dir)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Forget drops a room from the history.
func (s *Store) Forget(endpoint, owner, room string) error {
	_, err := s.db.Exec(`DELETE FROM rooms WHERE endpoint = ? AND owner = ? AND name = ?`,
		endpoint, owner, room)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var nanos int64
	if err := row.Scan(&e.Endpoint, &e.Owner, &e.Room, &e.Dir, &nanos, &e.Joins); err != nil {
		return Entry{}, err
	}
	e.LastJoined = time.Unix(0, nanos)
	return e, nil
}
