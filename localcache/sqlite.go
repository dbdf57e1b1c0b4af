package localcache

import (
	"database/sql"
	"errors"
	"sync"

	_ "modernc.org/sqlite"
)

const createItemsTable = `CREATE TABLE IF NOT EXISTS items (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteStore keeps values in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable("open", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createItemsTable); err != nil {
		db.Close()
		return nil, unavailable("migrate", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetItem(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v string
	err := s.db.QueryRow(`SELECT value FROM items WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, unavailable("get", key, err)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetItem(key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO items (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM items WHERE key = ?`, key); err != nil {
		return unavailable("remove", key, err)
	}
	return nil
}
