package cache

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteProvider is a durable Provider backed by a single sqlite database.
// Generations share one table and are scoped by a generation column, so
// deleting a generation is a single statement.
type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider creates a provider with the given filename as the db.
// If filename is empty, a shared in-memory db is opened.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"CREATE INDEX IF NOT EXISTS generation_idx ON cache (generation)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider) Open(generation string) (Store, error) {
	// the schema has no per-generation state to create, so opening is
	// just handing out a scoped view
	return &sqliteStore{provider: s, generation: generation}, nil
}

func (s *SQLiteProvider) ListGenerations() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT generation FROM cache")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	generations := make([]string, 0)
	for rows.Next() {
		var generation string
		if err := rows.Scan(&generation); err != nil {
			return generations, err
		}
		generations = append(generations, generation)
	}
	return generations, rows.Err()
}

func (s *SQLiteProvider) Delete(generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE generation = ?", generation)
	return err
}

// Close closes the underlying database.
func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}

type sqliteStore struct {
	provider   *SQLiteProvider
	generation string
}

func (s *sqliteStore) Get(ctx context.Context, identity string) ([]byte, bool, error) {
	var bts []byte
	err := s.provider.db.QueryRowContext(ctx,
		"SELECT bytes FROM cache WHERE generation = ? AND key = ?",
		s.generation, identity,
	).Scan(&bts)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bts, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, identity string, bytes []byte) error {
	s.provider.writeMutex.Lock()
	defer s.provider.writeMutex.Unlock()
	_, err := s.provider.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache (generation, key, bytes) VALUES (?, ?, ?)",
		s.generation, identity, bytes)
	return err
}
