package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLStore keeps verdicts in a SQLite table.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens or creates the database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Batch verification writes from several goroutines.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS verdicts (
		key BLOB PRIMARY KEY,
		verdict BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(key Key) (*Verdict, error) {
	var data []byte
	err := s.db.QueryRow("SELECT verdict FROM verdicts WHERE key = ?", key[:]).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debugf("miss %s", key)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying verdict: %w", err)
	}
	log.Debugf("hit %s", key)
	return UnmarshalVerdict(data)
}

func (s *SQLStore) Put(key Key, v *Verdict) error {
	data, err := MarshalVerdict(v)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO verdicts (key, verdict, created) VALUES (?, ?, ?)",
		key[:], data, v.Created,
	)
	if err != nil {
		return fmt.Errorf("saving verdict: %w", err)
	}
	return nil
}

// Prune deletes verdicts created before the given unix time and returns how
// many were removed.
func (s *SQLStore) Prune(before int64) (int64, error) {
	res, err := s.db.Exec("DELETE FROM verdicts WHERE created < ?", before)
	if err != nil {
		return 0, fmt.Errorf("pruning verdicts: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
