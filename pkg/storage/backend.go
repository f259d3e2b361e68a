package storage

import (
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"durakv/pkg/common"
)

// Backend is an external table that a store can be exported to or imported from.
type Backend interface {
	BatchWrite(records []common.Record) error
	LoadAll() ([]common.Record, error)
	// ReplaceAll atomically discards the current contents and writes records.
	ReplaceAll(records []common.Record) error
	Close() error
}

// SQLiteBackend keeps records in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}

	query := `
	CREATE TABLE IF NOT EXISTS data (
		key TEXT PRIMARY KEY,
		value BLOB
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init sqlite table")
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set sqlite pragmas")
	}

	return &SQLiteBackend{db: db}, nil
}

// BatchWrite upserts records in one transaction.
func (s *SQLiteBackend) BatchWrite(records []common.Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.write(false, records)
}

// ReplaceAll deletes every row and inserts records in the same transaction.
// On error the table is left as it was.
func (s *SQLiteBackend) ReplaceAll(records []common.Record) error {
	return s.write(true, records)
}

func (s *SQLiteBackend) write(replace bool, records []common.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errors.WithStack(err)
	}

	if replace {
		if _, err := tx.Exec("DELETE FROM data"); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "clear table")
		}
	}

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO data (key, value) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return errors.WithStack(err)
	}
	defer stmt.Close()

	for _, rec := range records {
		val := rec.Value
		if val == nil {
			val = []byte{}
		}
		if _, err := stmt.Exec(rec.Key, val); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "write key %q", rec.Key)
		}
	}

	return errors.WithStack(tx.Commit())
}

func (s *SQLiteBackend) Read(key string) ([]byte, bool, error) {
	var val []byte
	err := s.db.QueryRow("SELECT value FROM data WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read key %q", key)
	}
	return val, true, nil
}

// LoadAll returns every record ordered by key.
func (s *SQLiteBackend) LoadAll() ([]common.Record, error) {
	rows, err := s.db.Query("SELECT key, value FROM data ORDER BY key ASC")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var records []common.Record
	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.WithStack(err)
		}
		if v == nil {
			v = []byte{}
		}
		records = append(records, common.Record{Key: k, Value: v})
	}
	return records, errors.WithStack(rows.Err())
}

func (s *SQLiteBackend) Close() error {
	return errors.WithStack(s.db.Close())
}
