package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if filename == "" {
		filename = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite db %s", filename)
	}
	// a single connection serializes access and keeps shared in-memory dbs alive
	db.SetMaxOpenConns(1)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			UNIQUE (store, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "initialize sqlite schema")
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStorage) Open(name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.register(name); err != nil {
		return nil, err
	}
	return sqliteStore{s: s, name: name}, nil
}

// register must be called with the write mutex held.
func (s *SQLiteStorage) register(name string) error {
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", name, time.Now().UnixNano())
	return errors.Wrapf(err, "register store %s", name)
}

func (s *SQLiteStorage) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "look up store %s", name)
	}
	return true, nil
}

func (s *SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY rowid ASC")
	if err != nil {
		return nil, errors.Wrap(err, "list stores")
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, errors.Wrap(err, "scan store name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, errors.Wrap(err, "begin delete store")
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", name); err != nil {
		tx.Rollback()
		return false, errors.Wrapf(err, "delete entries of store %s", name)
	}
	result, err := tx.Exec("DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		tx.Rollback()
		return false, errors.Wrapf(err, "delete store %s", name)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "commit delete store %s", name)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) Match(key string) ([]byte, string, bool, error) {
	var (
		value []byte
		store string
	)
	err := s.db.QueryRow(`SELECT e.bytes, e.store
		FROM entries e JOIN stores s ON s.name = e.store
		WHERE e.key = ?
		ORDER BY s.rowid ASC LIMIT 1`, key).Scan(&value, &store)
	if err == sql.ErrNoRows {
		return nil, "", false, nil
	}
	if err != nil {
		return nil, "", false, errors.Wrapf(err, "match %s", key)
	}
	return value, store, true, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteStore struct {
	s    *SQLiteStorage
	name string
}

func (st sqliteStore) Name() string {
	return st.name
}

func (st sqliteStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := st.s.db.QueryRow("SELECT bytes FROM entries WHERE store = ? AND key = ?", st.name, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %s from %s", key, st.name)
	}
	return value, true, nil
}

func (st sqliteStore) Put(key string, value []byte) error {
	st.s.writeMutex.Lock()
	defer st.s.writeMutex.Unlock()
	if err := st.s.register(st.name); err != nil {
		return err
	}
	// REPLACE deletes the conflicting row, so the entry gets a fresh seq
	_, err := st.s.db.Exec(`INSERT OR REPLACE INTO entries
		(store, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		st.name, key, time.Now().UnixNano(), value)
	return errors.Wrapf(err, "put %s into %s", key, st.name)
}

func (st sqliteStore) Delete(key string) (bool, error) {
	st.s.writeMutex.Lock()
	defer st.s.writeMutex.Unlock()
	result, err := st.s.db.Exec("DELETE FROM entries WHERE store = ? AND key = ?", st.name, key)
	if err != nil {
		return false, errors.Wrapf(err, "delete %s from %s", key, st.name)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (st sqliteStore) Keys() ([]string, error) {
	rows, err := st.s.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY seq ASC", st.name)
	if err != nil {
		return nil, errors.Wrapf(err, "list keys of %s", st.name)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, errors.Wrap(err, "scan key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (st sqliteStore) Len() (int, error) {
	var n int
	err := st.s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE store = ?", st.name).Scan(&n)
	return n, errors.Wrapf(err, "count entries of %s", st.name)
}
