package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps partitions in a single SQLite database file.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at path.
// Use ":memory:" for a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one connection keeps ":memory:" databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	stmts := []string{
		"CREATE TABLE IF NOT EXISTS partitions (name TEXT PRIMARY KEY)",
		"CREATE TABLE IF NOT EXISTS entries (partition TEXT NOT NULL, key TEXT NOT NULL, data BLOB NOT NULL, stored_at INTEGER NOT NULL, PRIMARY KEY (partition, key))",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Open registers the partition and returns a handle.
func (s *SQLiteStore) Open(ctx context.Context, name string) (Partition, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		return nil, storeErr("open", name, err)
	}
	return &sqlitePartition{store: s, name: name}, nil
}

// Partitions lists partition names in sorted order.
func (s *SQLiteStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, storeErr("list", "", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeErr("list", "", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", "", err)
	}
	return names, nil
}

// DeletePartition removes the partition and its entries in one transaction.
func (s *SQLiteStore) DeletePartition(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("drop", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		tx.Rollback()
		return storeErr("drop", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name); err != nil {
		tx.Rollback()
		return storeErr("drop", name, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("drop", name, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlitePartition struct {
	store *SQLiteStore
	name  string
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Get(ctx context.Context, key Key) (*Entry, error) {
	var data []byte
	err := p.store.db.QueryRowContext(ctx,
		"SELECT data FROM entries WHERE partition = ? AND key = ?", p.name, key.String()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			recordMiss(p.name)
			return nil, ErrNotFound
		}
		return nil, storeErr("get", p.name, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, storeErr("get", p.name, fmt.Errorf("%w: %v", ErrInvalidEntry, err))
	}

	recordHit(p.name)
	return &entry, nil
}

func (p *sqlitePartition) Put(ctx context.Context, key Key, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return storeErr("put", p.name, fmt.Errorf("marshal entry: %w", err))
	}

	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()

	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("put", p.name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", p.name); err != nil {
		tx.Rollback()
		return storeErr("put", p.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (partition, key, data, stored_at) VALUES (?, ?, ?, ?)",
		p.name, key.String(), data, entry.StoredAt.Unix()); err != nil {
		tx.Rollback()
		return storeErr("put", p.name, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("put", p.name, err)
	}

	recordWrite(p.name)
	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key Key) error {
	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()

	if _, err := p.store.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key.String()); err != nil {
		return storeErr("delete", p.name, err)
	}
	return nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]Key, error) {
	rows, err := p.store.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY key", p.name)
	if err != nil {
		return nil, storeErr("keys", p.name, err)
	}
	defer rows.Close()

	keys := make([]Key, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeErr("keys", p.name, err)
		}
		k, err := ParseKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("keys", p.name, err)
	}
	return keys, nil
}
