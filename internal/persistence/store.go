package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SpillStore is the secondary storage behind the work queue. Items come back
// out in the order they went in.
type SpillStore interface {
	// Push appends items.
	Push(ctx context.Context, items ...[]string) error
	// Pop removes and returns up to n of the oldest items.
	Pop(ctx context.Context, n int) ([][]string, error)
	// Len returns the number of stored items.
	Len(ctx context.Context) (int, error)
	// Clear removes every item and returns how many were dropped.
	Clear(ctx context.Context) (int, error)
	// Close releases the store and any files it owns.
	Close() error
}

// SQLiteStore implements SpillStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string // removed on Close; empty for memory stores
}

// NewSQLiteStore creates a spill database named after jobID inside dir.
// An empty dir means the OS temp directory. The file is deleted on Close.
func NewSQLiteStore(ctx context.Context, dir, jobID string) (*SQLiteStore, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}
	dbPath := filepath.Join(dir, fmt.Sprintf("corb-queue-%s.db", jobID))

	// Note: modernc.org/sqlite takes pragmas as _pragma query parameters
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(OFF)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer is all the queue ever needs.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.initSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named shared-cache database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Path returns the database file, or "" for memory stores.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Push(ctx context.Context, items ...[]string) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin push: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO spill_queue (uris) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare push: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encoding item: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("inserting item: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Pop(ctx context.Context, n int) ([][]string, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pop: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, uris FROM spill_queue ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("selecting items: %w", err)
	}

	var (
		items [][]string
		last  int64
	)
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		var item []string
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding item %d: %w", id, err)
		}
		items = append(items, item)
		last = id
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return nil, fmt.Errorf("reading items: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM spill_queue WHERE id <= ?`, last); err != nil {
		return nil, fmt.Errorf("deleting items: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pop: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spill_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting items: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spill_queue`)
	if err != nil {
		return 0, fmt.Errorf("clearing items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database connection and removes the database files.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if s.path != "" {
		for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
			if rerr := os.Remove(p); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				err = errors.Join(err, rerr)
			}
		}
	}
	return err
}
