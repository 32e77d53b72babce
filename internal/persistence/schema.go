package persistence

import (
	"context"
)

// initSchema creates the spill table if it doesn't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS spill_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uris TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
