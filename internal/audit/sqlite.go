package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const createRequestsTable = `CREATE TABLE IF NOT EXISTS requests(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	request_id TEXT,
	ip TEXT,
	message TEXT,
	status TEXT NOT NULL,
	extra TEXT
)`

// SQLiteSink inserts entries into a requests table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createRequestsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating requests table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Write inserts e.
func (s *SQLiteSink) Write(ctx context.Context, e Entry) error {
	extra, err := json.Marshal(e.Extra)
	if err != nil {
		return fmt.Errorf("encoding extra: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests(ts, request_id, ip, message, status, extra) VALUES(?,?,?,?,?,?)`,
		e.TS, e.RequestID, e.IP, e.Message, string(e.Status), string(extra))
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Count returns the number of stored entries with status, or all entries
// when status is empty.
func (s *SQLiteSink) Count(ctx context.Context, status Status) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE status = ?`, string(status)).Scan(&n)
	}
	return n, err
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
