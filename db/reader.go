package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

// Reader serves the snapshot endpoint from its own read-only connection so
// snapshot reads never queue behind the single writer.
type Reader struct {
	db *sql.DB
}

func NewReader(database string) (*Reader, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?mode=ro&_pragma=journal_mode(WAL)", database))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow multiple concurrent readers
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(time.Hour)

	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA temp_store = MEMORY;
	`); err != nil {
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	return &Reader{db: db}, nil
}

func (reader *Reader) Close() error {
	return reader.db.Close()
}

// Snapshot returns the last persisted retention log verbatim, or an empty
// JSON array when nothing has been persisted yet.
func (reader *Reader) Snapshot(ctx context.Context) (string, error) {
	sb := sqlbuilder.NewSelectBuilder()
	query, args := sb.Select("value").From("kv").Where(sb.Equal("key", LatestKey)).Build()

	var value string
	err := reader.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err == sql.ErrNoRows {
		return "[]", nil
	}
	if err != nil {
		return "", fmt.Errorf("query error: %w", err)
	}

	return value, nil
}
