package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"feedrelay/models"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

// LatestKey is the single key the retention log is stored under.
const LatestKey = "latest"

// DefaultLimit is the retention log cap.
const DefaultLimit = 100

// Store is the write side of the key-value backing store.
type Store struct {
	db    *sql.DB
	limit int
}

func NewStore(database string, limit int) (*Store, error) {
	db, err := connection(database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if limit <= 0 {
		limit = DefaultLimit
	}

	return &Store{db: db, limit: limit}, nil
}

func (store *Store) Close() error {
	return store.db.Close()
}

// Get returns the raw value stored under key, or "" when the key is absent.
func (store *Store) Get(ctx context.Context, key string) (string, error) {
	sb := sqlbuilder.NewSelectBuilder()
	query, args := sb.Select("value").From("kv").Where(sb.Equal("key", key)).Build()

	var value string
	err := store.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query error: %w", err)
	}

	return value, nil
}

// Put replaces the value under key with a single write.
func (store *Store) Put(ctx context.Context, key string, value string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := store.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key,
		value,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}

	return nil
}

// MergeAndPersist folds freshly parsed entries into the stored retention log
// and writes the result back under the latest key. A stored value that fails
// to decode is treated as an empty log, not an error; the log rebuilds
// itself from subsequent deliveries.
func (store *Store) MergeAndPersist(ctx context.Context, entries []models.Entry) error {
	raw, err := store.Get(ctx, LatestKey)
	if err != nil {
		return err
	}

	var existing []models.Entry
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Warn("Stored retention log is unreadable, starting from empty")
			existing = nil
		}
	}

	merged := Merge(entries, existing, store.limit)

	serialized, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	log.WithFields(log.Fields{
		"incoming": len(entries),
		"stored":   len(existing),
		"kept":     len(merged),
	}).Info("Persisting retention log")

	return store.Put(ctx, LatestKey, string(serialized))
}
