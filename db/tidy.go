package db

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Tidy re-runs the dedup, sort and truncate pass over the stored retention
// log without adding anything. Useful after lowering the retention limit, or
// to repair a log written by an older version.
func Tidy(database string, limit int) error {
	store, err := NewStore(database, limit)
	if err != nil {
		return err
	}
	defer store.Close()

	log.WithFields(log.Fields{
		"limit": limit,
	}).Info("Tidying retention log")

	return store.MergeAndPersist(context.Background(), nil)
}
