package db_test

import (
	"fmt"
	"testing"
	"time"

	"feedrelay/db"
	"feedrelay/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(id string, published time.Time) models.Entry {
	return models.Entry{
		Id:         id,
		Title:      "Title " + id,
		Link:       "https://example.com/" + id,
		Source:     "Example",
		Published:  published.Format(time.RFC3339),
		ReceivedAt: published.Format(time.RFC3339),
	}
}

func TestMergeIdempotent(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	entry := entryAt("a", base)

	merged := db.Merge([]models.Entry{entry}, []models.Entry{entry}, 100)

	require.Len(t, merged, 1)
	assert.Equal(t, "a", merged[0].Id)
}

func TestMergeNewContentWins(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	stale := entryAt("a", base)
	stale.Title = "Old title"
	corrected := entryAt("a", base)
	corrected.Title = "Corrected title"

	// Incoming entries are concatenated before stored ones, so the
	// redelivered copy replaces the stale stored one.
	merged := db.Merge([]models.Entry{corrected}, []models.Entry{stale}, 100)

	require.Len(t, merged, 1)
	assert.Equal(t, "Corrected title", merged[0].Title)
}

func TestMergeOrdersByPublishedDescending(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	oldest := entryAt("oldest", base.Add(-2*time.Hour))
	middle := entryAt("middle", base.Add(-1*time.Hour))
	newest := entryAt("newest", base)

	tests := []struct {
		name     string
		incoming []models.Entry
		existing []models.Entry
	}{
		{
			name:     "already ordered",
			incoming: []models.Entry{newest, middle, oldest},
		},
		{
			name:     "reversed",
			incoming: []models.Entry{oldest, middle, newest},
		},
		{
			name:     "split across incoming and stored",
			incoming: []models.Entry{middle},
			existing: []models.Entry{oldest, newest},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := db.Merge(tt.incoming, tt.existing, 100)
			require.Len(t, merged, 3)
			assert.Equal(t, "newest", merged[0].Id)
			assert.Equal(t, "middle", merged[1].Id)
			assert.Equal(t, "oldest", merged[2].Id)
		})
	}
}

func TestMergeTruncatesToLimit(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	var incoming []models.Entry
	for i := 0; i < 150; i++ {
		incoming = append(incoming, entryAt(fmt.Sprintf("e%03d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	merged := db.Merge(incoming, nil, 100)

	require.Len(t, merged, 100)
	// The 100 most recent survive, newest first
	assert.Equal(t, "e149", merged[0].Id)
	assert.Equal(t, "e050", merged[99].Id)
}

func TestMergeSkipsEntriesWithoutIdentity(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	anonymous := models.Entry{Title: "no id or link", Published: base.Format(time.RFC3339)}
	linked := models.Entry{Link: "https://example.com/l", Published: base.Format(time.RFC3339)}

	merged := db.Merge([]models.Entry{anonymous, linked}, nil, 100)

	require.Len(t, merged, 1)
	assert.Equal(t, "https://example.com/l", merged[0].Link)
}

func TestMergeLinkUsedAsDedupKey(t *testing.T) {
	a := models.Entry{Link: "https://example.com/same", Title: "first"}
	b := models.Entry{Link: "https://example.com/same", Title: "second"}

	merged := db.Merge([]models.Entry{a, b}, nil, 100)

	require.Len(t, merged, 1)
	assert.Equal(t, "first", merged[0].Title)
}

func TestMergeUnparseableTimestampsSinkToEnd(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	dated := entryAt("dated", base)
	undated := models.Entry{Id: "undated", Published: "not a date", ReceivedAt: "also not a date"}

	merged := db.Merge([]models.Entry{undated, dated}, nil, 100)

	require.Len(t, merged, 2)
	assert.Equal(t, "dated", merged[0].Id)
	assert.Equal(t, "undated", merged[1].Id)
}

func TestMergeFallsBackToReceivedAt(t *testing.T) {
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	dated := entryAt("dated", base.Add(-time.Hour))
	recent := models.Entry{
		Id:         "recent",
		Published:  "garbage",
		ReceivedAt: base.Format(time.RFC3339),
	}

	merged := db.Merge([]models.Entry{dated, recent}, nil, 100)

	require.Len(t, merged, 2)
	assert.Equal(t, "recent", merged[0].Id)
}

func TestMergeAcceptsCommonRSSDates(t *testing.T) {
	newer := models.Entry{Id: "rfc1123z", Published: "Mon, 02 Jun 2025 11:00:00 +0000"}
	older := models.Entry{Id: "rfc3339", Published: "2025-06-02T10:00:00Z"}

	merged := db.Merge([]models.Entry{older, newer}, nil, 100)

	require.Len(t, merged, 2)
	assert.Equal(t, "rfc1123z", merged[0].Id)
}
