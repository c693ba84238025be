package db

import (
	"sort"
	"time"

	"feedrelay/models"

	"github.com/samber/lo"
)

// Layouts tried when sorting the retention log. Feeds in the wild disagree
// about date formats, so we try the common ones before giving up.
var timeLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822,
	time.RFC822Z,
	time.RFC850,
	time.ANSIC,
	time.UnixDate,
	time.RubyDate,
	"Mon, 02 Jan 2006 15:04:05 -0700", // common RSS custom format
}

// Merge folds incoming entries into the stored retention log. Incoming
// entries are placed before the stored ones so that a redelivered id keeps
// its latest content; the first occurrence of each dedup key wins. The
// result is sorted by published time, newest first, and capped at limit.
func Merge(incoming []models.Entry, existing []models.Entry, limit int) []models.Entry {
	combined := append(append([]models.Entry{}, incoming...), existing...)

	keyed := lo.Filter(combined, func(e models.Entry, _ int) bool {
		return e.DedupKey() != ""
	})
	deduped := lo.UniqBy(keyed, models.Entry.DedupKey)

	// Stable so entries with equal (or equally unparseable) timestamps keep
	// their dedup order.
	sort.SliceStable(deduped, func(i, j int) bool {
		return sortTime(deduped[i]).After(sortTime(deduped[j]))
	})

	if len(deduped) > limit {
		deduped = deduped[:limit]
	}

	return deduped
}

// sortTime resolves the ordering timestamp of an entry: its published field,
// falling back to the time we received it, falling back to the epoch so that
// unparseable entries sink to the end of the log.
func sortTime(e models.Entry) time.Time {
	if t, ok := parseTime(e.Published); ok {
		return t
	}
	if t, ok := parseTime(e.ReceivedAt); ok {
		return t
	}
	return time.Unix(0, 0)
}

func parseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
