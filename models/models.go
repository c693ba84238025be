package models

// Entry is one normalized feed item, regardless of source vocabulary.
// Timestamps are kept as the ISO-8601 strings they arrive as; parsing only
// happens when the retention log is sorted.
type Entry struct {
	Id         string `json:"id"`
	Title      string `json:"title"`
	Link       string `json:"link"`
	Summary    string `json:"summary"`
	Source     string `json:"source"`
	Published  string `json:"published"`
	ReceivedAt string `json:"receivedAt"`
}

// DedupKey returns the identity used for retention-log deduplication.
// Empty means the entry cannot be deduplicated and is dropped from the log.
func (e Entry) DedupKey() string {
	if e.Id != "" {
		return e.Id
	}
	return e.Link
}

// BroadcastPayload is the body of the internal hub broadcast call
type BroadcastPayload struct {
	Entries []Entry `json:"entries"`
}
