package feed

import (
	"encoding/xml"
	"strings"
	"time"

	"feedrelay/models"
)

// document tolerates both RSS 2.0 (<rss><channel><item>) and Atom
// (<feed><entry>) shapes. Unmarshalling ignores the root element name, so a
// single struct covers both: RSS documents populate Channel, Atom documents
// populate Title and Entries directly. A document is expected to carry only
// one vocabulary, but nothing enforces that; all item-like nodes are unioned.
type document struct {
	Channel *channel `xml:"channel"`
	Title   string   `xml:"title"`
	Entries []node   `xml:"entry"`
}

type channel struct {
	Title   string `xml:"title"`
	Items   []node `xml:"item"`
	Entries []node `xml:"entry"`
}

type node struct {
	Title       string `xml:"title"`
	Links       []link `xml:"link"`
	Guid        string `xml:"guid"`
	Id          string `xml:"id"`
	Summary     string `xml:"summary"`
	Description string `xml:"description"`
	Published   string `xml:"published"`
	Updated     string `xml:"updated"`
	PubDate     string `xml:"pubDate"`
}

// link covers both the Atom form (<link rel="alternate" href="..."/>) and
// the RSS form (<link>https://...</link>)
type link struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
	Text string `xml:",chardata"`
}

// Parse normalizes a raw RSS 2.0 or Atom document into entries, in document
// order. The topic hint is only used as the source name when the document
// carries no channel or feed title. A non-nil error always comes with an
// empty entry list; callers log it and move on, a malformed delivery must
// never abort the request that carried it.
func Parse(raw string, topicHint string) ([]models.Entry, error) {
	var doc document
	if err := xml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}

	source := resolveSource(&doc, topicHint)
	now := time.Now().UTC().Format(time.RFC3339)

	var nodes []node
	if doc.Channel != nil {
		nodes = append(nodes, doc.Channel.Items...)
		nodes = append(nodes, doc.Channel.Entries...)
	}
	nodes = append(nodes, doc.Entries...)

	entries := make([]models.Entry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, normalize(n, source, now))
	}

	return entries, nil
}

func resolveSource(doc *document, topicHint string) string {
	if doc.Channel != nil {
		if title := strings.TrimSpace(doc.Channel.Title); title != "" {
			return title
		}
	}
	if title := strings.TrimSpace(doc.Title); title != "" {
		return title
	}
	if topicHint != "" {
		return topicHint
	}
	return "Unknown Source"
}

func normalize(n node, source string, now string) models.Entry {
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = "Untitled"
	}

	link := resolveLink(n.Links)

	id := strings.TrimSpace(n.Guid)
	if id == "" {
		id = strings.TrimSpace(n.Id)
	}
	if id == "" {
		id = link
	}

	summary := strings.TrimSpace(n.Summary)
	if summary == "" {
		summary = strings.TrimSpace(n.Description)
	}

	published := strings.TrimSpace(n.Published)
	if published == "" {
		published = strings.TrimSpace(n.Updated)
	}
	if published == "" {
		published = strings.TrimSpace(n.PubDate)
	}
	if published == "" {
		published = now
	}

	return models.Entry{
		Id:         id,
		Title:      title,
		Link:       link,
		Summary:    summary,
		Source:     source,
		Published:  published,
		ReceivedAt: now,
	}
}

// resolveLink picks a link the way browsers resolve feed links: the Atom
// alternate relation wins, then RSS link text, then any href at all.
func resolveLink(links []link) string {
	for _, l := range links {
		if l.Rel == "alternate" && l.Href != "" {
			return l.Href
		}
	}
	for _, l := range links {
		if text := strings.TrimSpace(l.Text); text != "" {
			return text
		}
	}
	for _, l := range links {
		if l.Href != "" {
			return l.Href
		}
	}
	return ""
}
