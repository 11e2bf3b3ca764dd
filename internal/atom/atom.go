// Package atom frames notification payloads as Atom feed documents.
// gofeed only parses, so output framing is done here with
// encoding/xml.
package atom

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/pders01/hubbub/internal/feed"
	"github.com/pders01/hubbub/internal/storage"
)

const ContentType = "application/atom+xml"

type feedDoc struct {
	XMLName xml.Name   `xml:"http://www.w3.org/2005/Atom feed"`
	Title   string     `xml:"title,omitempty"`
	ID      string     `xml:"id"`
	Updated string     `xml:"updated"`
	Links   []linkDoc  `xml:"link"`
	Entries []entryDoc `xml:"entry"`
}

type linkDoc struct {
	Rel  string `xml:"rel,attr,omitempty"`
	Href string `xml:"href,attr"`
}

type entryDoc struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title,omitempty"`
	Updated   string      `xml:"updated"`
	Published string      `xml:"published,omitempty"`
	Links     []linkDoc   `xml:"link"`
	Content   *contentDoc `xml:"content,omitempty"`
	Source    *sourceDoc  `xml:"source,omitempty"`
}

type contentDoc struct {
	Type string `xml:"type,attr,omitempty"`
	Body string `xml:",chardata"`
}

// sourceDoc preserves the originating topic's identity when entries
// from several topics are batched into one delivery.
type sourceDoc struct {
	ID    string    `xml:"id"`
	Title string    `xml:"title,omitempty"`
	Links []linkDoc `xml:"link"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339)
}

func buildEntry(entry feed.Entry) entryDoc {
	doc := entryDoc{
		ID:      entry.ID,
		Title:   entry.Title,
		Updated: formatTime(entry.Updated),
	}
	if !entry.Published.IsZero() {
		doc.Published = formatTime(entry.Published)
	}
	if entry.Link != "" {
		doc.Links = append(doc.Links, linkDoc{Rel: "alternate", Href: entry.Link})
	}
	if entry.Content != "" {
		doc.Content = &contentDoc{Type: "html", Body: entry.Content}
	}
	return doc
}

func marshal(doc *feedDoc) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling atom document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// FrameDelta renders a single topic's delta entries as an Atom feed
// document, reproducing the topic's feed-level identity exactly.
func FrameDelta(topic *storage.Topic, entries []feed.Entry) ([]byte, error) {
	id := topic.AtomID
	if id == "" {
		id = topic.URL
	}

	doc := &feedDoc{
		Title:   topic.Title,
		ID:      id,
		Updated: formatTime(topic.FeedUpdated),
	}
	if topic.SelfLink != "" {
		doc.Links = append(doc.Links, linkDoc{Rel: "self", Href: topic.SelfLink})
	}
	if topic.HubLink != "" {
		doc.Links = append(doc.Links, linkDoc{Rel: "hub", Href: topic.HubLink})
	}

	for _, entry := range entries {
		doc.Entries = append(doc.Entries, buildEntry(entry))
	}

	return marshal(doc)
}

// BatchItem pairs one topic with its delta entries for a combined
// delivery to a single subscriber.
type BatchItem struct {
	Topic   *storage.Topic
	Entries []feed.Entry
}

// FrameBatch renders deltas from multiple topics for one subscriber.
// Each entry is wrapped with a synthesized source element carrying the
// origin topic's identity, since the entries themselves may lack one.
func FrameBatch(hubURL string, items []BatchItem) ([]byte, error) {
	doc := &feedDoc{
		Title:   "Aggregated updates",
		ID:      hubURL,
		Updated: formatTime(time.Time{}),
	}
	if hubURL != "" {
		doc.Links = append(doc.Links, linkDoc{Rel: "hub", Href: hubURL})
	}

	for _, item := range items {
		source := &sourceDoc{
			ID:    item.Topic.AtomID,
			Title: item.Topic.Title,
		}
		if source.ID == "" {
			source.ID = item.Topic.URL
		}
		if item.Topic.SelfLink != "" {
			source.Links = append(source.Links, linkDoc{Rel: "self", Href: item.Topic.SelfLink})
		}

		for _, entry := range item.Entries {
			entryDoc := buildEntry(entry)
			entryDoc.Source = source
			doc.Entries = append(doc.Entries, entryDoc)
		}
	}

	return marshal(doc)
}
