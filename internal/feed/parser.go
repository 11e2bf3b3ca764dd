package feed

import (
	"fmt"
	"io"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
)

// Document is the reduced view of a fetched feed: identity and
// metadata at the feed level plus the ordered entry list.
type Document struct {
	AtomID   string
	Title    string
	SelfLink string
	HubLink  string
	Updated  time.Time
	Entries  []Entry
}

// Entry carries the identity set the hub diffs on, plus the content
// echoed back out in notification payloads.
type Entry struct {
	ID        string
	Title     string
	Link      string
	Updated   time.Time
	Published time.Time
	Content   string
}

type Parser struct {
	parser *gofeed.Parser
}

func NewParser() *Parser {
	fp := gofeed.NewParser()
	fp.AtomTranslator = &atomMetaTranslator{
		defaultTranslator: &gofeed.DefaultAtomTranslator{},
	}

	return &Parser{
		parser: fp,
	}
}

// atomMetaTranslator wraps the default Atom translation to keep the
// feed-level metadata gofeed drops: the atom id and the self and hub
// link relations. They ride along in the Custom map.
type atomMetaTranslator struct {
	defaultTranslator *gofeed.DefaultAtomTranslator
}

func (t *atomMetaTranslator) Translate(feed interface{}) (*gofeed.Feed, error) {
	f, err := t.defaultTranslator.Translate(feed)
	if err != nil {
		return nil, err
	}

	af, ok := feed.(*atom.Feed)
	if !ok {
		return f, nil
	}

	if f.Custom == nil {
		f.Custom = make(map[string]string)
	}
	f.Custom["id"] = af.ID
	for _, link := range af.Links {
		if link == nil {
			continue
		}
		switch link.Rel {
		case "self":
			f.Custom["self"] = link.Href
		case "hub":
			f.Custom["hub"] = link.Href
		}
	}

	return f, nil
}

func (p *Parser) Parse(reader io.Reader) (*Document, error) {
	parsed, err := p.parser.Parse(reader)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	doc := &Document{
		Title: parsed.Title,
	}

	if parsed.FeedLink != "" {
		doc.AtomID = parsed.FeedLink
		doc.SelfLink = parsed.FeedLink
	}
	if id := parsed.Custom["id"]; id != "" {
		doc.AtomID = id
	}
	if self := parsed.Custom["self"]; self != "" {
		doc.SelfLink = self
	}
	doc.HubLink = parsed.Custom["hub"]

	if parsed.UpdatedParsed != nil {
		doc.Updated = parsed.UpdatedParsed.UTC()
	}

	doc.Entries = make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entry := Entry{
			ID:      entryIdentity(item),
			Title:   item.Title,
			Link:    item.Link,
			Content: getContent(item),
		}

		if item.UpdatedParsed != nil {
			entry.Updated = item.UpdatedParsed.UTC()
		} else if item.PublishedParsed != nil {
			entry.Updated = item.PublishedParsed.UTC()
		}

		if item.PublishedParsed != nil {
			entry.Published = item.PublishedParsed.UTC()
		}

		doc.Entries = append(doc.Entries, entry)
	}

	// Feeds without a feed-level updated element are bounded by their
	// newest entry instead.
	if doc.Updated.IsZero() {
		for _, entry := range doc.Entries {
			if entry.Updated.After(doc.Updated) {
				doc.Updated = entry.Updated
			}
		}
	}

	return doc, nil
}

// entryIdentity prefers atom:id (gofeed exposes it as GUID), falling
// back to the entry link for feeds that omit IDs.
func entryIdentity(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func getContent(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}
