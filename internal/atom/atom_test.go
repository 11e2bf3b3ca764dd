package atom

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/pders01/hubbub/internal/feed"
	"github.com/pders01/hubbub/internal/storage"
)

func sampleTopic() *storage.Topic {
	return &storage.Topic{
		URL:         "http://pub.example/feed",
		AtomID:      "urn:feed:example",
		Title:       "Example Feed",
		SelfLink:    "http://pub.example/feed",
		FeedUpdated: time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
	}
}

func sampleEntries() []feed.Entry {
	return []feed.Entry{
		{
			ID:      "urn:entry:1",
			Title:   "First",
			Link:    "http://pub.example/1",
			Updated: time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
			Content: "<p>hello</p>",
		},
	}
}

func TestFrameDelta(t *testing.T) {
	payload, err := FrameDelta(sampleTopic(), sampleEntries())
	if err != nil {
		t.Fatalf("unexpected framing error: %v", err)
	}

	body := string(payload)
	if !strings.HasPrefix(body, xml.Header) {
		t.Error("expected an XML declaration")
	}
	if !strings.Contains(body, "<id>urn:feed:example</id>") {
		t.Error("expected the topic's atom id to be reproduced exactly")
	}
	if !strings.Contains(body, "<id>urn:entry:1</id>") {
		t.Error("expected the delta entry to be present")
	}
	if strings.Contains(body, "<source>") {
		t.Error("single-topic framing must not synthesize source elements")
	}

	// The document must round-trip as valid XML.
	var parsed struct {
		XMLName xml.Name `xml:"feed"`
		ID      string   `xml:"id"`
		Entries []struct {
			ID string `xml:"id"`
		} `xml:"entry"`
	}
	if err := xml.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("framed payload is not valid XML: %v", err)
	}
	if parsed.ID != "urn:feed:example" {
		t.Errorf("round-tripped feed id = %s", parsed.ID)
	}
	if len(parsed.Entries) != 1 || parsed.Entries[0].ID != "urn:entry:1" {
		t.Errorf("round-tripped entries = %+v", parsed.Entries)
	}
}

func TestFrameDelta_FallsBackToTopicURL(t *testing.T) {
	topic := sampleTopic()
	topic.AtomID = ""

	payload, err := FrameDelta(topic, sampleEntries())
	if err != nil {
		t.Fatalf("unexpected framing error: %v", err)
	}

	if !strings.Contains(string(payload), "<id>http://pub.example/feed</id>") {
		t.Error("expected the topic URL as the fallback feed id")
	}
}

func TestFrameBatch_SynthesizesSource(t *testing.T) {
	other := &storage.Topic{
		URL:    "http://other.example/feed",
		Title:  "Other Feed",
		AtomID: "urn:feed:other",
	}

	payload, err := FrameBatch("http://hub.example/", []BatchItem{
		{Topic: sampleTopic(), Entries: sampleEntries()},
		{Topic: other, Entries: []feed.Entry{{ID: "urn:entry:9", Updated: time.Now()}}},
	})
	if err != nil {
		t.Fatalf("unexpected framing error: %v", err)
	}

	var parsed struct {
		Entries []struct {
			ID     string `xml:"id"`
			Source struct {
				ID string `xml:"id"`
			} `xml:"source"`
		} `xml:"entry"`
	}
	if err := xml.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("framed payload is not valid XML: %v", err)
	}

	if len(parsed.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(parsed.Entries))
	}
	if parsed.Entries[0].Source.ID != "urn:feed:example" {
		t.Errorf("first entry source = %s", parsed.Entries[0].Source.ID)
	}
	if parsed.Entries[1].Source.ID != "urn:feed:other" {
		t.Errorf("second entry source = %s", parsed.Entries[1].Source.ID)
	}
}
