package feed

import (
	"time"

	"github.com/pders01/hubbub/internal/storage"
)

// EntryClass is the result of classifying one fetched entry against
// the topic's recorded fingerprint.
type EntryClass int

const (
	// ClassNew marks an entry whose identity has never been seen.
	ClassNew EntryClass = iota
	// ClassChanged marks a known entry republished with a newer
	// updated timestamp.
	ClassChanged
	// ClassContext marks an entry included in the response body for
	// context only; it must never appear in a delta.
	ClassContext
)

// ClassifyEntry decides whether one entry is part of the delta.
// fingerprint maps previously seen entry IDs to their last updated
// timestamp; feedUpdatedFloor is the feed-level updated value recorded
// on the previous successful fetch. An entry older than that floor is
// context even if its identity is unknown, since publishers routinely
// pad responses with historical entries.
func ClassifyEntry(entry Entry, fingerprint map[string]time.Time, feedUpdatedFloor time.Time) EntryClass {
	if !feedUpdatedFloor.IsZero() && entry.Updated.Before(feedUpdatedFloor) {
		return ClassContext
	}

	prev, seen := fingerprint[entry.ID]
	if !seen {
		return ClassNew
	}
	if entry.Updated.After(prev) {
		return ClassChanged
	}
	return ClassContext
}

// ComputeDelta returns the new and changed entries of a fetched
// document against the topic's fingerprint, preserving document
// order.
func ComputeDelta(topic *storage.Topic, doc *Document) []Entry {
	var delta []Entry
	for _, entry := range doc.Entries {
		switch ClassifyEntry(entry, topic.Fingerprint, topic.FeedUpdated) {
		case ClassNew, ClassChanged:
			delta = append(delta, entry)
		}
	}
	return delta
}

// ApplyFetch folds a successfully fetched document into the topic
// record. The fingerprint and updated floor advance unconditionally,
// even for an empty delta, so unchanged content is not re-diffed on
// the next poll.
func ApplyFetch(topic *storage.Topic, doc *Document) {
	if topic.Fingerprint == nil {
		topic.Fingerprint = make(map[string]time.Time)
	}
	for _, entry := range doc.Entries {
		if prev, ok := topic.Fingerprint[entry.ID]; !ok || entry.Updated.After(prev) {
			topic.Fingerprint[entry.ID] = entry.Updated
		}
	}

	if doc.Updated.After(topic.FeedUpdated) {
		topic.FeedUpdated = doc.Updated
	}

	if doc.AtomID != "" {
		topic.AtomID = doc.AtomID
	} else if topic.AtomID == "" {
		topic.AtomID = topic.URL
	}
	if doc.Title != "" {
		topic.Title = doc.Title
	}
	if doc.SelfLink != "" {
		topic.SelfLink = doc.SelfLink
	}
	if doc.HubLink != "" {
		topic.HubLink = doc.HubLink
	}

	topic.FetchFailures = 0
}
