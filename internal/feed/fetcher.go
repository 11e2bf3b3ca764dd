package feed

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pders01/hubbub/internal/config"
	"github.com/pders01/hubbub/internal/storage"
)

type Fetcher struct {
	client    *http.Client
	userAgent string
}

func NewFetcher(cfg *config.Config) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Feed.HTTPTimeout,
		},
		userAgent: cfg.Feed.UserAgent,
	}
}

// Fetch performs a conditional GET of the topic URL. It returns the
// HTTP response and true when there is a fresh body to parse, or
// (nil, false, nil) on a 304 cache hit. subscribers is advertised to
// the publisher via the X-Hub-Subscribers header when positive.
func (f *Fetcher) Fetch(topic *storage.Topic, subscribers int) (*http.Response, bool, error) {
	req, err := http.NewRequest("GET", topic.URL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/atom+xml, application/xml, text/xml")

	if subscribers > 0 {
		req.Header.Set("X-Hub-Subscribers", strconv.Itoa(subscribers))
	}

	if topic.ETag != "" {
		req.Header.Set("If-None-Match", topic.ETag)
	}

	if topic.LastModified != "" {
		req.Header.Set("If-Modified-Since", topic.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetching topic: %w", err)
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return nil, false, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, false, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	return resp, true, nil
}

// UpdateTopicMetadata records caching headers after a successful
// fetch so the next poll can be conditional.
func (f *Fetcher) UpdateTopicMetadata(topic *storage.Topic, resp *http.Response) {
	if etag := resp.Header.Get("ETag"); etag != "" {
		topic.ETag = etag
	}

	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		topic.LastModified = lastMod
	}

	topic.LastFetch = time.Now().UTC()
}
