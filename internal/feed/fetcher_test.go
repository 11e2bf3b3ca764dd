package feed

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pders01/hubbub/internal/config"
	"github.com/pders01/hubbub/internal/storage"
)

func TestFetcher_Fetch(t *testing.T) {
	tests := []struct {
		name           string
		topic          *storage.Topic
		subscribers    int
		serverResponse func(t *testing.T, w http.ResponseWriter, r *http.Request)
		expectFresh    bool
		expectError    bool
	}{
		{
			name:        "successful fetch advertises subscriber count",
			topic:       &storage.Topic{},
			subscribers: 42,
			serverResponse: func(t *testing.T, w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("User-Agent") != "hubbub-test/1.0" {
					t.Errorf("unexpected User-Agent: %s", r.Header.Get("User-Agent"))
				}
				if r.Header.Get("X-Hub-Subscribers") != "42" {
					t.Errorf("expected X-Hub-Subscribers 42, got %s", r.Header.Get("X-Hub-Subscribers"))
				}
				w.Header().Set("ETag", "\"123\"")
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("<feed xmlns=\"http://www.w3.org/2005/Atom\"></feed>"))
			},
			expectFresh: true,
			expectError: false,
		},
		{
			name:        "zero subscribers omits the header",
			topic:       &storage.Topic{},
			subscribers: 0,
			serverResponse: func(t *testing.T, w http.ResponseWriter, r *http.Request) {
				if _, ok := r.Header["X-Hub-Subscribers"]; ok {
					t.Error("expected X-Hub-Subscribers to be absent")
				}
				w.WriteHeader(http.StatusOK)
			},
			expectFresh: true,
			expectError: false,
		},
		{
			name:  "not modified response with ETag",
			topic: &storage.Topic{ETag: "\"123\""},
			serverResponse: func(t *testing.T, w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("If-None-Match") != "\"123\"" {
					t.Errorf("expected If-None-Match \"123\", got %s", r.Header.Get("If-None-Match"))
				}
				w.WriteHeader(http.StatusNotModified)
			},
			expectFresh: false,
			expectError: false,
		},
		{
			name:  "not modified response with Last-Modified",
			topic: &storage.Topic{LastModified: "Wed, 01 Jan 2025 00:00:00 GMT"},
			serverResponse: func(t *testing.T, w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("If-Modified-Since") != "Wed, 01 Jan 2025 00:00:00 GMT" {
					t.Errorf("expected If-Modified-Since header")
				}
				w.WriteHeader(http.StatusNotModified)
			},
			expectFresh: false,
			expectError: false,
		},
		{
			name:  "server error",
			topic: &storage.Topic{},
			serverResponse: func(t *testing.T, w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			expectFresh: false,
			expectError: true,
		},
		{
			name:  "not found",
			topic: &storage.Topic{},
			serverResponse: func(t *testing.T, w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			expectFresh: false,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tt.serverResponse(t, w, r)
			}))
			defer server.Close()

			tt.topic.URL = server.URL
			fetcher := NewFetcher(config.TestConfig())

			resp, fresh, err := fetcher.Fetch(tt.topic, tt.subscribers)

			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if fresh != tt.expectFresh {
				t.Errorf("expected fresh=%v, got %v", tt.expectFresh, fresh)
			}
			if resp != nil {
				resp.Body.Close()
			}
		})
	}
}

func TestFetcher_UpdateTopicMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", "\"v2\"")
		w.Header().Set("Last-Modified", "Thu, 02 Jan 2025 00:00:00 GMT")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	topic := &storage.Topic{URL: server.URL}
	fetcher := NewFetcher(config.TestConfig())

	resp, fresh, err := fetcher.Fetch(topic, 1)
	if err != nil || !fresh {
		t.Fatalf("unexpected fetch result: fresh=%v err=%v", fresh, err)
	}
	defer resp.Body.Close()

	fetcher.UpdateTopicMetadata(topic, resp)

	if topic.ETag != "\"v2\"" {
		t.Errorf("expected ETag to be recorded, got %s", topic.ETag)
	}
	if topic.LastModified != "Thu, 02 Jan 2025 00:00:00 GMT" {
		t.Errorf("expected Last-Modified to be recorded, got %s", topic.LastModified)
	}
	if topic.LastFetch.IsZero() {
		t.Error("expected last fetch time to be set")
	}
}
