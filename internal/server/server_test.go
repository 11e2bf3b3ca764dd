package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/hubbub/internal/config"
	"github.com/pders01/hubbub/internal/hub"
	"github.com/pders01/hubbub/internal/storage"
)

func setupTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.TestConfig()
	h := hub.New(store, cfg)
	h.Start()
	t.Cleanup(h.Stop)

	return New(h, cfg), store
}

func postForm(t *testing.T, s *Server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	return w
}

func TestServer_SyncSubscribe(t *testing.T) {
	subscriber := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer subscriber.Close()

	s, store := setupTestServer(t)

	w := postForm(t, s, "/", url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {subscriber.URL},
		"hub.topic":    {"http://pub.example/feed"},
		"hub.verify":   {"sync"},
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	sub, err := store.GetSubscription("http://pub.example/feed", subscriber.URL)
	require.NoError(t, err)
	assert.Equal(t, storage.StateVerified, sub.State)
}

func TestServer_SyncSubscribeRejected(t *testing.T) {
	subscriber := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer subscriber.Close()

	s, _ := setupTestServer(t)

	w := postForm(t, s, "/", url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {subscriber.URL},
		"hub.topic":    {"http://pub.example/feed"},
		"hub.verify":   {"sync"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_AsyncSubscribeAccepted(t *testing.T) {
	subscriber := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer subscriber.Close()

	s, store := setupTestServer(t)

	w := postForm(t, s, "/subscribe", url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {subscriber.URL},
		"hub.topic":    {"http://pub.example/feed"},
		"hub.verify":   {"async"},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	assert.Eventually(t, func() bool {
		sub, err := store.GetSubscription("http://pub.example/feed", subscriber.URL)
		return err == nil && sub.State == storage.StateVerified
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_UnsubscribeUnknownPair(t *testing.T) {
	s, _ := setupTestServer(t)

	w := postForm(t, s, "/", url.Values{
		"hub.mode":     {"unsubscribe"},
		"hub.callback": {"http://cb.example/hook"},
		"hub.topic":    {"http://pub.example/feed"},
		"hub.verify":   {"sync"},
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestServer_Publish(t *testing.T) {
	s, store := setupTestServer(t)

	topic, err := store.EnsureTopic("http://pub.example/feed")
	require.NoError(t, err)
	topic.NextFetch = time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.SaveTopic(topic))

	w := postForm(t, s, "/publish", url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {"http://pub.example/feed", "http://pub.example/other"},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)

	topic, err = store.GetTopic("http://pub.example/feed")
	require.NoError(t, err)
	assert.False(t, topic.NextFetch.After(time.Now().UTC()))
}

func TestServer_BadRequests(t *testing.T) {
	s, _ := setupTestServer(t)

	tests := []struct {
		name string
		path string
		form url.Values
	}{
		{
			name: "missing hub.mode",
			path: "/",
			form: url.Values{
				"hub.callback": {"http://cb.example/hook"},
				"hub.topic":    {"http://pub.example/feed"},
			},
		},
		{
			name: "invalid hub.mode",
			path: "/",
			form: url.Values{
				"hub.mode":     {"resubscribe"},
				"hub.callback": {"http://cb.example/hook"},
				"hub.topic":    {"http://pub.example/feed"},
			},
		},
		{
			name: "missing hub.callback",
			path: "/subscribe",
			form: url.Values{
				"hub.mode":  {"subscribe"},
				"hub.topic": {"http://pub.example/feed"},
			},
		},
		{
			name: "callback with fragment",
			path: "/subscribe",
			form: url.Values{
				"hub.mode":     {"subscribe"},
				"hub.callback": {"http://cb.example/hook#frag"},
				"hub.topic":    {"http://pub.example/feed"},
			},
		},
		{
			name: "non-http topic",
			path: "/subscribe",
			form: url.Values{
				"hub.mode":     {"subscribe"},
				"hub.callback": {"http://cb.example/hook"},
				"hub.topic":    {"ftp://pub.example/feed"},
			},
		},
		{
			name: "invalid hub.verify value",
			path: "/subscribe",
			form: url.Values{
				"hub.mode":     {"subscribe"},
				"hub.callback": {"http://cb.example/hook"},
				"hub.topic":    {"http://pub.example/feed"},
				"hub.verify":   {"sometimes"},
			},
		},
		{
			name: "negative lease",
			path: "/subscribe",
			form: url.Values{
				"hub.mode":          {"subscribe"},
				"hub.callback":      {"http://cb.example/hook"},
				"hub.topic":         {"http://pub.example/feed"},
				"hub.lease_seconds": {"-5"},
			},
		},
		{
			name: "publish without hub.url",
			path: "/publish",
			form: url.Values{"hub.mode": {"publish"}},
		},
		{
			name: "publish with invalid hub.url",
			path: "/publish",
			form: url.Values{
				"hub.mode": {"publish"},
				"hub.url":  {"not a url"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postForm(t, s, tt.path, tt.form)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s, _ := setupTestServer(t)

	for _, path := range []string{"/", "/subscribe", "/publish"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
}

func TestParseVerifyModes(t *testing.T) {
	tests := []struct {
		raw     string
		want    []string
		wantErr bool
	}{
		{"", []string{"sync"}, false},
		{"sync", []string{"sync"}, false},
		{"async", []string{"async"}, false},
		{"async, sync", []string{"async", "sync"}, false},
		{"SYNC", []string{"sync"}, false},
		{"maybe", nil, true},
		{"sync,maybe", nil, true},
	}

	for _, tt := range tests {
		got, err := parseVerifyModes(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseVerifyModes(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseVerifyModes(%q): %v", tt.raw, err)
			continue
		}
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
