package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/record"
	"github.com/pkoval/intake/internal/source"
)

func newTestSocial(t *testing.T, apiBase string, settings map[string]any) *Social {
	t.Helper()
	if settings == nil {
		settings = map[string]any{}
	}
	settings["api_base"] = apiBase
	conn, err := NewSocial(source.Source{
		ID:         2,
		Kind:       source.KindSocial,
		Identifier: "some_handle",
		Name:       "Some Account",
		Settings:   settings,
	}, http.DefaultClient, zap.NewNop())
	if err != nil {
		t.Fatalf("new social connector: %v", err)
	}
	return conn.(*Social)
}

func timelineServer(t *testing.T, posts []socialPost, gotQuery *map[string]string, gotAuth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotQuery != nil {
			q := map[string]string{}
			for k := range r.URL.Query() {
				q[k] = r.URL.Query().Get(k)
			}
			*gotQuery = q
		}
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		_ = json.NewEncoder(w).Encode(posts)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSocialFetchPassesCursor(t *testing.T) {
	var query map[string]string
	srv := timelineServer(t, nil, &query, nil)
	s := newTestSocial(t, srv.URL, map[string]any{"max_items": 25})

	_, err := s.Fetch(context.Background(), &source.FetchState{LastSeenID: "900"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if query["since_id"] != "900" {
		t.Errorf("since_id = %q, want 900 (server-side cutoff)", query["since_id"])
	}
	if query["limit"] != "25" {
		t.Errorf("limit = %q, want 25", query["limit"])
	}
}

func TestSocialFetchNoPriorStateOmitsCursor(t *testing.T) {
	var query map[string]string
	srv := timelineServer(t, nil, &query, nil)
	s := newTestSocial(t, srv.URL, nil)

	if _, err := s.Fetch(context.Background(), nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, ok := query["since_id"]; ok {
		t.Error("since_id must be absent on first run")
	}
}

func TestSocialFetchSendsBearerToken(t *testing.T) {
	var auth string
	srv := timelineServer(t, nil, nil, &auth)
	s := newTestSocial(t, srv.URL, map[string]any{"api_token": "sekret"})

	if _, err := s.Fetch(context.Background(), nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if auth != "Bearer sekret" {
		t.Errorf("authorization = %q", auth)
	}
}

func TestSocialFetchYieldsOldestFirst(t *testing.T) {
	posts := []socialPost{
		{ID: "3", Text: "newest", CreatedAt: "2026-06-03T10:00:00Z"},
		{ID: "2", Text: "middle", CreatedAt: "2026-06-02T10:00:00Z"},
		{ID: "1", Text: "oldest", CreatedAt: "2026-06-01T10:00:00Z"},
	}
	srv := timelineServer(t, posts, nil, nil)
	s := newTestSocial(t, srv.URL, nil)

	items, err := s.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if got := items[0].(*socialPost).ID; got != "1" {
		t.Errorf("first = %s, want 1 (oldest)", got)
	}
	if got := items[2].(*socialPost).ID; got != "3" {
		t.Errorf("last = %s, want 3 (newest)", got)
	}
}

func TestSocialFetchGarbageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	t.Cleanup(srv.Close)
	s := newTestSocial(t, srv.URL, nil)

	_, err := s.Fetch(context.Background(), nil)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("expected ParseError, got %v", err)
	}
}

func TestSocialNormalize(t *testing.T) {
	s := newTestSocial(t, "https://api.example.com", nil)

	post, err := s.Normalize(&socialPost{
		ID:        "42",
		Text:      "A short thought.\nWith a second line.",
		URL:       "https://social.example.com/p/42",
		Author:    "someone",
		CreatedAt: "2026-06-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if post.Title != "A short thought." {
		t.Errorf("title = %q, want first line", post.Title)
	}
	if post.SourceGUID != "42" {
		t.Errorf("guid = %q", post.SourceGUID)
	}
	if post.Metadata["author"] != "someone" {
		t.Errorf("author = %q", post.Metadata["author"])
	}
	want := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	if !post.PublishedAt.Equal(want) {
		t.Errorf("published = %v, want %v", post.PublishedAt, want)
	}
}

func TestSocialNormalizeErrors(t *testing.T) {
	s := newTestSocial(t, "https://api.example.com", nil)

	t.Run("missing id", func(t *testing.T) {
		_, err := s.Normalize(&socialPost{Text: "x"})
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("expected ParseError, got %v", err)
		}
	})

	t.Run("bad timestamp", func(t *testing.T) {
		_, err := s.Normalize(&socialPost{ID: "1", Text: "x", CreatedAt: "yesterday"})
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("expected ParseError, got %v", err)
		}
	})

	t.Run("empty text skipped", func(t *testing.T) {
		post, err := s.Normalize(&socialPost{ID: "1"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if post != nil {
			t.Error("empty post should be skipped")
		}
	})
}

func TestSocialNextState(t *testing.T) {
	s := newTestSocial(t, "https://api.example.com", nil)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	st := s.NextState(&record.Post{SourceGUID: "1077"})
	if st.LastSeenID != "1077" {
		t.Errorf("last seen = %q, want 1077", st.LastSeenID)
	}
	if st.Meta["since_id"] != "1077" {
		t.Errorf("meta since_id = %q, want 1077", st.Meta["since_id"])
	}
	if !st.LastFetchAt.Equal(now) {
		t.Errorf("last fetch = %v, want %v", st.LastFetchAt, now)
	}
}
