package youtubeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/option"

	"github.com/onnwee/autowatch/config"
	"github.com/onnwee/autowatch/testutil"
)

type recordedQuota struct {
	requests int64
	cost     int64
}

func (r *recordedQuota) RecordQuotaUsage(_ context.Context, _ string, requests, costUnits int) {
	atomic.AddInt64(&r.requests, int64(requests))
	atomic.AddInt64(&r.cost, int64(costUnits))
}

func testClient(t *testing.T, mock *testutil.MockPlatformServer, quota QuotaRecorder) *Client {
	t.Helper()
	cfg := &config.Config{YTClientID: "id", YTClientSecret: "secret"}
	return New(cfg, quota).WithOptions(option.WithEndpoint(mock.URL))
}

func TestInsertPlaylistItemRetriesTransient(t *testing.T) {
	mock := testutil.NewMockPlatformServer(t)
	var calls int64
	mock.Handlers["/youtube/v3/playlistItems"] = func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "item1"})
	}

	quota := &recordedQuota{}
	c := testClient(t, mock, quota)

	attempts, err := c.InsertPlaylistItem(context.Background(), "tok", "PL123", "vid1")
	if err != nil {
		t.Fatalf("insert failed after retries: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if got := atomic.LoadInt64(&quota.requests); got != 3 {
		t.Errorf("quota requests = %d, want 3", got)
	}
}

func TestInsertPlaylistItemUnauthorizedNotRetried(t *testing.T) {
	mock := testutil.NewMockPlatformServer(t)
	var calls int64
	mock.Handlers["/youtube/v3/playlistItems"] = func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}

	c := testClient(t, mock, nil)

	attempts, err := c.InsertPlaylistItem(context.Background(), "tok", "PL123", "vid1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsClass(err, ClassUnauthorized) {
		t.Errorf("error class: got %s, want unauthorized", ClassOf(err))
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on auth failure)", attempts)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}

func TestInsertPlaylistItemGivesUpAfterMaxAttempts(t *testing.T) {
	mock := testutil.NewMockPlatformServer(t)
	var calls int64
	mock.Handlers["/youtube/v3/playlistItems"] = func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}

	c := testClient(t, mock, nil)

	start := time.Now()
	attempts, err := c.InsertPlaylistItem(context.Background(), "tok", "PL123", "vid1")
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != insertMaxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, insertMaxAttempts)
	}
	// 2s + 4s of backoff between the three attempts.
	if elapsed := time.Since(start); elapsed < 5*time.Second {
		t.Errorf("gave up too fast: %s", elapsed)
	}
}

func TestListSubscriptionsFollowsPages(t *testing.T) {
	mock := testutil.NewMockPlatformServer(t)
	mock.Handlers["/youtube/v3/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"nextPageToken": "page2",
				"items": []map[string]any{
					{"snippet": map[string]any{"title": "Chan A", "resourceId": map[string]string{"channelId": "UC_a"}}},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"snippet": map[string]any{"title": "Chan B", "resourceId": map[string]string{"channelId": "UC_b"}}},
			},
		})
	}

	c := testClient(t, mock, nil)
	channels, err := c.ListSubscriptions(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("got %d channels, want 2", len(channels))
	}
	if channels[0].ID != "UC_a" || channels[1].ID != "UC_b" {
		t.Errorf("unexpected channels: %+v", channels)
	}
}

func TestSearchChannelRecentSortsOldestFirst(t *testing.T) {
	mock := testutil.NewMockPlatformServer(t)
	mock.Handlers["/youtube/v3/search"] = func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("channelId"); got != "UC_x" {
			t.Errorf("channelId = %q", got)
		}
		if got := r.URL.Query().Get("order"); got != "date" {
			t.Errorf("order = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": map[string]string{"videoId": "new"}, "snippet": map[string]any{"title": "newest", "publishedAt": "2026-08-25T12:00:00Z"}},
				{"id": map[string]string{"videoId": "old"}, "snippet": map[string]any{"title": "oldest", "publishedAt": "2026-08-20T12:00:00Z"}},
			},
		})
	}

	c := testClient(t, mock, nil)
	videos, err := c.SearchChannelRecent(context.Background(), "tok", "UC_x", time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(videos) != 2 {
		t.Fatalf("got %d videos, want 2", len(videos))
	}
	if videos[0].ID != "old" || videos[1].ID != "new" {
		t.Errorf("not oldest first: %+v", videos)
	}
}

func TestCreatePlaylistReturnsID(t *testing.T) {
	mock := testutil.NewMockPlatformServer(t)
	mock.Handlers["/youtube/v3/playlists"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "PLnew"})
	}

	c := testClient(t, mock, nil)
	id, err := c.CreatePlaylist(context.Background(), "tok", "Auto Watch Later", "desc")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if id != "PLnew" {
		t.Errorf("playlist id = %q, want PLnew", id)
	}
}

func TestRefreshAccessToken(t *testing.T) {
	mock := testutil.NewMockPlatformServer(t)
	mock.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}

	cfg := &config.Config{YTClientID: "id", YTClientSecret: "secret"}
	c := New(cfg, nil).WithTokenEndpoint(mock.URL + "/token")

	res, err := c.RefreshAccessToken(context.Background(), "stored-refresh")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if res.AccessToken != "fresh-access" {
		t.Errorf("access token = %q", res.AccessToken)
	}
	if res.RefreshToken != "" {
		t.Errorf("unrotated refresh should be empty, got %q", res.RefreshToken)
	}
	if time.Until(res.Expiry) < 30*time.Minute {
		t.Errorf("expiry too soon: %s", res.Expiry)
	}
}
