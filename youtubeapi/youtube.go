// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// for the ingestion pipeline: token refresh, subscription listing, managed
// playlist creation, playlist-item insertion and channel search for the
// fallback poller. Per-user access tokens are supplied by the caller; this
// package holds no credentials beyond the OAuth app config.
package youtubeapi

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/autowatch/config"
)

// Service is the quota bookkeeping key for the data API.
const Service = "youtube"

// Data API cost units per call type. Tracked so operators can see how close
// the daily budget is; the API enforces the real limit.
const (
	costSubscriptionsList = 1
	costPlaylistInsert    = 50
	costPlaylistItemAdd   = 50
	costSearch            = 100
)

const (
	insertMaxAttempts = 3
	insertBaseDelay   = 2 * time.Second
)

// QuotaRecorder receives the request/cost tally of every outbound call.
type QuotaRecorder interface {
	RecordQuotaUsage(ctx context.Context, service string, requests, costUnits int)
}

// TokenResult is the outcome of a refresh-token grant. Refresh is empty when
// the provider did not rotate it.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// ChannelInfo is one entry of a user's subscription list.
type ChannelInfo struct {
	ID        string
	Title     string
	Thumbnail string
}

// Video is one result of a recent-uploads search.
type Video struct {
	ID          string
	Title       string
	PublishedAt time.Time
}

// Client is a thin authenticated client to the Platform data API.
type Client struct {
	oauth *oauth2.Config
	quota QuotaRecorder
	opts  []option.ClientOption // endpoint/http overrides for tests
}

// New builds a Client from app credentials in cfg. The quota recorder may be
// nil (no bookkeeping).
func New(cfg *config.Config, quota QuotaRecorder) *Client {
	scopes := []string{"https://www.googleapis.com/auth/youtube"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.YTScopes, ",", " ")
		if fields := strings.Fields(s); len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Client{oauth: oauth, quota: quota}
}

// WithOptions appends google-api client options (test servers use
// option.WithEndpoint and option.WithoutAuthentication).
func (c *Client) WithOptions(opts ...option.ClientOption) *Client {
	c.opts = append(c.opts, opts...)
	return c
}

// WithTokenEndpoint redirects the OAuth token URL (tests only).
func (c *Client) WithTokenEndpoint(tokenURL string) *Client {
	c.oauth.Endpoint = oauth2.Endpoint{TokenURL: tokenURL}
	return c
}

func (c *Client) service(ctx context.Context, accessToken string) (*yt.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	opts = append(opts, c.opts...)
	return yt.NewService(ctx, opts...)
}

func (c *Client) record(ctx context.Context, requests, costUnits int) {
	if c.quota != nil {
		c.quota.RecordQuotaUsage(ctx, Service, requests, costUnits)
	}
}

// RefreshAccessToken exchanges a refresh token for a new access token using
// the refresh_token grant.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (TokenResult, error) {
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return TokenResult{}, wrap("refresh token", err)
	}
	res := TokenResult{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	if tok.RefreshToken != refreshToken {
		res.RefreshToken = tok.RefreshToken
	}
	return res, nil
}

// ListSubscriptions returns every channel the authenticated user subscribes
// to, following pagination (50 per page).
func (c *Client) ListSubscriptions(ctx context.Context, accessToken string) ([]ChannelInfo, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, wrap("list subscriptions", err)
	}
	var out []ChannelInfo
	pageToken := ""
	for {
		call := svc.Subscriptions.List([]string{"snippet"}).Mine(true).MaxResults(50)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Context(ctx).Do()
		c.record(ctx, 1, costSubscriptionsList)
		if err != nil {
			return nil, wrap("list subscriptions", err)
		}
		for _, item := range resp.Items {
			if item.Snippet == nil || item.Snippet.ResourceId == nil {
				continue
			}
			ci := ChannelInfo{ID: item.Snippet.ResourceId.ChannelId, Title: item.Snippet.Title}
			if item.Snippet.Thumbnails != nil && item.Snippet.Thumbnails.Default != nil {
				ci.Thumbnail = item.Snippet.Thumbnails.Default.Url
			}
			out = append(out, ci)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

// CreatePlaylist creates the private managed playlist and returns its id.
func (c *Client) CreatePlaylist(ctx context.Context, accessToken, name, description string) (string, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return "", wrap("create playlist", err)
	}
	playlist := &yt.Playlist{
		Snippet: &yt.PlaylistSnippet{Title: name, Description: description},
		Status:  &yt.PlaylistStatus{PrivacyStatus: "private"},
	}
	resp, err := svc.Playlists.Insert([]string{"snippet", "status"}, playlist).Context(ctx).Do()
	c.record(ctx, 1, costPlaylistInsert)
	if err != nil {
		return "", wrap("create playlist", err)
	}
	return resp.Id, nil
}

// InsertPlaylistItem appends a video to a playlist. Transient failures are
// retried up to 3 attempts with 2^n-second delays; everything else propagates
// immediately. Returns the number of attempts used alongside any final error.
func (c *Client) InsertPlaylistItem(ctx context.Context, accessToken, playlistID, videoID string) (int, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return 0, wrap("insert playlist item", err)
	}
	item := &yt.PlaylistItem{
		Snippet: &yt.PlaylistItemSnippet{
			PlaylistId: playlistID,
			ResourceId: &yt.ResourceId{Kind: "youtube#video", VideoId: videoID},
		},
	}

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		_, err := svc.PlaylistItems.Insert([]string{"snippet"}, item).Context(ctx).Do()
		c.record(ctx, 1, costPlaylistItemAdd)
		if err == nil {
			return struct{}{}, nil
		}
		if classify(err) != ClassTransient {
			return struct{}{}, backoff.Permanent(err)
		}
		slog.Debug("playlist insert retrying", slog.String("video_id", videoID), slog.Int("attempt", attempts), slog.Any("err", err))
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = insertBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	_, err = backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(insertMaxAttempts))
	if err != nil {
		return attempts, wrap("insert playlist item", err)
	}
	return attempts, nil
}

// SearchChannelRecent returns up to 10 videos the channel published since the
// given time, oldest first.
func (c *Client) SearchChannelRecent(ctx context.Context, accessToken, channelID string, since time.Time) ([]Video, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, wrap("search channel", err)
	}
	resp, err := svc.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		PublishedAfter(since.UTC().Format(time.RFC3339)).
		Order("date").
		Type("video").
		MaxResults(10).
		Context(ctx).Do()
	c.record(ctx, 1, costSearch)
	if err != nil {
		return nil, wrap("search channel", err)
	}

	out := make([]Video, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Id == nil || item.Id.VideoId == "" {
			continue
		}
		v := Video{ID: item.Id.VideoId}
		if item.Snippet != nil {
			v.Title = item.Snippet.Title
			if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
				v.PublishedAt = t
			}
		}
		out = append(out, v)
	}
	// The API orders newest first; the poller walks oldest first.
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	return out, nil
}
