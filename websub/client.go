// Package websub manages push subscriptions with the feed hub: subscribing,
// renewing leases before expiry, retrying failed attempts with exponential
// backoff, and unsubscribing channels that fall out of scope.
package websub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// LeaseSeconds is the lease requested from the hub (5 days).
	LeaseSeconds = 432000
	// topicFormat is the feed topic for a channel's uploads.
	topicFormat = "https://www.youtube.com/xml/feeds/videos.xml?channel_id=%s"
)

// ErrTopicGone marks a hub 410 response: the channel no longer exists.
var ErrTopicGone = fmt.Errorf("hub reports topic gone")

// TopicURL returns the uploads feed topic for a channel.
func TopicURL(channelID string) string {
	return fmt.Sprintf(topicFormat, channelID)
}

// Client speaks the hub's subscribe/unsubscribe form protocol.
type Client struct {
	hubURL      string
	callbackURL string
	httpClient  *http.Client
}

// NewClient builds a hub client. callbackURL is the public /webhook endpoint.
func NewClient(hubURL, callbackURL string) *Client {
	return &Client{
		hubURL:      hubURL,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Subscribe asks the hub for a lease on the channel's uploads topic. The
// secret, when non-empty, is registered for HMAC signing of notifications.
// A 410 from the hub returns ErrTopicGone.
func (c *Client) Subscribe(ctx context.Context, channelID, secret string) error {
	return c.request(ctx, "subscribe", channelID, secret)
}

// Unsubscribe cancels the hub lease for the channel's uploads topic.
func (c *Client) Unsubscribe(ctx context.Context, channelID string) error {
	return c.request(ctx, "unsubscribe", channelID, "")
}

func (c *Client) request(ctx context.Context, mode, channelID, secret string) error {
	form := url.Values{}
	form.Set("hub.callback", c.callbackURL)
	form.Set("hub.topic", TopicURL(channelID))
	form.Set("hub.mode", mode)
	if mode == "subscribe" {
		form.Set("hub.lease_seconds", strconv.Itoa(LeaseSeconds))
		if secret != "" {
			form.Set("hub.secret", secret)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build hub request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hub %s request: %w", mode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusGone {
		return fmt.Errorf("%w: channel %s", ErrTopicGone, channelID)
	}
	return fmt.Errorf("hub %s rejected: status %d: %s", mode, resp.StatusCode, strings.TrimSpace(string(body)))
}
