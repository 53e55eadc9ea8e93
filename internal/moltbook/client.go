// Package moltbook wraps the Moltbook social API and reduces raw feed
// snapshots into a compact decision context. All retry policy lives here;
// callers see every operation as a single fallible call.
package moltbook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// APIError is a non-2xx or unsuccessful Moltbook response.
type APIError struct {
	StatusCode int
	Message    string
	Hint       string
}

func (e *APIError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("moltbook: %s (hint: %s)", e.Message, e.Hint)
	}
	return "moltbook: " + e.Message
}

// RateLimitError is a 429 that survived the transport's retries.
type RateLimitError struct {
	APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("moltbook: rate limited, retry in %s", e.RetryAfter)
}

// Client talks to the Moltbook API.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

// NewClient builds a client for the given API base URL. Credentials are only
// ever sent to that URL's host.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("moltbook: parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("moltbook: base url %q has no host", baseURL)
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = 2
	retry.RetryWaitMin = time.Second
	retry.RetryWaitMax = 10 * time.Second
	retry.HTTPClient.Timeout = timeout
	retry.Logger = nil
	// Surface the final response instead of a generic giving-up error so
	// exhausted 429s still map to RateLimitError below.
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: parsed,
		apiKey:  apiKey,
		http:    retry.StandardClient(),
	}, nil
}

// request performs one authenticated call and returns the parsed data node.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body []byte) (gjson.Result, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	// Guard against ever leaking the key to another host.
	if u.Host != c.baseURL.Host {
		return gjson.Result{}, fmt.Errorf("moltbook: refusing to send credentials to %s", u.Host)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("moltbook: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("moltbook: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("moltbook: read response: %w", err)
	}
	parsed := gjson.ParseBytes(raw)

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(parsed.Get("retry_after_minutes").Float() * float64(time.Minute))
		if retryAfter == 0 {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return gjson.Result{}, &RateLimitError{
			APIError:   APIError{StatusCode: resp.StatusCode, Message: errMessage(parsed, "too many requests")},
			RetryAfter: retryAfter,
		}
	}
	if resp.StatusCode >= 400 {
		return gjson.Result{}, &APIError{
			StatusCode: resp.StatusCode,
			Message:    errMessage(parsed, fmt.Sprintf("HTTP %d", resp.StatusCode)),
			Hint:       parsed.Get("hint").String(),
		}
	}
	if success := parsed.Get("success"); success.Exists() && !success.Bool() {
		return gjson.Result{}, &APIError{Message: errMessage(parsed, "unknown error")}
	}

	if data := parsed.Get("data"); data.Exists() {
		return data, nil
	}
	return parsed, nil
}

func errMessage(j gjson.Result, fallback string) string {
	if msg := j.Get("error").String(); msg != "" {
		return msg
	}
	return fallback
}

// GetFeed returns the personalized feed.
func (c *Client) GetFeed(ctx context.Context, sort string, limit int) ([]Post, error) {
	query := url.Values{"sort": {sort}, "limit": {strconv.Itoa(limit)}}
	data, err := c.request(ctx, http.MethodGet, "/feed", query, nil)
	if err != nil {
		return nil, err
	}
	return postList(data, "posts"), nil
}

// GetPosts returns global posts, optionally scoped to one submolt.
func (c *Client) GetPosts(ctx context.Context, sort string, limit int, submolt string) ([]Post, error) {
	path := "/posts"
	if submolt != "" {
		path = "/submolts/" + submolt + "/posts"
	}
	query := url.Values{"sort": {sort}, "limit": {strconv.Itoa(limit)}}
	data, err := c.request(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	return postList(data, "posts"), nil
}

// GetNotifications returns the notification inbox. A deployment without the
// endpoint reads as an empty inbox, not an error.
func (c *Client) GetNotifications(ctx context.Context) ([]Notification, error) {
	data, err := c.request(ctx, http.MethodGet, "/agents/notifications", nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			log.Printf("moltbook: notifications endpoint unavailable; treating as empty")
			return nil, nil
		}
		return nil, err
	}
	items := data
	if !data.IsArray() {
		items = data.Get("notifications")
	}
	var out []Notification
	items.ForEach(func(_, item gjson.Result) bool {
		out = append(out, notificationFromJSON(item))
		return true
	})
	return out, nil
}

// GetMe returns the agent's own profile, including current karma.
func (c *Client) GetMe(ctx context.Context) (Profile, error) {
	data, err := c.request(ctx, http.MethodGet, "/agents/me", nil, nil)
	if err != nil {
		return Profile{}, err
	}
	return profileFromJSON(data), nil
}

// NewPost is the payload for CreatePost. Empty optional fields are omitted
// from the request body.
type NewPost struct {
	Title   string
	Submolt string
	Content string
	URL     string
}

// CreatePost publishes a post and returns the created record.
func (c *Client) CreatePost(ctx context.Context, post NewPost) (Post, error) {
	body := "{}"
	body, _ = sjson.Set(body, "title", post.Title)
	body, _ = sjson.Set(body, "submolt", post.Submolt)
	if post.Content != "" {
		body, _ = sjson.Set(body, "content", post.Content)
	}
	if post.URL != "" {
		body, _ = sjson.Set(body, "url", post.URL)
	}
	data, err := c.request(ctx, http.MethodPost, "/posts", nil, []byte(body))
	if err != nil {
		return Post{}, err
	}
	created := postFromJSON(data)
	log.Printf("moltbook: created post in s/%s: %.60s", post.Submolt, post.Title)
	return created, nil
}

// CreateComment replies to a post and returns the created comment.
func (c *Client) CreateComment(ctx context.Context, postID, content, parentID string) (Comment, error) {
	body := "{}"
	body, _ = sjson.Set(body, "content", content)
	if parentID != "" {
		body, _ = sjson.Set(body, "parent_id", parentID)
	}
	data, err := c.request(ctx, http.MethodPost, "/posts/"+postID+"/comments", nil, []byte(body))
	if err != nil {
		return Comment{}, err
	}
	log.Printf("moltbook: commented on post %s: %.60s", postID, content)
	return commentFromJSON(data), nil
}

// UpvotePost upvotes a post.
func (c *Client) UpvotePost(ctx context.Context, postID string) error {
	_, err := c.request(ctx, http.MethodPost, "/posts/"+postID+"/upvote", nil, nil)
	return err
}

// Follow follows another agent.
func (c *Client) Follow(ctx context.Context, agent string) error {
	_, err := c.request(ctx, http.MethodPost, "/agents/"+agent+"/follow", nil, nil)
	if err == nil {
		log.Printf("moltbook: followed agent %s", agent)
	}
	return err
}
