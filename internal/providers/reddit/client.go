// Package reddit searches Reddit for keyword mentions.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"sentiment-pipeline/internal/models"
	"sentiment-pipeline/internal/providers"
	"sentiment-pipeline/internal/telemetry"
)

const (
	DefaultPublicURL = "https://www.reddit.com"
	DefaultOAuthURL  = "https://oauth.reddit.com"
	TokenURL         = "https://www.reddit.com/api/v1/access_token"
	rateLimitKey     = "ratelimit:provider:reddit"
)

// Limiter throttles outbound requests across workers.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// APIError is a non-2xx reply from Reddit.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("reddit api status %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client. Zero values get defaults.
type Options struct {
	PublicURL      string
	OAuthURL       string
	UserAgent      string
	SearchLimit    int
	CommentLimit   int
	MaxRetries     uint
	InitialBackoff time.Duration
	Timeout        time.Duration
	Limiter        Limiter
	Log            *logrus.Entry
}

// Client searches posts and loads their comments.
type Client struct {
	opts       Options
	httpClient *http.Client
	log        *logrus.Entry
}

func NewClient(opts Options) *Client {
	if opts.PublicURL == "" {
		opts.PublicURL = DefaultPublicURL
	}
	if opts.OAuthURL == "" {
		opts.OAuthURL = DefaultOAuthURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "sentiment-pipeline/1.0"
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 10
	}
	if opts.CommentLimit <= 0 {
		opts.CommentLimit = 10
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		log:        log.WithField("provider", "reddit"),
	}
}

// NewRefresher returns a token refresher for Reddit OAuth credentials.
func NewRefresher(clientID, clientSecret, userAgent string) *providers.Refresher {
	return providers.NewRefresher(providers.RefresherConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
		UserAgent:    userAgent,
	})
}

// SearchByKeyword returns the newest posts matching keyword with their
// comments. A token, when given, routes through the OAuth host for higher
// rate limits. A post whose comments cannot be loaded is kept without them.
func (c *Client) SearchByKeyword(ctx context.Context, keyword, token string) ([]models.RedditMention, error) {
	base, suffix := c.opts.PublicURL, ".json"
	if token != "" {
		base, suffix = c.opts.OAuthURL, ""
	}
	q := url.Values{
		"q":     {keyword},
		"limit": {strconv.Itoa(c.opts.SearchLimit)},
		"sort":  {"new"},
		"type":  {"link"},
	}

	var listing searchListing
	if err := c.getJSON(ctx, base+"/search"+suffix+"?"+q.Encode(), token, &listing); err != nil {
		return nil, fmt.Errorf("search %q: %w", keyword, err)
	}

	mentions := make([]models.RedditMention, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		p := child.Data
		m := models.RedditMention{
			ID:        p.ID,
			Title:     p.Title,
			Content:   postContent(p.Title, p.Selftext),
			Author:    p.Author,
			Permalink: "https://reddit.com" + p.Permalink,
			Subreddit: p.Subreddit,
			CreatedAt: unixSeconds(p.CreatedUTC),
			Comments:  []models.RedditComment{},
		}
		comments, err := c.fetchComments(ctx, base, suffix, token, p.ID)
		if err != nil {
			c.log.WithError(err).WithField("post_id", p.ID).Warn("could not fetch comments")
		} else {
			m.Comments = comments
		}
		mentions = append(mentions, m)
	}
	return mentions, nil
}

func (c *Client) fetchComments(ctx context.Context, base, suffix, token, postID string) ([]models.RedditComment, error) {
	u := fmt.Sprintf("%s/comments/%s%s?limit=%d", base, url.PathEscape(postID), suffix, c.opts.CommentLimit)
	var listings []commentListing
	if err := c.getJSON(ctx, u, token, &listings); err != nil {
		return nil, err
	}
	out := []models.RedditComment{}
	if len(listings) < 2 {
		return out, nil
	}
	for _, child := range listings[1].Data.Children {
		if child.Kind != "t1" {
			continue
		}
		out = append(out, models.RedditComment{
			ID:        child.Data.ID,
			Content:   child.Data.Body,
			Author:    child.Data.Author,
			CreatedAt: unixSeconds(child.Data.CreatedUTC),
		})
	}
	return out, nil
}

// getJSON retries HTTP 429 with exponential backoff, waiting for Retry-After
// when Reddit sends one. Every other failure is returned immediately.
func (c *Client) getJSON(ctx context.Context, rawURL, token string, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff

	op := func() (struct{}, error) {
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(ctx, rateLimitKey); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			telemetry.ProviderThrottled.WithLabelValues("reddit").Inc()
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: "rate limited"}
			if secs := retryAfterSeconds(resp.Header.Get("Retry-After"), time.Now()); secs > 0 {
				return struct{}{}, fmt.Errorf("%w: %w", apiErr, backoff.RetryAfter(secs))
			}
			return struct{}{}, apiErr
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return struct{}{}, backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return struct{}{}, nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.WithError(err).WithField("wait", wait).Debug("throttled, retrying")
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.opts.MaxRetries+1),
		backoff.WithNotify(notify),
	)
	return err
}

// retryAfterSeconds parses a Retry-After header given as seconds or an HTTP date.
func retryAfterSeconds(v string, now time.Time) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return secs
	}
	if at, err := http.ParseTime(v); err == nil {
		return int(math.Ceil(at.Sub(now).Seconds()))
	}
	return 0
}

func postContent(title, body string) string {
	switch {
	case title != "" && body != "":
		return title + "\n\n" + body
	case title != "":
		return title
	default:
		return body
	}
}

func unixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

type searchListing struct {
	Data struct {
		Children []struct {
			Data struct {
				ID         string  `json:"id"`
				Title      string  `json:"title"`
				Selftext   string  `json:"selftext"`
				Author     string  `json:"author"`
				Permalink  string  `json:"permalink"`
				Subreddit  string  `json:"subreddit"`
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type commentListing struct {
	Data struct {
		Children []struct {
			Kind string `json:"kind"`
			Data struct {
				ID         string  `json:"id"`
				Body       string  `json:"body"`
				Author     string  `json:"author"`
				CreatedUTC float64 `json:"created_utc"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}
