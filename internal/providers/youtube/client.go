// Package youtube fetches videos and comment threads from the YouTube Data API.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"sentiment-pipeline/internal/models"
	"sentiment-pipeline/internal/providers"
)

const (
	DefaultBaseURL = "https://www.googleapis.com/youtube/v3"
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
)

// APIError is a non-2xx reply from the Data API. Reason is the first
// errors[].reason of the JSON error body, when present.
type APIError struct {
	StatusCode int
	Reason     string
	Body       string
}

const reasonCommentsDisabled = "commentsDisabled"

func (e *APIError) Error() string {
	return fmt.Sprintf("youtube api status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the YouTube Data API v3.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxVideos   int
	maxComments int
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		maxVideos:   50,
		maxComments: 100,
	}
}

// NewRefresher returns a token refresher for Google OAuth credentials.
func NewRefresher(clientID, clientSecret string) *providers.Refresher {
	return providers.NewRefresher(providers.RefresherConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     GoogleTokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	})
}

// FetchSingleVideo loads one video and its top-level comments. It returns
// nil, nil when the video does not exist.
func (c *Client) FetchSingleVideo(ctx context.Context, token string, method models.AuthMethod, videoURL string) (*models.Video, error) {
	id, ok := ExtractVideoID(videoURL)
	if !ok {
		return nil, fmt.Errorf("invalid YouTube URL %q", videoURL)
	}
	videos, err := c.videos(ctx, token, method, []string{id})
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, nil
	}
	v := videos[0]
	comments, err := c.comments(ctx, token, method, v.ID)
	if err != nil {
		return nil, err
	}
	v.Comments = comments
	return &v, nil
}

// ListChannelVideos loads the most recent uploads of a channel with their
// comments. An empty channelID means the authenticated user's own channel and
// requires OAuth.
func (c *Client) ListChannelVideos(ctx context.Context, token string, method models.AuthMethod, channelID string) ([]models.Video, error) {
	q := url.Values{"part": {"contentDetails"}}
	switch {
	case channelID != "":
		q.Set("id", channelID)
	case method == models.AuthMethodOAuth:
		q.Set("mine", "true")
	default:
		return nil, errors.New("channel id is required when using an API key")
	}

	var channels channelListResponse
	if err := c.get(ctx, token, method, "/channels", q, &channels); err != nil {
		return nil, err
	}
	if len(channels.Items) == 0 {
		return nil, fmt.Errorf("channel %q not found", channelID)
	}
	uploads := channels.Items[0].ContentDetails.RelatedPlaylists.Uploads

	var items playlistItemsResponse
	err := c.get(ctx, token, method, "/playlistItems", url.Values{
		"part":       {"contentDetails"},
		"playlistId": {uploads},
		"maxResults": {fmt.Sprint(c.maxVideos)},
	}, &items)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items.Items))
	for _, it := range items.Items {
		ids = append(ids, it.ContentDetails.VideoID)
	}
	if len(ids) == 0 {
		return []models.Video{}, nil
	}

	videos, err := c.videos(ctx, token, method, ids)
	if err != nil {
		return nil, err
	}
	for i := range videos {
		comments, err := c.comments(ctx, token, method, videos[i].ID)
		if err != nil {
			return nil, fmt.Errorf("comments for %s: %w", videos[i].ID, err)
		}
		videos[i].Comments = comments
	}
	return videos, nil
}

func (c *Client) videos(ctx context.Context, token string, method models.AuthMethod, ids []string) ([]models.Video, error) {
	var resp videoListResponse
	err := c.get(ctx, token, method, "/videos", url.Values{
		"part": {"snippet,statistics"},
		"id":   {strings.Join(ids, ",")},
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]models.Video, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, models.Video{
			ID:           it.ID,
			Title:        it.Snippet.Title,
			Description:  it.Snippet.Description,
			PublishedAt:  it.Snippet.PublishedAt,
			Thumbnail:    it.Snippet.Thumbnails.bestURL(),
			CommentCount: it.Statistics.CommentCount,
			ViewCount:    it.Statistics.ViewCount,
			LikeCount:    it.Statistics.LikeCount,
		})
	}
	return out, nil
}

// comments returns top-level comments. Videos with comments disabled yield none.
func (c *Client) comments(ctx context.Context, token string, method models.AuthMethod, videoID string) ([]models.VideoComment, error) {
	var resp commentThreadsResponse
	err := c.get(ctx, token, method, "/commentThreads", url.Values{
		"part":       {"snippet"},
		"videoId":    {videoID},
		"maxResults": {fmt.Sprint(c.maxComments)},
		"order":      {"time"},
	}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden && apiErr.Reason == reasonCommentsDisabled {
			return []models.VideoComment{}, nil
		}
		return nil, err
	}
	out := make([]models.VideoComment, 0, len(resp.Items))
	for _, it := range resp.Items {
		top := it.Snippet.TopLevelComment
		out = append(out, models.VideoComment{
			ID:          top.ID,
			Text:        top.Snippet.TextOriginal,
			Author:      top.Snippet.AuthorDisplayName,
			PublishedAt: top.Snippet.PublishedAt,
			LikeCount:   top.Snippet.LikeCount,
		})
	}
	return out, nil
}

// get issues a GET. The auth method decides how the credential is presented:
// API keys go in the key query parameter, OAuth tokens in a Bearer header.
func (c *Client) get(ctx context.Context, token string, method models.AuthMethod, path string, q url.Values, out any) error {
	header := http.Header{}
	switch method {
	case models.AuthMethodAPIKey:
		q.Set("key", token)
	case models.AuthMethodOAuth:
		header.Set("Authorization", "Bearer "+token)
	default:
		return fmt.Errorf("unsupported auth method %q", method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = header
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("youtube %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		var parsed errorResponse
		if json.Unmarshal(body, &parsed) == nil && len(parsed.Error.Errors) > 0 {
			apiErr.Reason = parsed.Error.Errors[0].Reason
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
