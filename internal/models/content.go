package models

import (
	"time"
)

// SourceType labels where a mention was collected from.
type SourceType string

const (
	SourceYouTube SourceType = "YOUTUBE"
	SourceReddit  SourceType = "REDDIT"
)

// SentimentStatus tracks whether a mention has been scored yet. A mention is
// CLAIMED while a sentiment subtask holds it.
type SentimentStatus string

const (
	SentimentPending   SentimentStatus = "PENDING"
	SentimentClaimed   SentimentStatus = "CLAIMED"
	SentimentCompleted SentimentStatus = "COMPLETED"
	SentimentFailed    SentimentStatus = "FAILED"
)

// Video is a single YouTube video with its top-level comments.
type Video struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	PublishedAt  time.Time      `json:"published_at"`
	Thumbnail    string         `json:"thumbnail"`
	CommentCount int64          `json:"comment_count"`
	ViewCount    int64          `json:"view_count"`
	LikeCount    int64          `json:"like_count"`
	Comments     []VideoComment `json:"comments"`
}

// VideoComment is one top-level YouTube comment.
type VideoComment struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Author      string    `json:"author"`
	PublishedAt time.Time `json:"published_at"`
	LikeCount   int64     `json:"like_count"`
}

// RedditMention is a Reddit post matching a tracked keyword.
type RedditMention struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Author    string          `json:"author"`
	Permalink string          `json:"permalink"`
	Subreddit string          `json:"subreddit"`
	CreatedAt time.Time       `json:"created_at"`
	Comments  []RedditComment `json:"comments"`
}

// RedditComment is one comment under a Reddit mention.
type RedditComment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPost is a parent content item to persist.
type NewPost struct {
	UserID        string
	ProviderID    int64
	IntegrationID *int64
	RemoteID      string
	Title         string
	Description   string
	PostURL       string
	ImageURL      string
	CommentCount  int64
	ViewCount     int64
	LikeCount     int64
	PublishedAt   time.Time
}

// Post is a persisted parent content item.
type Post struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"user_id"`
	ProviderID    int64     `json:"provider_id"`
	IntegrationID *int64    `json:"integration_id,omitempty"`
	RemoteID      string    `json:"remote_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	PostURL       string    `json:"post_url"`
	CommentCount  int64     `json:"comment_count"`
	PublishedAt   time.Time `json:"published_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewMention is a comment-level item linked to a persisted post.
type NewMention struct {
	PostID           int64
	TrackedKeywordID *int64
	RemoteID         string
	Content          string
	Author           string
	SourceType       SourceType
	SourceURL        string
	OriginLabel      string
	PublishedAt      time.Time
}

// Mention is a persisted comment-level item with its sentiment.
type Mention struct {
	ID              int64             `json:"id"`
	PostID          int64             `json:"post_id"`
	RemoteID        string            `json:"remote_id"`
	Content         string            `json:"content"`
	Author          string            `json:"author"`
	SourceType      SourceType        `json:"source_type"`
	Sentiment       *string           `json:"sentiment,omitempty"`
	Score           *float64          `json:"score,omitempty"`
	SentimentStatus SentimentStatus   `json:"sentiment_status"`
	Aspects         []AspectSentiment `json:"aspects,omitempty"`
	PublishedAt     time.Time         `json:"published_at"`
	CreatedAt       time.Time         `json:"created_at"`
}

// TrackedKeyword is a search term a user watches on a provider.
type TrackedKeyword struct {
	ID         int64  `json:"id"`
	UserID     string `json:"user_id"`
	ProviderID int64  `json:"provider_id"`
	Keyword    string `json:"keyword"`
	IsActive   bool   `json:"is_active"`
}

// MentionScope selects pending mentions either by integration or by (user, provider), never both.
type MentionScope struct {
	IntegrationID *int64
	UserID        string
	ProviderID    int64
}

// ScopeFor derives the claim scope from how the context was authenticated.
func ScopeFor(ec ExecutionContext) MentionScope {
	if ec.TokenSource == TokenSourceUserOAuth && ec.IntegrationID != nil {
		return MentionScope{IntegrationID: ec.IntegrationID}
	}
	return MentionScope{UserID: ec.UserID, ProviderID: ec.ProviderID}
}

// ClaimedMention is a pending mention reserved for one sentiment subtask.
type ClaimedMention struct {
	ID      int64
	Content string
}

// AspectSentiment is the sentiment of one aspect within a mention.
type AspectSentiment struct {
	Aspect    string `json:"aspect"`
	Sentiment string `json:"sentiment"`
}

// ScoreRequest is one item sent to the sentiment scorer.
type ScoreRequest struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// GeneralSentiment is the overall label and score for an item.
type GeneralSentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ScoreResult is one item returned by the sentiment scorer.
type ScoreResult struct {
	ID               string            `json:"id"`
	Text             string            `json:"text,omitempty"`
	GeneralSentiment GeneralSentiment  `json:"general_sentiment"`
	AspectSentiment  []AspectSentiment `json:"aspect_sentiment"`
}
