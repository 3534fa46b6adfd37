package jobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"sentiment-pipeline/internal/models"
)

// PostStore persists parent posts and their comment-level mentions.
type PostStore interface {
	CreatePost(ctx context.Context, post models.NewPost) error
	GetPostByRemoteID(ctx context.Context, userID string, providerID int64, remoteID string) (models.Post, bool, error)
	CreateMention(ctx context.Context, mention models.NewMention) error
}

// savePost creates the post, looks it up again by remote id to learn its
// generated id, then creates one mention per child. The callback receives
// the post id and returns the mentions to create.
func savePost(ctx context.Context, posts PostStore, post models.NewPost, children func(postID int64) []models.NewMention) error {
	if err := posts.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("create post %s: %w", post.RemoteID, err)
	}
	saved, found, err := posts.GetPostByRemoteID(ctx, post.UserID, post.ProviderID, post.RemoteID)
	if err != nil {
		return fmt.Errorf("find post %s: %w", post.RemoteID, err)
	}
	if !found {
		return fmt.Errorf("post %s not found after create", post.RemoteID)
	}
	for _, m := range children(saved.ID) {
		if err := posts.CreateMention(ctx, m); err != nil {
			return fmt.Errorf("create mention %s: %w", m.RemoteID, err)
		}
	}
	return nil
}

func videoPost(ec models.ExecutionContext, v models.Video, postURL string) models.NewPost {
	if postURL == "" {
		postURL = "https://www.youtube.com/watch?v=" + v.ID
	}
	return models.NewPost{
		UserID:        ec.UserID,
		ProviderID:    ec.ProviderID,
		IntegrationID: ec.IntegrationID,
		RemoteID:      v.ID,
		Title:         v.Title,
		Description:   v.Description,
		PostURL:       postURL,
		ImageURL:      v.Thumbnail,
		CommentCount:  v.CommentCount,
		ViewCount:     v.ViewCount,
		LikeCount:     v.LikeCount,
		PublishedAt:   v.PublishedAt,
	}
}

func videoComments(v models.Video, postURL string) func(int64) []models.NewMention {
	return func(postID int64) []models.NewMention {
		out := make([]models.NewMention, 0, len(v.Comments))
		for _, c := range v.Comments {
			out = append(out, models.NewMention{
				PostID:      postID,
				RemoteID:    c.ID,
				Content:     c.Text,
				Author:      c.Author,
				SourceType:  models.SourceYouTube,
				SourceURL:   postURL,
				OriginLabel: v.Title,
				PublishedAt: c.PublishedAt,
			})
		}
		return out
	}
}

func isYouTube(name string) bool {
	return strings.EqualFold(name, "youtube")
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return strings.TrimSpace(s)
}

// int64Field accepts JSON numbers and numeric strings.
func int64Field(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
