package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"sentiment-pipeline/internal/models"
)

// CreatePost inserts a post or refreshes the metadata of the user's existing
// post with the same provider and remote id.
func (s *Store) CreatePost(ctx context.Context, p models.NewPost) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO posts (user_id, provider_id, integration_id, remote_id, title, description, post_url, image_url,
		                   comment_count, view_count, like_count, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, provider_id, remote_id) DO UPDATE
		SET title = EXCLUDED.title,
		    description = EXCLUDED.description,
		    post_url = EXCLUDED.post_url,
		    image_url = EXCLUDED.image_url,
		    comment_count = EXCLUDED.comment_count,
		    view_count = EXCLUDED.view_count,
		    like_count = EXCLUDED.like_count,
		    integration_id = COALESCE(EXCLUDED.integration_id, posts.integration_id),
		    updated_at = NOW()
	`, p.UserID, p.ProviderID, p.IntegrationID, p.RemoteID, p.Title, p.Description, p.PostURL, p.ImageURL,
		p.CommentCount, p.ViewCount, p.LikeCount, p.PublishedAt)
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", p.RemoteID, err)
	}
	return nil
}

// GetPostByRemoteID looks up the user's post by its provider-side id.
func (s *Store) GetPostByRemoteID(ctx context.Context, userID string, providerID int64, remoteID string) (models.Post, bool, error) {
	var (
		p             models.Post
		integrationID pgtype.Int8
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, provider_id, integration_id, remote_id, title, description, post_url, comment_count, published_at, created_at
		FROM posts WHERE user_id = $1 AND provider_id = $2 AND remote_id = $3
	`, userID, providerID, remoteID).Scan(&p.ID, &p.UserID, &p.ProviderID, &integrationID, &p.RemoteID, &p.Title, &p.Description,
		&p.PostURL, &p.CommentCount, &p.PublishedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, false, nil
	}
	if err != nil {
		return models.Post{}, false, fmt.Errorf("query post %s: %w", remoteID, err)
	}
	p.IntegrationID = int8Ptr(integrationID)
	return p, true, nil
}

// CreateMention inserts a PENDING mention. A mention already stored under the
// same post keeps its sentiment.
func (s *Store) CreateMention(ctx context.Context, m models.NewMention) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mentions (post_id, tracked_keyword_id, remote_id, content, author, source_type, source_url, origin_label,
		                      sentiment_status, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (post_id, remote_id) DO NOTHING
	`, m.PostID, m.TrackedKeywordID, m.RemoteID, m.Content, m.Author, m.SourceType, m.SourceURL, m.OriginLabel,
		models.SentimentPending, m.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert mention %s: %w", m.RemoteID, err)
	}
	return nil
}

// GetMention fetches a mention with its aspect analyses.
func (s *Store) GetMention(ctx context.Context, id int64) (models.Mention, error) {
	var (
		m         models.Mention
		sentiment pgtype.Text
		score     pgtype.Float8
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, post_id, remote_id, content, author, source_type, sentiment, score, sentiment_status, published_at, created_at
		FROM mentions WHERE id = $1
	`, id).Scan(&m.ID, &m.PostID, &m.RemoteID, &m.Content, &m.Author, &m.SourceType, &sentiment, &score,
		&m.SentimentStatus, &m.PublishedAt, &m.CreatedAt)
	if err != nil {
		return models.Mention{}, notFound(fmt.Sprintf("mention %d", id), err)
	}
	m.Sentiment = textPtr(sentiment)
	m.Score = float8Ptr(score)

	aspects, err := s.aspectsByMention(ctx, []int64{id})
	if err != nil {
		return models.Mention{}, err
	}
	m.Aspects = aspects[id]
	return m, nil
}

func (s *Store) aspectsByMention(ctx context.Context, ids []int64) (map[int64][]models.AspectSentiment, error) {
	out := make(map[int64][]models.AspectSentiment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT mention_id, aspect, sentiment FROM aspect_analyses
		WHERE mention_id = ANY($1) ORDER BY id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query aspect analyses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id int64
			a  models.AspectSentiment
		)
		if err := rows.Scan(&id, &a.Aspect, &a.Sentiment); err != nil {
			return nil, fmt.Errorf("scan aspect analysis: %w", err)
		}
		out[id] = append(out[id], a)
	}
	return out, rows.Err()
}
