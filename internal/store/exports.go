package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"sentiment-pipeline/internal/export"
)

// exportFilter renders the WHERE clause shared by both export queries.
// timeColumn is the column the date range applies to.
func exportFilter(opts export.Options, timeColumn string) (string, []any) {
	conds := []string{"p.user_id = $1"}
	args := []any{opts.UserID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if opts.IntegrationID != nil {
		add("p.integration_id = $%d", *opts.IntegrationID)
	}
	if opts.ProviderID != nil {
		add("p.provider_id = $%d", *opts.ProviderID)
	}
	if opts.DateRange != nil {
		add(timeColumn+" >= $%d", opts.DateRange.Start)
		add(timeColumn+" <= $%d", opts.DateRange.End)
	}
	return strings.Join(conds, " AND "), args
}

// ListMentionRecords loads the mentions an export covers, newest first.
func (s *Store) ListMentionRecords(ctx context.Context, opts export.Options) ([]export.MentionRecord, error) {
	where, args := exportFilter(opts, "m.created_at")
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.content, m.sentiment, m.score, m.author, m.source_url, m.origin_label,
		       pr.name, p.title, p.post_url, m.created_at
		FROM mentions m
		JOIN posts p ON p.id = m.post_id
		JOIN providers pr ON pr.id = p.provider_id
		WHERE `+where+`
		ORDER BY m.created_at DESC, m.id DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query mention records: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (export.MentionRecord, error) {
		var (
			r         export.MentionRecord
			sentiment pgtype.Text
			score     pgtype.Float8
		)
		err := row.Scan(&r.ID, &r.Content, &sentiment, &score, &r.Author, &r.SourceURL, &r.OriginLabel,
			&r.Provider, &r.PostTitle, &r.PostURL, &r.CreatedAt)
		r.Sentiment = textPtr(sentiment)
		r.Score = float8Ptr(score)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan mention records: %w", err)
	}
	if !opts.IncludeAspectAnalyses || len(records) == 0 {
		return records, nil
	}

	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	aspects, err := s.aspectsByMention(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].AspectAnalyses = aspects[records[i].ID]
	}
	return records, nil
}

// ListPostRecords loads the posts an export covers with per-post sentiment tallies.
func (s *Store) ListPostRecords(ctx context.Context, opts export.Options) ([]export.PostRecord, error) {
	where, args := exportFilter(opts, "p.published_at")
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.title, p.description, p.post_url, p.image_url, p.published_at, p.comment_count, pr.name,
		       COUNT(m.id),
		       COUNT(m.id) FILTER (WHERE LOWER(m.sentiment) = 'positive'),
		       COUNT(m.id) FILTER (WHERE LOWER(m.sentiment) = 'neutral'),
		       COUNT(m.id) FILTER (WHERE LOWER(m.sentiment) = 'negative')
		FROM posts p
		JOIN providers pr ON pr.id = p.provider_id
		LEFT JOIN mentions m ON m.post_id = p.id
		WHERE `+where+`
		GROUP BY p.id, pr.name
		ORDER BY p.published_at DESC, p.id DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query post records: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (export.PostRecord, error) {
		var r export.PostRecord
		err := row.Scan(&r.ID, &r.Title, &r.Description, &r.PostURL, &r.ImageURL, &r.PublishedAt, &r.CommentCount, &r.Provider,
			&r.TotalMentions, &r.SentimentCounts.Positive, &r.SentimentCounts.Neutral, &r.SentimentCounts.Negative)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan post records: %w", err)
	}
	if !opts.IncludeAspectAnalyses || len(records) == 0 {
		return records, nil
	}

	ids := make([]int64, len(records))
	index := make(map[int64]int, len(records))
	for i, r := range records {
		ids[i] = r.ID
		index[r.ID] = i
	}
	aspectRows, err := s.pool.Query(ctx, `
		SELECT m.post_id, a.aspect, LOWER(a.sentiment), COUNT(*)
		FROM aspect_analyses a
		JOIN mentions m ON m.id = a.mention_id
		WHERE m.post_id = ANY($1)
		GROUP BY m.post_id, a.aspect, LOWER(a.sentiment)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query post aspects: %w", err)
	}
	defer aspectRows.Close()
	for aspectRows.Next() {
		var (
			postID            int64
			aspect, sentiment string
			n                 int
		)
		if err := aspectRows.Scan(&postID, &aspect, &sentiment, &n); err != nil {
			return nil, fmt.Errorf("scan post aspect: %w", err)
		}
		r := &records[index[postID]]
		if r.AspectAnalyses == nil {
			r.AspectAnalyses = map[string]map[string]int{}
		}
		if r.AspectAnalyses[aspect] == nil {
			r.AspectAnalyses[aspect] = map[string]int{}
		}
		r.AspectAnalyses[aspect][sentiment] = n
	}
	return records, aspectRows.Err()
}
