package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"sentiment-pipeline/internal/models"
)

// ClaimPendingMentions moves every PENDING mention in scope to CLAIMED and
// links it to the subtask, inside one transaction. Rows locked by a
// concurrent claim are skipped. Mentions the same subtask claimed earlier and
// never resolved are returned again, so a redelivered subtask picks up its
// own work.
func (s *Store) ClaimPendingMentions(ctx context.Context, subTaskID int64, scope models.MentionScope) ([]models.ClaimedMention, error) {
	args := []any{models.SentimentPending, models.SentimentClaimed, subTaskID}
	filter := "p.user_id = $4 AND p.provider_id = $5"
	if scope.IntegrationID != nil {
		filter = "p.integration_id = $4"
		args = append(args, *scope.IntegrationID)
	} else {
		args = append(args, scope.UserID, scope.ProviderID)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, `
		SELECT m.id, m.content
		FROM mentions m
		JOIN posts p ON p.id = m.post_id
		WHERE `+filter+`
		  AND (m.sentiment_status = $1 OR (m.sentiment_status = $2 AND EXISTS (
		      SELECT 1 FROM subtask_mentions sm
		      WHERE sm.mention_id = m.id AND sm.subtask_id = $3 AND sm.status = 'PENDING'
		  )))
		ORDER BY m.id
		FOR UPDATE OF m SKIP LOCKED
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("select pending mentions: %w", err)
	}
	claimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ClaimedMention, error) {
		var c models.ClaimedMention
		err := row.Scan(&c.ID, &c.Content)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan pending mentions: %w", err)
	}
	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(claimed))
	for i, c := range claimed {
		ids[i] = c.ID
	}
	// A claim blocked on these rows re-reads the new status and skips them.
	if _, err := tx.Exec(ctx, `
		UPDATE mentions SET sentiment_status = $2, updated_at = NOW()
		WHERE id = ANY($1)
	`, ids, models.SentimentClaimed); err != nil {
		return nil, fmt.Errorf("mark mentions claimed: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO subtask_mentions (subtask_id, mention_id, status)
		SELECT $1, unnest($2::bigint[]), $3
		ON CONFLICT (subtask_id, mention_id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
	`, subTaskID, ids, models.SentimentPending); err != nil {
		return nil, fmt.Errorf("insert claims: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.log.WithFields(logrus.Fields{"subtask_id": subTaskID, "claimed": len(claimed)}).Debug("mentions claimed")
	return claimed, nil
}

// UpdateMentionSentiment stores a mention's label, score and aspect analyses
// and marks it COMPLETED. Previous aspect analyses are replaced.
func (s *Store) UpdateMentionSentiment(ctx context.Context, mentionID int64, label string, score float64, aspects []models.AspectSentiment) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE mentions SET sentiment = $2, score = $3, sentiment_status = $4, updated_at = NOW()
		WHERE id = $1
	`, mentionID, label, score, models.SentimentCompleted)
	if err != nil {
		return fmt.Errorf("update mention %d: %w", mentionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mention %d: %w", mentionID, ErrNotFound)
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM aspect_analyses WHERE mention_id = $1`, mentionID)
	for _, a := range aspects {
		batch.Queue(`INSERT INTO aspect_analyses (mention_id, aspect, sentiment) VALUES ($1, $2, $3)`, mentionID, a.Aspect, a.Sentiment)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write aspect analyses for mention %d: %w", mentionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SetClaimStatus resolves the link between a subtask and a claimed mention.
// A FAILED link hands a still-CLAIMED mention back to PENDING so a later
// sentiment run can pick it up.
func (s *Store) SetClaimStatus(ctx context.Context, subTaskID, mentionID int64, status models.SentimentStatus) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `
		UPDATE subtask_mentions SET status = $3, updated_at = NOW()
		WHERE subtask_id = $1 AND mention_id = $2
	`, subTaskID, mentionID, status); err != nil {
		return fmt.Errorf("set claim status for mention %d: %w", mentionID, err)
	}
	if status == models.SentimentFailed {
		if _, err := tx.Exec(ctx, `
			UPDATE mentions SET sentiment_status = $2, updated_at = NOW()
			WHERE id = $1 AND sentiment_status = $3
		`, mentionID, models.SentimentPending, models.SentimentClaimed); err != nil {
			return fmt.Errorf("release mention %d: %w", mentionID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
