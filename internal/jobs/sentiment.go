package jobs

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"sentiment-pipeline/internal/models"
)

// DefaultChunkSize is the scorer's batch limit.
const DefaultChunkSize = 25

// Scorer scores a batch of texts.
type Scorer interface {
	Analyze(ctx context.Context, items []models.ScoreRequest) ([]models.ScoreResult, error)
}

// SentimentStore claims pending mentions and records their scores.
type SentimentStore interface {
	// ClaimPendingMentions atomically links unclaimed pending mentions in
	// scope to the subtask and returns them in claim order.
	ClaimPendingMentions(ctx context.Context, subTaskID int64, scope models.MentionScope) ([]models.ClaimedMention, error)
	UpdateMentionSentiment(ctx context.Context, mentionID int64, label string, score float64, aspects []models.AspectSentiment) error
	SetClaimStatus(ctx context.Context, subTaskID, mentionID int64, status models.SentimentStatus) error
}

// SentimentProcessor scores every pending mention a subtask can claim.
type SentimentProcessor struct {
	contexts  ContextResolver
	store     SentimentStore
	scorer    Scorer
	chunkSize int
	timeout   time.Duration
	rep       reporter
}

func NewSentimentProcessor(contexts ContextResolver, store SentimentStore, scorer Scorer, status StatusWriter, chunkSize int, timeout time.Duration, log *logrus.Entry) *SentimentProcessor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &SentimentProcessor{
		contexts:  contexts,
		store:     store,
		scorer:    scorer,
		chunkSize: chunkSize,
		timeout:   timeout,
		rep:       newReporter(status, log, "sentiment"),
	}
}

// Process claims, chunks and scores. A failed chunk call skips only that
// chunk and a failed update skips only that mention; the subtask completes
// once every chunk has been attempted.
func (p *SentimentProcessor) Process(ctx context.Context, item models.SubTask) {
	defer p.rep.recover(ctx, item)

	ec, err := p.contexts.Build(ctx, item.ID, item.Data)
	if err != nil {
		p.rep.fail(ctx, item, err.Error())
		return
	}

	claimed, err := p.store.ClaimPendingMentions(ctx, item.ID, models.ScopeFor(ec))
	if err != nil {
		p.rep.fail(ctx, item, "Processing failed: "+err.Error())
		return
	}
	if len(claimed) == 0 {
		p.rep.complete(ctx, item)
		return
	}

	skipped := 0
	for i, chunk := range Chunk(claimed, p.chunkSize) {
		skipped += p.scoreChunk(ctx, item, i, chunk)
	}

	p.rep.itemLog(item).WithFields(logrus.Fields{
		"claimed": len(claimed),
		"skipped": skipped,
	}).Info("sentiment batch finished")
	p.rep.skipped(skipped)
	p.rep.complete(ctx, item)
}

// scoreChunk returns how many mentions of the chunk were not updated.
func (p *SentimentProcessor) scoreChunk(ctx context.Context, item models.SubTask, index int, chunk []models.ClaimedMention) int {
	log := p.rep.itemLog(item).WithField("chunk", index)

	reqs := make([]models.ScoreRequest, 0, len(chunk))
	inChunk := make(map[int64]bool, len(chunk))
	for _, m := range chunk {
		reqs = append(reqs, models.ScoreRequest{ID: strconv.FormatInt(m.ID, 10), Value: m.Content})
		inChunk[m.ID] = true
	}

	cctx, cancel := withTimeout(ctx, p.timeout)
	results, err := p.scorer.Analyze(cctx, reqs)
	cancel()
	if err != nil {
		log.WithError(err).Error("scoring request failed, skipping chunk")
		for _, m := range chunk {
			p.setClaim(ctx, log, item.ID, m.ID, models.SentimentFailed)
		}
		return len(chunk)
	}

	attempted := make(map[int64]bool, len(chunk))
	updated := 0
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil || !inChunk[id] || attempted[id] {
			log.WithField("result_id", r.ID).Warn("ignoring unexpected scorer result")
			continue
		}
		attempted[id] = true

		if err := p.store.UpdateMentionSentiment(ctx, id, r.GeneralSentiment.Label, r.GeneralSentiment.Score, r.AspectSentiment); err != nil {
			log.WithError(err).WithField("mention_id", id).Error("failed to update mention sentiment")
			p.setClaim(ctx, log, item.ID, id, models.SentimentFailed)
			continue
		}
		updated++
		p.setClaim(ctx, log, item.ID, id, models.SentimentCompleted)
	}

	for _, m := range chunk {
		if !attempted[m.ID] {
			p.setClaim(ctx, log, item.ID, m.ID, models.SentimentFailed)
		}
	}
	return len(chunk) - updated
}

func (p *SentimentProcessor) setClaim(ctx context.Context, log *logrus.Entry, subTaskID, mentionID int64, status models.SentimentStatus) {
	if err := p.store.SetClaimStatus(ctx, subTaskID, mentionID, status); err != nil {
		log.WithError(err).WithField("mention_id", mentionID).Warn("failed to update claim status")
	}
}
