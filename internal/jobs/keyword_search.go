package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sentiment-pipeline/internal/models"
)

// MentionSearcher finds posts mentioning a keyword. token may be empty.
type MentionSearcher interface {
	SearchByKeyword(ctx context.Context, keyword, token string) ([]models.RedditMention, error)
}

// KeywordStore loads what a keyword search runs against.
type KeywordStore interface {
	ListActiveKeywordsForIntegration(ctx context.Context, integrationID int64) ([]models.TrackedKeyword, error)
	GetIntegrationByID(ctx context.Context, integrationID int64) (models.Integration, bool, error)
}

// KeywordSearchProcessor collects Reddit mentions for every active tracked
// keyword. Completion is best effort: a mention or keyword that fails is
// logged and counted as skipped, and the subtask still completes.
type KeywordSearchProcessor struct {
	keywords KeywordStore
	search   MentionSearcher
	posts    PostStore
	timeout  time.Duration
	now      func() time.Time
	rep      reporter
}

func NewKeywordSearchProcessor(keywords KeywordStore, search MentionSearcher, posts PostStore, status StatusWriter, timeout time.Duration, log *logrus.Entry) *KeywordSearchProcessor {
	return &KeywordSearchProcessor{
		keywords: keywords,
		search:   search,
		posts:    posts,
		timeout:  timeout,
		now:      time.Now,
		rep:      newReporter(status, log, "keyword_search"),
	}
}

func (p *KeywordSearchProcessor) Process(ctx context.Context, item models.SubTask) {
	defer p.rep.recover(ctx, item)

	integrationID, ok := int64Field(item.Data, "integrationId")
	if !ok {
		p.rep.fail(ctx, item, "No integration id provided")
		return
	}
	keywords, err := p.keywords.ListActiveKeywordsForIntegration(ctx, integrationID)
	if err != nil {
		p.rep.fail(ctx, item, "Processing failed: "+err.Error())
		return
	}
	integration, found, err := p.keywords.GetIntegrationByID(ctx, integrationID)
	if err != nil {
		p.rep.fail(ctx, item, "Processing failed: "+err.Error())
		return
	}
	if !found {
		p.rep.fail(ctx, item, fmt.Sprintf("Integration %d not found", integrationID))
		return
	}
	if len(keywords) == 0 {
		p.rep.complete(ctx, item)
		return
	}

	token := ""
	if integration.HasValidAccessToken(p.now()) {
		token = integration.AccessToken
	}

	skipped := 0
	for _, kw := range keywords {
		log := p.rep.itemLog(item).WithField("keyword", kw.Keyword)

		sctx, cancel := withTimeout(ctx, p.timeout)
		mentions, err := p.search.SearchByKeyword(sctx, kw.Keyword, token)
		cancel()
		if err != nil {
			log.WithError(err).Error("keyword search failed")
			skipped++
			continue
		}

		for _, m := range mentions {
			if err := p.saveMention(ctx, integration, kw, m); err != nil {
				log.WithError(err).WithField("mention_id", m.ID).Error("failed to store mention")
				skipped++
			}
		}
		log.WithField("mentions", len(mentions)).Info("keyword processed")
	}

	p.rep.skipped(skipped)
	p.rep.complete(ctx, item)
}

func (p *KeywordSearchProcessor) saveMention(ctx context.Context, integration models.Integration, kw models.TrackedKeyword, m models.RedditMention) error {
	integrationID := integration.ID
	keywordID := kw.ID
	post := models.NewPost{
		UserID:        integration.UserID,
		ProviderID:    integration.ProviderID,
		IntegrationID: &integrationID,
		RemoteID:      m.ID,
		Title:         m.Title,
		Description:   m.Content,
		PostURL:       m.Permalink,
		CommentCount:  int64(len(m.Comments)),
		PublishedAt:   m.CreatedAt,
	}
	return savePost(ctx, p.posts, post, func(postID int64) []models.NewMention {
		out := make([]models.NewMention, 0, len(m.Comments))
		for _, c := range m.Comments {
			out = append(out, models.NewMention{
				PostID:           postID,
				TrackedKeywordID: &keywordID,
				RemoteID:         c.ID,
				Content:          c.Content,
				Author:           c.Author,
				SourceType:       models.SourceReddit,
				SourceURL:        m.Permalink,
				OriginLabel:      m.Subreddit,
				PublishedAt:      c.CreatedAt,
			})
		}
		return out
	})
}
