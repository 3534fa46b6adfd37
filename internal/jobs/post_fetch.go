package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sentiment-pipeline/internal/models"
)

// VideoFetcher loads one video by URL. A nil video means it does not exist.
type VideoFetcher interface {
	FetchSingleVideo(ctx context.Context, token string, method models.AuthMethod, videoURL string) (*models.Video, error)
}

// PostFetchProcessor fetches a single video and stores it with its comments.
type PostFetchProcessor struct {
	contexts ContextResolver
	videos   VideoFetcher
	posts    PostStore
	timeout  time.Duration
	rep      reporter
}

func NewPostFetchProcessor(contexts ContextResolver, videos VideoFetcher, posts PostStore, status StatusWriter, timeout time.Duration, log *logrus.Entry) *PostFetchProcessor {
	return &PostFetchProcessor{
		contexts: contexts,
		videos:   videos,
		posts:    posts,
		timeout:  timeout,
		rep:      newReporter(status, log, "post_fetch"),
	}
}

func (p *PostFetchProcessor) Process(ctx context.Context, item models.SubTask) {
	defer p.rep.recover(ctx, item)

	ec, err := p.contexts.Build(ctx, item.ID, item.Data)
	if err != nil {
		if IsAuthenticationError(err) {
			p.rep.fail(ctx, item, "Authentication failed: "+err.Error())
		} else {
			p.rep.fail(ctx, item, "Processing failed: "+err.Error())
		}
		return
	}

	videoURL := stringField(item.Data, "url")
	if videoURL == "" {
		p.rep.fail(ctx, item, "No video URL provided")
		return
	}
	if !isYouTube(ec.ProviderName) {
		p.rep.fail(ctx, item, fmt.Sprintf("Provider %s not supported", ec.ProviderName))
		return
	}

	if err := p.fetchAndStore(ctx, ec, videoURL); err != nil {
		p.rep.fail(ctx, item, "Processing failed: "+err.Error())
		return
	}
	p.rep.complete(ctx, item)
}

func (p *PostFetchProcessor) fetchAndStore(ctx context.Context, ec models.ExecutionContext, videoURL string) error {
	fctx, cancel := withTimeout(ctx, p.timeout)
	video, err := p.videos.FetchSingleVideo(fctx, ec.AuthToken, ec.AuthMethod, videoURL)
	cancel()
	if err != nil {
		return err
	}
	if video == nil {
		return errors.New("no video data returned from YouTube API")
	}
	return savePost(ctx, p.posts, videoPost(ec, *video, videoURL), videoComments(*video, videoURL))
}

// withTimeout applies d when positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
