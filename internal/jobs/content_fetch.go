package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sentiment-pipeline/internal/models"
)

// ChannelLister loads a channel's recent videos. An empty channel id means
// the token owner's channel.
type ChannelLister interface {
	ListChannelVideos(ctx context.Context, token string, method models.AuthMethod, channelID string) ([]models.Video, error)
}

// ContentFetchProcessor syncs a YouTube channel's recent uploads.
type ContentFetchProcessor struct {
	contexts ContextResolver
	channels ChannelLister
	posts    PostStore
	timeout  time.Duration
	rep      reporter
}

func NewContentFetchProcessor(contexts ContextResolver, channels ChannelLister, posts PostStore, status StatusWriter, timeout time.Duration, log *logrus.Entry) *ContentFetchProcessor {
	return &ContentFetchProcessor{
		contexts: contexts,
		channels: channels,
		posts:    posts,
		timeout:  timeout,
		rep:      newReporter(status, log, "content_fetch"),
	}
}

func (p *ContentFetchProcessor) Process(ctx context.Context, item models.SubTask) {
	defer p.rep.recover(ctx, item)

	ec, err := p.contexts.Build(ctx, item.ID, item.Data)
	if err != nil {
		p.rep.fail(ctx, item, "Authentication failed: "+err.Error())
		return
	}
	if !isYouTube(ec.ProviderName) {
		p.rep.fail(ctx, item, fmt.Sprintf("Provider %s not supported", ec.ProviderName))
		return
	}

	fctx, cancel := withTimeout(ctx, p.timeout)
	videos, err := p.channels.ListChannelVideos(fctx, ec.AuthToken, ec.AuthMethod, stringField(item.Data, "channelId"))
	cancel()
	if err != nil {
		p.rep.fail(ctx, item, "Processing failed: "+err.Error())
		return
	}

	for _, v := range videos {
		postURL := "https://www.youtube.com/watch?v=" + v.ID
		if err := savePost(ctx, p.posts, videoPost(ec, v, postURL), videoComments(v, postURL)); err != nil {
			p.rep.fail(ctx, item, "Processing failed: "+err.Error())
			return
		}
	}
	p.rep.itemLog(item).WithField("videos", len(videos)).Info("channel content stored")
	p.rep.complete(ctx, item)
}
