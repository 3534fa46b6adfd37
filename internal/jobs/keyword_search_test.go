package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sentiment-pipeline/internal/logging"
	"sentiment-pipeline/internal/models"
)

func redditMention(id string, commentIDs ...string) models.RedditMention {
	m := models.RedditMention{ID: id, Title: "post " + id, Content: "body", Permalink: "https://reddit.com/r/x/" + id, Subreddit: "x"}
	for _, c := range commentIDs {
		m.Comments = append(m.Comments, models.RedditComment{ID: c, Content: "comment " + c})
	}
	return m
}

type keywordFixture struct {
	store    *mockKeywordStore
	searcher *mockSearcher
	posts    *fakePosts
	status   *statusRecorder
	proc     *KeywordSearchProcessor
}

func newKeywordFixture() keywordFixture {
	f := keywordFixture{
		store:    &mockKeywordStore{},
		searcher: &mockSearcher{},
		posts:    &fakePosts{failMentions: map[string]bool{}},
		status:   newStatusRecorder(),
	}
	f.proc = NewKeywordSearchProcessor(f.store, f.searcher, f.posts, f.status, time.Second, logging.Discard())
	f.proc.now = func() time.Time { return testNow }
	return f
}

var redditIntegration = models.Integration{
	ID: 5, UserID: "user-1", ProviderID: 2, AccessToken: "user-token",
	RefreshTokenExpiresAt: testNow.Add(time.Hour), IsActive: true,
}

func TestKeywordSearchContinuesPastFailingMention(t *testing.T) {
	f := newKeywordFixture()
	item := models.SubTask{ID: 20, Data: map[string]any{"integrationId": float64(5)}}

	f.store.On("ListActiveKeywordsForIntegration", mock.Anything, int64(5)).Return([]models.TrackedKeyword{{ID: 1, Keyword: "phone"}}, nil)
	f.store.On("GetIntegrationByID", mock.Anything, int64(5)).Return(redditIntegration, true, nil)
	f.searcher.On("SearchByKeyword", mock.Anything, "phone", "user-token").Return([]models.RedditMention{
		redditMention("m1", "c1"),
		redditMention("m2", "c2"),
		redditMention("m3", "c3"),
	}, nil)
	f.posts.failMentions["c2"] = true

	f.proc.Process(context.Background(), item)

	assert.Equal(t, 3, f.posts.mentionCalls)
	assert.Len(t, f.posts.mentions, 2)
	assert.True(t, f.status.isCompleted(20))
	_, failed := f.status.failure(20)
	assert.False(t, failed)

	m := f.posts.mentions[0]
	assert.Equal(t, models.SourceReddit, m.SourceType)
	require.NotNil(t, m.TrackedKeywordID)
	assert.Equal(t, int64(1), *m.TrackedKeywordID)
	assert.Equal(t, "x", m.OriginLabel)

	require.Len(t, f.posts.posts, 3)
	assert.Equal(t, "user-1", f.posts.posts[0].UserID)
	require.NotNil(t, f.posts.posts[0].IntegrationID)
	assert.Equal(t, int64(5), *f.posts.posts[0].IntegrationID)
}

func TestKeywordSearchContinuesPastFailingKeyword(t *testing.T) {
	f := newKeywordFixture()
	item := models.SubTask{ID: 21, Data: map[string]any{"integrationId": "5"}}

	f.store.On("ListActiveKeywordsForIntegration", mock.Anything, int64(5)).Return([]models.TrackedKeyword{
		{ID: 1, Keyword: "broken"},
		{ID: 2, Keyword: "phone"},
	}, nil)
	f.store.On("GetIntegrationByID", mock.Anything, int64(5)).Return(redditIntegration, true, nil)
	f.searcher.On("SearchByKeyword", mock.Anything, "broken", "user-token").Return(nil, errFake)
	f.searcher.On("SearchByKeyword", mock.Anything, "phone", "user-token").Return([]models.RedditMention{redditMention("m1", "c1")}, nil)

	f.proc.Process(context.Background(), item)

	assert.True(t, f.status.isCompleted(21))
	assert.Len(t, f.posts.mentions, 1)
	f.searcher.AssertNumberOfCalls(t, "SearchByKeyword", 2)
}

func TestKeywordSearchNoKeywordsCompletes(t *testing.T) {
	f := newKeywordFixture()
	item := models.SubTask{ID: 22, Data: map[string]any{"integrationId": float64(5)}}

	f.store.On("ListActiveKeywordsForIntegration", mock.Anything, int64(5)).Return([]models.TrackedKeyword{}, nil)
	f.store.On("GetIntegrationByID", mock.Anything, int64(5)).Return(redditIntegration, true, nil)

	f.proc.Process(context.Background(), item)

	assert.True(t, f.status.isCompleted(22))
	f.searcher.AssertNotCalled(t, "SearchByKeyword", mock.Anything, mock.Anything, mock.Anything)
}

func TestKeywordSearchMissingIntegrationFails(t *testing.T) {
	f := newKeywordFixture()
	item := models.SubTask{ID: 23, Data: map[string]any{"integrationId": float64(5)}}

	f.store.On("ListActiveKeywordsForIntegration", mock.Anything, int64(5)).Return([]models.TrackedKeyword{{ID: 1, Keyword: "phone"}}, nil)
	f.store.On("GetIntegrationByID", mock.Anything, int64(5)).Return(models.Integration{}, false, nil)

	f.proc.Process(context.Background(), item)

	msg, failed := f.status.failure(23)
	require.True(t, failed)
	assert.Equal(t, "Integration 5 not found", msg)
	f.searcher.AssertNotCalled(t, "SearchByKeyword", mock.Anything, mock.Anything, mock.Anything)
}

func TestKeywordSearchExpiredTokenSearchesAnonymously(t *testing.T) {
	f := newKeywordFixture()
	item := models.SubTask{ID: 24, Data: map[string]any{"integrationId": float64(5)}}
	expired := redditIntegration
	expired.RefreshTokenExpiresAt = testNow.Add(-time.Hour)

	f.store.On("ListActiveKeywordsForIntegration", mock.Anything, int64(5)).Return([]models.TrackedKeyword{{ID: 1, Keyword: "phone"}}, nil)
	f.store.On("GetIntegrationByID", mock.Anything, int64(5)).Return(expired, true, nil)
	f.searcher.On("SearchByKeyword", mock.Anything, "phone", "").Return([]models.RedditMention{}, nil)

	f.proc.Process(context.Background(), item)

	assert.True(t, f.status.isCompleted(24))
	f.searcher.AssertExpectations(t)
}

func TestKeywordSearchWithoutIntegrationIDFails(t *testing.T) {
	f := newKeywordFixture()
	f.proc.Process(context.Background(), models.SubTask{ID: 25, Data: map[string]any{}})

	_, failed := f.status.failure(25)
	assert.True(t, failed)
}
