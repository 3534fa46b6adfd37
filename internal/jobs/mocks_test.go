package jobs

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"sentiment-pipeline/internal/export"
	"sentiment-pipeline/internal/models"
)

type mockOwners struct{ mock.Mock }

func (m *mockOwners) GetTaskOwnerForSubTask(ctx context.Context, subTaskID int64) (models.TaskOwner, error) {
	args := m.Called(ctx, subTaskID)
	return args.Get(0).(models.TaskOwner), args.Error(1)
}

type mockCreds struct{ mock.Mock }

func (m *mockCreds) GetIntegration(ctx context.Context, userID string, providerID int64) (models.Integration, bool, error) {
	args := m.Called(ctx, userID, providerID)
	return args.Get(0).(models.Integration), args.Bool(1), args.Error(2)
}

func (m *mockCreds) UpdateIntegrationCredentials(ctx context.Context, upd models.CredentialUpdate) (models.Integration, error) {
	args := m.Called(ctx, upd)
	return args.Get(0).(models.Integration), args.Error(1)
}

type mockRefresher struct{ mock.Mock }

func (m *mockRefresher) Refresh(ctx context.Context, refreshToken string) (models.RefreshedToken, error) {
	args := m.Called(ctx, refreshToken)
	return args.Get(0).(models.RefreshedToken), args.Error(1)
}

type mockResolver struct{ mock.Mock }

func (m *mockResolver) Build(ctx context.Context, subTaskID int64, payload map[string]any) (models.ExecutionContext, error) {
	args := m.Called(ctx, subTaskID, payload)
	return args.Get(0).(models.ExecutionContext), args.Error(1)
}

type mockVideos struct{ mock.Mock }

func (m *mockVideos) FetchSingleVideo(ctx context.Context, token string, method models.AuthMethod, videoURL string) (*models.Video, error) {
	args := m.Called(ctx, token, method, videoURL)
	v, _ := args.Get(0).(*models.Video)
	return v, args.Error(1)
}

type mockChannels struct{ mock.Mock }

func (m *mockChannels) ListChannelVideos(ctx context.Context, token string, method models.AuthMethod, channelID string) ([]models.Video, error) {
	args := m.Called(ctx, token, method, channelID)
	v, _ := args.Get(0).([]models.Video)
	return v, args.Error(1)
}

type mockSearcher struct{ mock.Mock }

func (m *mockSearcher) SearchByKeyword(ctx context.Context, keyword, token string) ([]models.RedditMention, error) {
	args := m.Called(ctx, keyword, token)
	v, _ := args.Get(0).([]models.RedditMention)
	return v, args.Error(1)
}

type mockKeywordStore struct{ mock.Mock }

func (m *mockKeywordStore) ListActiveKeywordsForIntegration(ctx context.Context, integrationID int64) ([]models.TrackedKeyword, error) {
	args := m.Called(ctx, integrationID)
	v, _ := args.Get(0).([]models.TrackedKeyword)
	return v, args.Error(1)
}

func (m *mockKeywordStore) GetIntegrationByID(ctx context.Context, integrationID int64) (models.Integration, bool, error) {
	args := m.Called(ctx, integrationID)
	return args.Get(0).(models.Integration), args.Bool(1), args.Error(2)
}

type mockSentimentStore struct{ mock.Mock }

func (m *mockSentimentStore) ClaimPendingMentions(ctx context.Context, subTaskID int64, scope models.MentionScope) ([]models.ClaimedMention, error) {
	args := m.Called(ctx, subTaskID, scope)
	v, _ := args.Get(0).([]models.ClaimedMention)
	return v, args.Error(1)
}

func (m *mockSentimentStore) UpdateMentionSentiment(ctx context.Context, mentionID int64, label string, score float64, aspects []models.AspectSentiment) error {
	return m.Called(ctx, mentionID, label, score, aspects).Error(0)
}

func (m *mockSentimentStore) SetClaimStatus(ctx context.Context, subTaskID, mentionID int64, status models.SentimentStatus) error {
	return m.Called(ctx, subTaskID, mentionID, status).Error(0)
}

type mockScorer struct{ mock.Mock }

func (m *mockScorer) Analyze(ctx context.Context, items []models.ScoreRequest) ([]models.ScoreResult, error) {
	args := m.Called(ctx, items)
	v, _ := args.Get(0).([]models.ScoreResult)
	return v, args.Error(1)
}

type mockExporter struct{ mock.Mock }

func (m *mockExporter) Export(ctx context.Context, opts export.Options) (export.Result, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).(export.Result), args.Error(1)
}

type mockStorage struct{ mock.Mock }

func (m *mockStorage) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	args := m.Called(ctx, key, body, contentType)
	return args.String(0), args.Error(1)
}

// statusRecorder captures terminal subtask states.
type statusRecorder struct {
	mu        sync.Mutex
	completed []int64
	failed    map[int64]string
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{failed: map[int64]string{}}
}

func (s *statusRecorder) MarkSubTaskCompleted(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *statusRecorder) MarkSubTaskFailed(_ context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = message
	return nil
}

func (s *statusRecorder) isCompleted(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.completed {
		if c == id {
			return true
		}
	}
	return false
}

func (s *statusRecorder) failure(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.failed[id]
	return msg, ok
}

// fakePosts is an in-memory PostStore. Mentions whose remote id is in
// failMentions return an error.
type fakePosts struct {
	posts          []models.NewPost
	mentions       []models.NewMention
	mentionCalls   int
	failMentions   map[string]bool
	missingOnQuery bool
}

func (f *fakePosts) CreatePost(_ context.Context, post models.NewPost) error {
	f.posts = append(f.posts, post)
	return nil
}

func (f *fakePosts) GetPostByRemoteID(_ context.Context, userID string, _ int64, remoteID string) (models.Post, bool, error) {
	if f.missingOnQuery {
		return models.Post{}, false, nil
	}
	for i, p := range f.posts {
		if p.UserID == userID && p.RemoteID == remoteID {
			return models.Post{ID: int64(100 + i), UserID: userID, RemoteID: remoteID}, true, nil
		}
	}
	return models.Post{}, false, nil
}

func (f *fakePosts) CreateMention(_ context.Context, m models.NewMention) error {
	f.mentionCalls++
	if f.failMentions[m.RemoteID] {
		return errFake
	}
	f.mentions = append(f.mentions, m)
	return nil
}
