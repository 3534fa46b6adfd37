package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sentiment-pipeline/internal/logging"
	"sentiment-pipeline/internal/models"
)

var errFake = errors.New("fake failure")

var (
	testNow   = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testOwner = models.TaskOwner{
		TaskID:   9,
		User:     models.User{ID: "user-1"},
		Provider: models.Provider{ID: 1, Name: "YouTube"},
	}
)

type builderDeps struct {
	owners    *mockOwners
	creds     *mockCreds
	refresher *mockRefresher
}

func newTestBuilder(masterKeys map[string]string) (*ContextBuilder, builderDeps) {
	d := builderDeps{owners: &mockOwners{}, creds: &mockCreds{}, refresher: &mockRefresher{}}
	b := NewContextBuilder(d.owners, d.creds,
		map[string]TokenRefresher{"YouTube": d.refresher},
		masterKeys,
		logging.Discard(),
		WithClock(func() time.Time { return testNow }),
	)
	return b, d
}

func TestBuildUsesValidStoredTokenWithoutRefresh(t *testing.T) {
	b, d := newTestBuilder(map[string]string{"youtube": "master"})
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(42)).Return(testOwner, nil)
	d.creds.On("GetIntegration", mock.Anything, "user-1", int64(1)).Return(models.Integration{
		ID: 7, AccessToken: "stored", RefreshToken: "rt", RefreshTokenExpiresAt: testNow.Add(time.Hour), IsActive: true,
	}, true, nil)

	payload := map[string]any{"url": "x"}
	ec, err := b.Build(context.Background(), 42, payload)
	require.NoError(t, err)

	assert.Equal(t, models.TokenSourceUserOAuth, ec.TokenSource)
	assert.Equal(t, models.AuthMethodOAuth, ec.AuthMethod)
	assert.Equal(t, "stored", ec.AuthToken)
	require.NotNil(t, ec.IntegrationID)
	assert.Equal(t, int64(7), *ec.IntegrationID)
	assert.Equal(t, "YouTube", ec.ProviderName)
	assert.Equal(t, payload, ec.Payload)
	d.refresher.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
	d.creds.AssertNotCalled(t, "UpdateIntegrationCredentials", mock.Anything, mock.Anything)
}

func TestBuildRefreshesExpiredToken(t *testing.T) {
	b, d := newTestBuilder(nil)
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(42)).Return(testOwner, nil)
	d.creds.On("GetIntegration", mock.Anything, "user-1", int64(1)).Return(models.Integration{
		ID: 7, AccessToken: "old", RefreshToken: "rt", RefreshTokenExpiresAt: testNow.Add(-time.Minute), IsActive: true,
	}, true, nil)
	d.refresher.On("Refresh", mock.Anything, "rt").Return(models.RefreshedToken{
		AccessToken: "fresh", RefreshToken: "rt-2", ExpiresIn: time.Hour,
	}, nil).Once()
	d.creds.On("UpdateIntegrationCredentials", mock.Anything, models.CredentialUpdate{
		UserID: "user-1", ProviderID: 1, AccessToken: "fresh", RefreshToken: "rt-2", ExpiresAt: testNow.Add(time.Hour),
	}).Return(models.Integration{ID: 8, AccessToken: "fresh", IsActive: true}, nil).Once()

	ec, err := b.Build(context.Background(), 42, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TokenSourceUserOAuth, ec.TokenSource)
	assert.Equal(t, "fresh", ec.AuthToken)
	require.NotNil(t, ec.IntegrationID)
	assert.Equal(t, int64(8), *ec.IntegrationID)
	d.refresher.AssertNumberOfCalls(t, "Refresh", 1)
	d.creds.AssertExpectations(t)
}

func TestBuildKeepsRefreshTokenWhenProviderDoesNotRotate(t *testing.T) {
	b, d := newTestBuilder(nil)
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(42)).Return(testOwner, nil)
	d.creds.On("GetIntegration", mock.Anything, "user-1", int64(1)).Return(models.Integration{
		ID: 7, RefreshToken: "rt", RefreshTokenExpiresAt: testNow.Add(-time.Minute), IsActive: true,
	}, true, nil)
	d.refresher.On("Refresh", mock.Anything, "rt").Return(models.RefreshedToken{AccessToken: "fresh", ExpiresIn: time.Hour}, nil)
	d.creds.On("UpdateIntegrationCredentials", mock.Anything, mock.MatchedBy(func(u models.CredentialUpdate) bool {
		return u.RefreshToken == "rt" && u.AccessToken == "fresh"
	})).Return(models.Integration{ID: 7}, nil)

	ec, err := b.Build(context.Background(), 42, nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", ec.AuthToken)
}

func TestBuildFallsBackToMasterKeyWhenRefreshFails(t *testing.T) {
	b, d := newTestBuilder(map[string]string{"youtube": "master-key"})
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(42)).Return(testOwner, nil)
	d.creds.On("GetIntegration", mock.Anything, "user-1", int64(1)).Return(models.Integration{
		ID: 7, AccessToken: "old", RefreshToken: "revoked", RefreshTokenExpiresAt: testNow.Add(-time.Minute), IsActive: true,
	}, true, nil)
	d.refresher.On("Refresh", mock.Anything, "revoked").Return(models.RefreshedToken{}, errors.New("invalid_grant"))

	ec, err := b.Build(context.Background(), 42, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TokenSourceMasterAPIKey, ec.TokenSource)
	assert.Equal(t, models.AuthMethodAPIKey, ec.AuthMethod)
	assert.Equal(t, "master-key", ec.AuthToken)
	assert.Nil(t, ec.IntegrationID)
	d.creds.AssertNotCalled(t, "UpdateIntegrationCredentials", mock.Anything, mock.Anything)
}

func TestBuildFallsBackWhenPersistingRefreshFails(t *testing.T) {
	b, d := newTestBuilder(map[string]string{"youtube": "master-key"})
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(42)).Return(testOwner, nil)
	d.creds.On("GetIntegration", mock.Anything, "user-1", int64(1)).Return(models.Integration{
		ID: 7, RefreshToken: "rt", RefreshTokenExpiresAt: testNow.Add(-time.Minute), IsActive: true,
	}, true, nil)
	d.refresher.On("Refresh", mock.Anything, "rt").Return(models.RefreshedToken{AccessToken: "fresh", ExpiresIn: time.Hour}, nil)
	d.creds.On("UpdateIntegrationCredentials", mock.Anything, mock.Anything).Return(models.Integration{}, errFake)

	ec, err := b.Build(context.Background(), 42, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TokenSourceMasterAPIKey, ec.TokenSource)
}

func TestBuildWithoutIntegrationOrMasterKeyFails(t *testing.T) {
	b, d := newTestBuilder(nil)
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(4242)).Return(testOwner, nil)
	d.creds.On("GetIntegration", mock.Anything, "user-1", int64(1)).Return(models.Integration{}, false, nil)

	_, err := b.Build(context.Background(), 4242, nil)
	require.Error(t, err)
	assert.True(t, IsAuthenticationError(err))
	assert.Contains(t, err.Error(), "4242")
}

func TestBuildWithoutIntegrationUsesMasterKey(t *testing.T) {
	b, d := newTestBuilder(map[string]string{"youtube": "master-key"})
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(1)).Return(testOwner, nil)
	d.creds.On("GetIntegration", mock.Anything, "user-1", int64(1)).Return(models.Integration{}, false, nil)

	ec, err := b.Build(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TokenSourceMasterAPIKey, ec.TokenSource)
	assert.Equal(t, "user-1", ec.UserID)
	assert.Equal(t, int64(1), ec.ProviderID)
}

func TestBuildTreatsInactiveIntegrationAsAbsent(t *testing.T) {
	b, d := newTestBuilder(map[string]string{"youtube": "master-key"})
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(1)).Return(testOwner, nil)
	d.creds.On("GetIntegration", mock.Anything, "user-1", int64(1)).Return(models.Integration{
		ID: 7, AccessToken: "stored", RefreshTokenExpiresAt: testNow.Add(time.Hour), IsActive: false,
	}, true, nil)

	ec, err := b.Build(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TokenSourceMasterAPIKey, ec.TokenSource)
}

func TestBuildTreatsLookupErrorAsAbsent(t *testing.T) {
	b, d := newTestBuilder(map[string]string{"youtube": "master-key"})
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(1)).Return(testOwner, nil)
	d.creds.On("GetIntegration", mock.Anything, "user-1", int64(1)).Return(models.Integration{}, false, errFake)

	ec, err := b.Build(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TokenSourceMasterAPIKey, ec.TokenSource)
}

func TestBuildWrapsOwnerLookupFailure(t *testing.T) {
	b, d := newTestBuilder(map[string]string{"youtube": "master-key"})
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(5)).Return(models.TaskOwner{}, errFake)

	_, err := b.Build(context.Background(), 5, nil)
	require.Error(t, err)
	assert.True(t, IsAuthenticationError(err))
	assert.ErrorIs(t, err, errFake)
}

func TestBuildPreservesExistingAuthenticationError(t *testing.T) {
	b, d := newTestBuilder(nil)
	original := &AuthenticationError{SubTaskID: 5, Msg: "subtask has no owner"}
	d.owners.On("GetTaskOwnerForSubTask", mock.Anything, int64(5)).Return(models.TaskOwner{}, original)

	_, err := b.Build(context.Background(), 5, nil)
	require.Error(t, err)
	var got *AuthenticationError
	require.ErrorAs(t, err, &got)
	assert.Same(t, original, got)
}

// memCreds keeps one integration in memory. A snapshot passed to serveStale
// is returned by the next GetIntegration call only.
type memCreds struct {
	mu      sync.Mutex
	current models.Integration
	stale   *models.Integration
}

func (c *memCreds) GetIntegration(_ context.Context, _ string, _ int64) (models.Integration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale != nil {
		in := *c.stale
		c.stale = nil
		return in, true, nil
	}
	return c.current, true, nil
}

func (c *memCreds) UpdateIntegrationCredentials(_ context.Context, upd models.CredentialUpdate) (models.Integration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.AccessToken = upd.AccessToken
	c.current.RefreshToken = upd.RefreshToken
	c.current.RefreshTokenExpiresAt = upd.ExpiresAt
	return c.current, nil
}

func (c *memCreds) serveStale(in models.Integration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = &in
}

// rotatingRefresher accepts each refresh token once and rotates it. When
// release is set, every call waits for it to be closed.
type rotatingRefresher struct {
	mu      sync.Mutex
	used    map[string]bool
	seen    []string
	release chan struct{}
}

func newRotatingRefresher(release chan struct{}) *rotatingRefresher {
	return &rotatingRefresher{used: make(map[string]bool), release: release}
}

func (r *rotatingRefresher) Refresh(ctx context.Context, refreshToken string) (models.RefreshedToken, error) {
	r.mu.Lock()
	r.seen = append(r.seen, refreshToken)
	n := len(r.seen)
	reused := r.used[refreshToken]
	r.used[refreshToken] = true
	r.mu.Unlock()

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return models.RefreshedToken{}, ctx.Err()
		}
	}
	if reused {
		return models.RefreshedToken{}, errors.New("invalid_grant")
	}
	return models.RefreshedToken{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("%s-%d", refreshToken, n),
		ExpiresIn:    time.Hour,
	}, nil
}

func (r *rotatingRefresher) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func expiredIntegration() models.Integration {
	return models.Integration{
		ID: 7, UserID: "user-1", ProviderID: 1, AccessToken: "old", RefreshToken: "rt",
		RefreshTokenExpiresAt: testNow.Add(-time.Minute), IsActive: true,
	}
}

func newRotatingBuilder(creds *memCreds, refresher *rotatingRefresher) *ContextBuilder {
	owners := &mockOwners{}
	owners.On("GetTaskOwnerForSubTask", mock.Anything, mock.Anything).Return(testOwner, nil)
	return NewContextBuilder(owners, creds, map[string]TokenRefresher{"youtube": refresher}, nil, logging.Discard(),
		WithClock(func() time.Time { return testNow }))
}

func TestBuildReusesTokenRefreshedAfterStaleRead(t *testing.T) {
	creds := &memCreds{current: expiredIntegration()}
	refresher := newRotatingRefresher(nil)
	b := newRotatingBuilder(creds, refresher)
	outdated := creds.current

	first, err := b.Build(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "access-1", first.AuthToken)

	// The second caller read the integration before the first refresh landed.
	creds.serveStale(outdated)
	second, err := b.Build(context.Background(), 2, nil)
	require.NoError(t, err)

	assert.Equal(t, models.TokenSourceUserOAuth, second.TokenSource)
	assert.Equal(t, "access-1", second.AuthToken)
	assert.Equal(t, []string{"rt"}, refresher.calls())
	assert.Equal(t, "rt-1", creds.current.RefreshToken)
}

func TestBuildSerializesConcurrentRefreshes(t *testing.T) {
	creds := &memCreds{current: expiredIntegration()}
	refresher := newRotatingRefresher(make(chan struct{}))
	b := newRotatingBuilder(creds, refresher)

	const workers = 5
	var wg sync.WaitGroup
	tokens := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ec, err := b.Build(context.Background(), int64(i+1), nil)
			tokens[i], errs[i] = ec.AuthToken, err
		}(i)
	}
	require.Eventually(t, func() bool { return len(refresher.calls()) == 1 }, time.Second, time.Millisecond)
	close(refresher.release)
	wg.Wait()

	assert.Equal(t, []string{"rt"}, refresher.calls())
	for i := range tokens {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
}
