package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyr/dispatch/internal/model"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
)

type fakeWorkflowRepo struct {
	mu        sync.Mutex
	workflows map[string]*model.Workflow
	err       error
	calls     int
}

func (r *fakeWorkflowRepo) GetByKey(ctx context.Context, enterpriseID uuid.UUID, key string) (*model.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	wf, ok := r.workflows[key]
	if !ok {
		return nil, apperrors.NewNotFound("workflow", nil)
	}
	return wf, nil
}

func (r *fakeWorkflowRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestResolveCachesHits(t *testing.T) {
	repo := &fakeWorkflowRepo{workflows: map[string]*model.Workflow{
		"order-shipped": {Key: "order-shipped", Active: true},
	}}
	r := NewResolver(repo, time.Minute)
	enterpriseID := uuid.New()

	for i := 0; i < 5; i++ {
		wf, err := r.Resolve(context.Background(), enterpriseID, "order-shipped")
		require.NoError(t, err)
		assert.Equal(t, "order-shipped", wf.Key)
	}
	assert.Equal(t, 1, repo.callCount())
}

func TestResolveCachesMisses(t *testing.T) {
	repo := &fakeWorkflowRepo{}
	r := NewResolver(repo, time.Minute)
	enterpriseID := uuid.New()

	for i := 0; i < 5; i++ {
		_, err := r.Resolve(context.Background(), enterpriseID, "deleted-workflow")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	}
	assert.Equal(t, 1, repo.callCount(), "definitive misses are served from cache")
}

func TestResolveDoesNotCacheOutages(t *testing.T) {
	repo := &fakeWorkflowRepo{err: apperrors.NewInfrastructure("store unreachable", nil)}
	r := NewResolver(repo, time.Minute)
	enterpriseID := uuid.New()

	_, err := r.Resolve(context.Background(), enterpriseID, "order-shipped")
	require.Error(t, err)
	_, err = r.Resolve(context.Background(), enterpriseID, "order-shipped")
	require.Error(t, err)

	assert.Equal(t, 2, repo.callCount(), "store failures must not be cached as misses")
}

func TestResolveScopesCacheByTenant(t *testing.T) {
	repo := &fakeWorkflowRepo{workflows: map[string]*model.Workflow{
		"order-shipped": {Key: "order-shipped", Active: true},
	}}
	r := NewResolver(repo, time.Minute)

	_, err := r.Resolve(context.Background(), uuid.New(), "order-shipped")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), uuid.New(), "order-shipped")
	require.NoError(t, err)

	assert.Equal(t, 2, repo.callCount(), "different tenants never share cache entries")
}
