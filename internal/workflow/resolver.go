package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/notifyr/dispatch/internal/model"
	"github.com/notifyr/dispatch/internal/repository"
	apperrors "github.com/notifyr/dispatch/pkg/errors"
)

// Resolver looks up workflow configurations with a short TTL cache in
// front of the record store. Misses are cached too, so a record pointing
// at a deleted workflow does not hammer the store on every retry.
type Resolver struct {
	repo  repository.WorkflowRepository
	cache *cache.Cache
}

func NewResolver(repo repository.WorkflowRepository, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Resolver{
		repo:  repo,
		cache: cache.New(ttl, 2*ttl),
	}
}

type cachedMiss struct{ err error }

func (r *Resolver) Resolve(ctx context.Context, enterpriseID uuid.UUID, key string) (*model.Workflow, error) {
	cacheKey := fmt.Sprintf("%s/%s", enterpriseID, key)
	if v, ok := r.cache.Get(cacheKey); ok {
		switch cached := v.(type) {
		case *model.Workflow:
			return cached, nil
		case cachedMiss:
			return nil, cached.err
		}
	}

	wf, err := r.repo.GetByKey(ctx, enterpriseID, key)
	if err != nil {
		// Only definitive misses are cached; a store outage must not
		// masquerade as a missing workflow for a whole TTL.
		if apperrors.IsValidation(err) {
			r.cache.Set(cacheKey, cachedMiss{err: err}, cache.DefaultExpiration)
		}
		return nil, err
	}
	r.cache.Set(cacheKey, wf, cache.DefaultExpiration)
	return wf, nil
}
