package versions

import (
	"context"
	"time"

	"github.com/viccon/sturdyc"
)

// WithHistoryCache wraps a strategy with a cache for GetVersion. History
// records are immutable, so only reads that found a record are cached and
// there is no invalidation. Latest reads and appends are passed through.
func WithHistoryCache(s Strategy, capacity int, ttl time.Duration) Strategy {
	return &cachedStrategy{
		Strategy: s,
		cache: sturdyc.New[*Version](capacity, 1, ttl, 10,
			sturdyc.WithEvictionInterval(10*time.Second),
		),
	}
}

type cachedStrategy struct {
	Strategy

	cache *sturdyc.Client[*Version]
}

// GetVersion implements Strategy.
func (cs *cachedStrategy) GetVersion(
	ctx context.Context, tag VersionTag,
) (*Version, error) {
	key := tag.String()

	if v, ok := cs.cache.Get(key); ok {
		return copyVersion(v), nil
	}

	v, err := cs.Strategy.GetVersion(ctx, tag)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	cs.cache.Set(key, copyVersion(v))

	return v, nil
}

func copyVersion(v *Version) *Version {
	c := *v

	if v.State != nil {
		c.State = append([]byte(nil), v.State...)
	}

	return &c
}
