package versions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ttab/elephant-versionstore/kv"
)

// TimeOrdered stores every version under a key derived from its time and
// keeps no pointer. The latest version is the one with the greatest time, so
// times must sort lexicographically, like RFC3339 timestamps in UTC. Two
// versions with the same time share a key and the last write wins.
type TimeOrdered struct {
	logger *slog.Logger
	store  kv.Store
}

func NewTimeOrdered(logger *slog.Logger, store kv.Store) *TimeOrdered {
	return &TimeOrdered{
		logger: logger,
		store:  store,
	}
}

var _ Strategy = &TimeOrdered{}

func (to *TimeOrdered) Kind() Kind {
	return KindTimeOrdered
}

// AppendVersion implements Strategy.
func (to *TimeOrdered) AppendVersion(
	ctx context.Context, id string, t string, state []byte,
) (VersionTag, error) {
	err := validateAppend(id, t)
	if err != nil {
		return VersionTag{}, err
	}

	tag := TimeTag(id, t)

	err = to.store.PutItem(ctx, kv.Put{
		Item: historyItem(tag, t, state),
	})
	if err != nil {
		return VersionTag{}, fmt.Errorf("write %s: %w", tag, err)
	}

	return tag, nil
}

// GetLatestVersion implements Strategy.
func (to *TimeOrdered) GetLatestVersion(
	ctx context.Context, id string,
) (*Version, error) {
	items, err := to.store.Query(ctx, kv.Query{
		ID:             id,
		SortPrefix:     TimePrefix,
		Descending:     true,
		Limit:          1,
		ConsistentRead: true,
	})
	if err != nil {
		return nil, fmt.Errorf("query versions of %q: %w", id, err)
	}

	if len(items) == 0 {
		return nil, kv.Errorf(kv.ErrCodeNotFound,
			"no versions of %q", id)
	}

	return &Version{
		ID:    id,
		Time:  items[0].Time,
		State: items[0].State,
	}, nil
}

// GetVersion implements Strategy.
func (to *TimeOrdered) GetVersion(
	ctx context.Context, tag VersionTag,
) (*Version, error) {
	return getHistory(ctx, to.store, tag)
}
