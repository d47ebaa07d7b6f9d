package versions

import (
	"context"
	"fmt"

	"github.com/ttab/elephant-versionstore/kv"
)

// pointerStore holds the primitives shared by the strategies that keep a
// pointer record.
type pointerStore struct {
	store kv.Store
}

// readPointer does a consistent read of the pointer record and returns the
// pointer and its Latest value, zero if the attribute is absent.
func (p pointerStore) readPointer(
	ctx context.Context, id string,
) (*kv.Item, int64, error) {
	it, err := p.store.GetItem(ctx, PointerKey(id), true)
	if err != nil {
		return nil, 0, fmt.Errorf("read pointer for %q: %w", id, err)
	}

	var latest int64

	if it.Latest != nil {
		latest = *it.Latest
	}

	return it, latest, nil
}

// incrementPointer sets Time and State on the pointer and atomically
// increments Latest, returning the new value.
func (p pointerStore) incrementPointer(
	ctx context.Context, id string, t string, state []byte,
) (int64, error) {
	it, err := p.store.UpdateItem(ctx, kv.Update{
		Key:    PointerKey(id),
		Time:   t,
		State:  state,
		Latest: kv.LatestIncrement,
	})
	if err != nil {
		return 0, fmt.Errorf("update pointer for %q: %w", id, err)
	}

	if it.Latest == nil {
		return 0, fmt.Errorf(
			"no latest version in updated pointer for %q", id)
	}

	return *it.Latest, nil
}

// getLatest reads the latest version from the pointer record.
func (p pointerStore) getLatest(
	ctx context.Context, id string,
) (*Version, error) {
	it, latest, err := p.readPointer(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Version{
		ID:      id,
		Time:    it.Time,
		State:   it.State,
		Version: latest,
	}, nil
}

func (p pointerStore) getVersion(
	ctx context.Context, tag VersionTag,
) (*Version, error) {
	return getHistory(ctx, p.store, tag)
}

func getHistory(
	ctx context.Context, store kv.Store, tag VersionTag,
) (*Version, error) {
	if tag.SortKey == PointerSortKey {
		return nil, kv.Errorf(kv.ErrCodeBadRequest,
			"the pointer is not a history record")
	}

	it, err := store.GetItem(ctx, tag.Key(), true)
	if err != nil {
		return nil, fmt.Errorf("read version %s: %w", tag, err)
	}

	return &Version{
		ID:      tag.ID,
		Time:    it.Time,
		State:   it.State,
		Version: tag.Version,
	}, nil
}
