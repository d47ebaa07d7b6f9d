package versions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/kv"
)

// PartialWriteError is returned by the counter strategy when the pointer was
// updated but the history record couldn't be written. The pointer is left
// ahead of the history until the gap is repaired, see Auditor.
type PartialWriteError struct {
	// Tag is the history record that is missing.
	Tag VersionTag
	Err error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("pointer updated, but failed to write %s: %v",
		e.Tag, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// Counter increments the pointer and then writes the history record as a
// second, non-atomic step.
//
// A retried AppendVersion increments the counter again, so callers that retry
// after an error of unknown effect can create duplicate versions.
type Counter struct {
	logger  *slog.Logger
	store   kv.Store
	pointer pointerStore
}

func NewCounter(logger *slog.Logger, store kv.Store) *Counter {
	return &Counter{
		logger:  logger,
		store:   store,
		pointer: pointerStore{store: store},
	}
}

var _ Strategy = &Counter{}

func (c *Counter) Kind() Kind {
	return KindCounter
}

// AppendVersion implements Strategy.
func (c *Counter) AppendVersion(
	ctx context.Context, id string, t string, state []byte,
) (VersionTag, error) {
	err := validateAppend(id, t)
	if err != nil {
		return VersionTag{}, err
	}

	latest, err := c.pointer.incrementPointer(ctx, id, t, state)
	if err != nil {
		return VersionTag{}, err
	}

	tag := CounterTag(id, latest)

	err = c.store.PutItem(ctx, kv.Put{
		Item: historyItem(tag, t, state),
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "history record missing after pointer update",
			internal.LogKeyEntityID, id,
			internal.LogKeyVersion, latest,
			internal.LogKeyError, err)

		return VersionTag{}, &PartialWriteError{
			Tag: tag,
			Err: err,
		}
	}

	return tag, nil
}

// GetLatestVersion implements Strategy.
func (c *Counter) GetLatestVersion(
	ctx context.Context, id string,
) (*Version, error) {
	return c.pointer.getLatest(ctx, id)
}

// GetVersion implements Strategy.
func (c *Counter) GetVersion(
	ctx context.Context, tag VersionTag,
) (*Version, error) {
	return c.pointer.getVersion(ctx, tag)
}
