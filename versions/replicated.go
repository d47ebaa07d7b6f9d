package versions

import (
	"context"
	"log/slog"

	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/kv"
)

// Replicated only updates the pointer. History records are materialised
// asynchronously by a StreamProcessor that follows the change feed, so
// GetVersion can return ErrCodeNotFound for a version that has been
// appended but not yet replicated.
type Replicated struct {
	logger  *slog.Logger
	pointer pointerStore
}

func NewReplicated(logger *slog.Logger, store kv.Store) *Replicated {
	return &Replicated{
		logger:  logger,
		pointer: pointerStore{store: store},
	}
}

var _ Strategy = &Replicated{}

func (r *Replicated) Kind() Kind {
	return KindReplicated
}

// AppendVersion implements Strategy.
func (r *Replicated) AppendVersion(
	ctx context.Context, id string, t string, state []byte,
) (VersionTag, error) {
	err := validateAppend(id, t)
	if err != nil {
		return VersionTag{}, err
	}

	latest, err := r.pointer.incrementPointer(ctx, id, t, state)
	if err != nil {
		return VersionTag{}, err
	}

	r.logger.DebugContext(ctx, "pointer updated, awaiting replication",
		internal.LogKeyEntityID, id,
		internal.LogKeyVersion, latest)

	return CounterTag(id, latest), nil
}

// GetLatestVersion implements Strategy. The pointer is always up to date,
// regardless of replication lag.
func (r *Replicated) GetLatestVersion(
	ctx context.Context, id string,
) (*Version, error) {
	return r.pointer.getLatest(ctx, id)
}

// GetVersion implements Strategy.
func (r *Replicated) GetVersion(
	ctx context.Context, tag VersionTag,
) (*Version, error) {
	return r.pointer.getVersion(ctx, tag)
}
