package versions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/kv"
)

// Transactional writes the pointer update and the history record in a single
// transaction, guarded by a compare-and-swap on the pointer's Latest value.
// A lost race is reported as an ErrCodeConditionFailed error and has no
// effect, see RetryConflicts.
type Transactional struct {
	logger  *slog.Logger
	store   kv.Store
	pointer pointerStore
}

func NewTransactional(logger *slog.Logger, store kv.Store) *Transactional {
	return &Transactional{
		logger:  logger,
		store:   store,
		pointer: pointerStore{store: store},
	}
}

var _ Strategy = &Transactional{}

func (tr *Transactional) Kind() Kind {
	return KindTransactional
}

// AppendVersion implements Strategy.
func (tr *Transactional) AppendVersion(
	ctx context.Context, id string, t string, state []byte,
) (VersionTag, error) {
	err := validateAppend(id, t)
	if err != nil {
		return VersionTag{}, err
	}

	var latest int64

	_, current, err := tr.pointer.readPointer(ctx, id)

	switch {
	case kv.IsErrorCode(err, kv.ErrCodeNotFound):
	case err != nil:
		return VersionTag{}, err
	default:
		latest = current
	}

	return tr.appendAt(ctx, id, latest, t, state)
}

func (tr *Transactional) appendAt(
	ctx context.Context, id string, latest int64, t string, state []byte,
) (VersionTag, error) {
	tag := CounterTag(id, latest+1)
	history := historyItem(tag, t, state)

	err := tr.store.TransactWrite(ctx, []kv.TransactItem{
		{Update: &kv.Update{
			Key:       PointerKey(id),
			Time:      t,
			State:     state,
			Latest:    kv.LatestAssign,
			Value:     tag.Version,
			Condition: kv.LatestAbsentOrEquals(latest),
		}},
		{Put: &kv.Put{Item: history}},
	})
	if kv.IsErrorCode(err, kv.ErrCodeConditionFailed) {
		tr.logger.DebugContext(ctx, "lost race for version",
			internal.LogKeyEntityID, id,
			internal.LogKeyVersion, tag.Version)

		return VersionTag{}, fmt.Errorf(
			"append %s: pointer is no longer at version %d: %w",
			tag, latest, err)
	} else if err != nil {
		return VersionTag{}, fmt.Errorf("append %s: %w", tag, err)
	}

	return tag, nil
}

// GetLatestVersion implements Strategy.
func (tr *Transactional) GetLatestVersion(
	ctx context.Context, id string,
) (*Version, error) {
	return tr.pointer.getLatest(ctx, id)
}

// GetVersion implements Strategy.
func (tr *Transactional) GetVersion(
	ctx context.Context, tag VersionTag,
) (*Version, error) {
	return tr.pointer.getVersion(ctx, tag)
}
