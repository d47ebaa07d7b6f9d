package versions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/kv"
)

type Kind string

const (
	KindCounter       Kind = "counter"
	KindReplicated    Kind = "replicated"
	KindTransactional Kind = "transactional"
	KindTimeOrdered   Kind = "time-ordered"
)

// Kinds lists all available strategies.
var Kinds = []Kind{
	KindCounter, KindReplicated, KindTransactional, KindTimeOrdered,
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}

	return "", fmt.Errorf("unknown versioning strategy %q", s)
}

// Strategy appends versions and reads them back. Storage errors are returned
// wrapped but unmasked, use kv.GetErrorCode to inspect them.
type Strategy interface {
	Kind() Kind
	// AppendVersion stores a new version of the entity and returns the
	// tag of its history record.
	AppendVersion(
		ctx context.Context, id string, t string, state []byte,
	) (VersionTag, error)
	// GetLatestVersion returns the most recent version of an entity, or
	// an ErrCodeNotFound error if no versions have been appended.
	GetLatestVersion(ctx context.Context, id string) (*Version, error)
	// GetVersion reads a single history record.
	GetVersion(ctx context.Context, tag VersionTag) (*Version, error)
}

type Options struct {
	Logger *slog.Logger
}

// New creates a strategy of the given kind.
func New(kind Kind, store kv.Store, opts Options) (Strategy, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	logger := opts.Logger.With(internal.LogKeyStrategy, string(kind))

	switch kind {
	case KindCounter:
		return NewCounter(logger, store), nil
	case KindReplicated:
		return NewReplicated(logger, store), nil
	case KindTransactional:
		return NewTransactional(logger, store), nil
	case KindTimeOrdered:
		return NewTimeOrdered(logger, store), nil
	}

	return nil, fmt.Errorf("unknown versioning strategy %q", kind)
}
