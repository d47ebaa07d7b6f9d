package versions_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/ttab/elephant-versionstore/internal/test"
	"github.com/ttab/elephant-versionstore/kv"
	"github.com/ttab/elephant-versionstore/versions"
)

func TestTransactionalLostRace(t *testing.T) {
	ctx := test.Context(t)

	var (
		strategy versions.Strategy
		raced    bool
		racerTag versions.VersionTag
		racerErr error
	)

	// Let a second writer complete a full append after the first writer
	// has read the pointer but before its transaction is applied.
	store := kv.NewMemory(kv.MemoryOptions{
		Faults: func(ctx context.Context, op kv.Operation, _ kv.Key) error {
			if op != kv.OpTransactWrite || raced {
				return nil
			}

			raced = true

			racerTag, racerErr = strategy.AppendVersion(ctx, "eq-1",
				"2024-01-01T00:00:01Z", []byte("RACER"))

			return nil
		},
	})

	strategy = newStrategy(t, versions.KindTransactional, store)

	_, err := strategy.AppendVersion(ctx, "eq-1",
		"2024-01-01T00:00:00Z", []byte("LOSER"))
	test.IsErrorCode(t, err, kv.ErrCodeConditionFailed,
		"append that lost the race")

	test.Must(t, racerErr, "racing append")
	test.Equal(t, versions.CounterTag("eq-1", 1), racerTag,
		"the racer got the first version")

	latest, err := strategy.GetLatestVersion(ctx, "eq-1")
	test.Must(t, err, "get latest version")

	test.Equal(t, versions.Version{
		ID:      "eq-1",
		Time:    "2024-01-01T00:00:01Z",
		State:   []byte("RACER"),
		Version: 1,
	}, *latest, "latest version after the race")

	_, err = strategy.GetVersion(ctx, versions.CounterTag("eq-1", 2))
	test.IsErrorCode(t, err, kv.ErrCodeNotFound,
		"the losing append left no history record")

	tag, err := versions.AppendWithRetry(ctx, strategy, 3, "eq-1",
		"2024-01-01T00:00:00Z", []byte("LOSER"))
	test.Must(t, err, "retry the losing append")

	test.Equal(t, versions.CounterTag("eq-1", 2), tag,
		"retried append gets the next version")
}

func TestTransactionalConcurrentAppends(t *testing.T) {
	ctx := test.Context(t)
	store := kv.NewMemory(kv.MemoryOptions{})
	strategy := newStrategy(t, versions.KindTransactional, store)

	const (
		writers = 8
		appends = 5
	)

	var wg sync.WaitGroup

	errs := make(chan error, writers*appends)

	for w := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range appends {
				_, err := versions.AppendWithRetry(ctx, strategy, 100,
					"eq-1", "2024-01-01T00:00:00Z",
					fmt.Appendf(nil, "%d-%d", w, i))
				if err != nil {
					errs <- err
				}
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		test.Must(t, err, "concurrent append")
	}

	latest, err := strategy.GetLatestVersion(ctx, "eq-1")
	test.Must(t, err, "get latest version")

	test.Equal(t, int64(writers*appends), latest.Version,
		"every append got a version")

	var states []string

	for n := int64(1); n <= latest.Version; n++ {
		v, err := strategy.GetVersion(ctx, versions.CounterTag("eq-1", n))
		test.Must(t, err, "get version %d", n)

		states = append(states, string(v.State))
	}

	var want []string

	for w := range writers {
		for i := range appends {
			want = append(want, fmt.Sprintf("%d-%d", w, i))
		}
	}

	slices.Sort(states)
	slices.Sort(want)

	test.Equal(t, want, states,
		"every append is stored exactly once")
}
