package kv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ttab/elephant-versionstore/internal/test"
	"github.com/ttab/elephant-versionstore/kv"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, kv.NewMemory(kv.MemoryOptions{}))
}

func TestMemoryChangeFeed(t *testing.T) {
	ctx := test.Context(t)
	store := kv.NewMemory(kv.MemoryOptions{})

	wake := make(chan int64, 10)

	store.OnChange(ctx, wake)

	// Give the listener goroutine a chance to register.
	time.Sleep(10 * time.Millisecond)

	_, err := store.UpdateItem(ctx, kv.Update{
		Key:    kv.Key{ID: "eq-1", Sort: "v0"},
		Time:   "t1",
		State:  []byte("RUNNING"),
		Latest: kv.LatestIncrement,
	})
	test.Must(t, err, "update pointer")

	err = store.PutItem(ctx, kv.Put{Item: kv.Item{
		Key:  kv.Key{ID: "eq-1", Sort: "v1"},
		Time: "t1",
	}})
	test.Must(t, err, "put history")

	select {
	case seq := <-wake:
		test.Equal(t, int64(1), seq, "first notification")
	case <-time.After(1 * time.Second):
		t.Fatal("no change notification received")
	}

	events, err := store.ReadChanges(ctx, 0, 0)
	test.Must(t, err, "read all changes")

	test.Equal(t, 2, len(events), "number of events")
	test.Equal(t, kv.Key{ID: "eq-1", Sort: "v0"}, events[0].Key,
		"first event key")
	test.Equal(t, int64(1), *events[0].NewImage.Latest,
		"first event latest")

	rest, err := store.ReadChanges(ctx, 1, 10)
	test.Must(t, err, "read after first")

	test.Equal(t, 1, len(rest), "number of events after first")
	test.Equal(t, int64(2), rest[0].Sequence, "sequence of second event")

	store.Redeliver(1)

	redelivered, err := store.ReadChanges(ctx, 2, 10)
	test.Must(t, err, "read redelivered")

	test.Equal(t, 1, len(redelivered), "number of redelivered events")
	test.Equal(t, events[0].Key, redelivered[0].Key, "redelivered key")
	test.Equal(t, int64(3), redelivered[0].Sequence,
		"redelivered event gets a new sequence")

	none, err := store.ReadChanges(ctx, 3, 10)
	test.Must(t, err, "read past the end")

	test.Equal(t, 0, len(none), "no events past the end")
}

func TestMemoryFaults(t *testing.T) {
	ctx := test.Context(t)

	failing := kv.Key{ID: "eq-1", Sort: "v1"}

	store := kv.NewMemory(kv.MemoryOptions{
		Faults: func(_ context.Context, op kv.Operation, key kv.Key) error {
			if op == kv.OpPutItem && key == failing {
				return errors.New("connection reset")
			}

			return nil
		},
	})

	err := store.PutItem(ctx, kv.Put{Item: kv.Item{Key: failing}})
	test.IsErrorCode(t, err, kv.ErrCodeUnavailable, "injected failure")

	_, err = store.GetItem(ctx, failing, true)
	test.IsErrorCode(t, err, kv.ErrCodeNotFound,
		"failed put had no effect")

	events, err := store.ReadChanges(ctx, 0, 0)
	test.Must(t, err, "read changes")

	test.Equal(t, 0, len(events), "failed put was not published")
}

func TestMemoryTransactionErrors(t *testing.T) {
	ctx := test.Context(t)
	store := kv.NewMemory(kv.MemoryOptions{})
	key := kv.Key{ID: "eq-1", Sort: "v0"}

	err := store.PutItem(ctx, kv.Put{Item: kv.Item{Key: key}})
	test.Must(t, err, "put item")

	err = store.TransactWrite(ctx, []kv.TransactItem{
		{Put: &kv.Put{
			Item:      kv.Item{Key: kv.Key{ID: "eq-1", Sort: "v1"}},
			Condition: kv.Condition{Kind: kv.ConditionKind(99)},
		}},
	})
	test.IsErrorCode(t, err, kv.ErrCodeBadRequest,
		"transaction with unknown condition kind")

	err = store.TransactWrite(ctx, []kv.TransactItem{
		{Put: &kv.Put{
			Item:      kv.Item{Key: key},
			Condition: kv.Condition{Kind: kv.ConditionItemAbsent},
		}},
	})
	test.IsErrorCode(t, err, kv.ErrCodeConditionFailed,
		"transaction with failed condition")

	_, err = store.GetItem(ctx, kv.Key{ID: "eq-1", Sort: "v1"}, true)
	test.IsErrorCode(t, err, kv.ErrCodeNotFound,
		"rejected transaction had no effect")
}

func TestMemoryPositions(t *testing.T) {
	ctx := test.Context(t)
	store := kv.NewMemory(kv.MemoryOptions{})

	pos, err := store.GetFeedPosition(ctx, "replicator")
	test.Must(t, err, "get initial position")

	test.Equal(t, int64(0), pos, "initial position")

	err = store.SetFeedPosition(ctx, "replicator", 12)
	test.Must(t, err, "set position")

	pos, err = store.GetFeedPosition(ctx, "replicator")
	test.Must(t, err, "get position")

	test.Equal(t, int64(12), pos, "stored position")
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := test.Context(t)
	store := kv.NewMemory(kv.MemoryOptions{})
	key := kv.Key{ID: "copy", Sort: "v0"}

	state := []byte("RUNNING")

	err := store.PutItem(ctx, kv.Put{Item: kv.Item{Key: key, State: state}})
	test.Must(t, err, "put item")

	state[0] = 'X'

	it, err := store.GetItem(ctx, key, true)
	test.Must(t, err, "get item")

	it.State[1] = 'X'

	again, err := store.GetItem(ctx, key, true)
	test.Must(t, err, "get item again")

	test.Equal(t, "RUNNING", string(again.State),
		"stored state is isolated from callers")
}
