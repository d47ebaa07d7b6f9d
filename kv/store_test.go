package kv_test

import (
	"testing"

	"github.com/ttab/elephant-versionstore/internal/test"
	"github.com/ttab/elephant-versionstore/kv"
)

func ptr[T any](v T) *T {
	return &v
}

// testStore runs the behaviours every Store implementation must share.
func testStore(t *testing.T, store kv.Store) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		ctx := test.Context(t)

		_, err := store.GetItem(ctx, kv.Key{ID: "missing", Sort: "v0"}, true)
		test.IsErrorCode(t, err, kv.ErrCodeNotFound, "get missing item")
	})

	t.Run("Increment", func(t *testing.T) {
		ctx := test.Context(t)
		key := kv.Key{ID: "incr", Sort: "v0"}

		for i := int64(1); i <= 3; i++ {
			it, err := store.UpdateItem(ctx, kv.Update{
				Key:    key,
				Time:   "2024-01-01T00:00:00Z",
				State:  []byte("RUNNING"),
				Latest: kv.LatestIncrement,
			})
			test.Must(t, err, "increment %d", i)

			test.Equal(t, kv.Item{
				Key:    key,
				Time:   "2024-01-01T00:00:00Z",
				State:  []byte("RUNNING"),
				Latest: ptr(i),
			}, *it, "updated item %d", i)
		}
	})

	t.Run("KeepLatest", func(t *testing.T) {
		ctx := test.Context(t)
		key := kv.Key{ID: "keep", Sort: "v0"}

		_, err := store.UpdateItem(ctx, kv.Update{
			Key:    key,
			Time:   "t1",
			Latest: kv.LatestAssign,
			Value:  7,
		})
		test.Must(t, err, "assign latest")

		it, err := store.UpdateItem(ctx, kv.Update{
			Key:   key,
			Time:  "t2",
			State: []byte("x"),
		})
		test.Must(t, err, "update without touching latest")

		test.Equal(t, int64(7), *it.Latest, "latest is kept")
		test.Equal(t, "t2", it.Time, "time is updated")
	})

	t.Run("ConditionalUpdate", func(t *testing.T) {
		ctx := test.Context(t)
		key := kv.Key{ID: "cond", Sort: "v0"}

		_, err := store.UpdateItem(ctx, kv.Update{
			Key:       key,
			Time:      "t1",
			State:     []byte("one"),
			Latest:    kv.LatestAssign,
			Value:     1,
			Condition: kv.LatestAbsentOrEquals(0),
		})
		test.Must(t, err, "conditional create")

		_, err = store.UpdateItem(ctx, kv.Update{
			Key:       key,
			Time:      "t2",
			State:     []byte("stale"),
			Latest:    kv.LatestAssign,
			Value:     1,
			Condition: kv.LatestAbsentOrEquals(0),
		})
		test.IsErrorCode(t, err, kv.ErrCodeConditionFailed,
			"update with stale latest")

		it, err := store.GetItem(ctx, key, true)
		test.Must(t, err, "read item after rejected update")

		test.Equal(t, "one", string(it.State),
			"rejected update had no effect")
	})

	t.Run("PutItemAbsent", func(t *testing.T) {
		ctx := test.Context(t)
		item := kv.Item{
			Key:   kv.Key{ID: "absent", Sort: "v1"},
			Time:  "t1",
			State: []byte("first"),
		}

		err := store.PutItem(ctx, kv.Put{
			Item:      item,
			Condition: kv.ItemAbsent(),
		})
		test.Must(t, err, "first put")

		item.State = []byte("second")

		err = store.PutItem(ctx, kv.Put{
			Item:      item,
			Condition: kv.ItemAbsent(),
		})
		test.IsErrorCode(t, err, kv.ErrCodeConditionFailed,
			"put over existing item")

		err = store.PutItem(ctx, kv.Put{Item: item})
		test.Must(t, err, "unconditional put")

		got, err := store.GetItem(ctx, item.Key, true)
		test.Must(t, err, "read item")

		test.Equal(t, item, *got, "item was replaced")
	})

	t.Run("Query", func(t *testing.T) {
		ctx := test.Context(t)

		for _, sk := range []string{
			"t#2024-01-02", "t#2024-01-01", "t#2024-01-03", "v0",
		} {
			err := store.PutItem(ctx, kv.Put{Item: kv.Item{
				Key:   kv.Key{ID: "query", Sort: sk},
				Time:  sk,
				State: []byte(sk),
			}})
			test.Must(t, err, "put %q", sk)
		}

		all, err := store.Query(ctx, kv.Query{
			ID:             "query",
			SortPrefix:     "t#",
			ConsistentRead: true,
		})
		test.Must(t, err, "query ascending")

		test.Equal(t, []string{
			"t#2024-01-01", "t#2024-01-02", "t#2024-01-03",
		}, sortKeys(all), "ascending order")

		latest, err := store.Query(ctx, kv.Query{
			ID:             "query",
			SortPrefix:     "t#",
			Descending:     true,
			Limit:          1,
			ConsistentRead: true,
		})
		test.Must(t, err, "query latest")

		test.Equal(t, []string{"t#2024-01-03"}, sortKeys(latest),
			"descending with limit")

		none, err := store.Query(ctx, kv.Query{
			ID:         "query-nothing",
			SortPrefix: "t#",
		})
		test.Must(t, err, "query empty partition")

		test.Equal(t, 0, len(none), "no items in empty partition")
	})

	t.Run("TransactionAllOrNothing", func(t *testing.T) {
		ctx := test.Context(t)
		pointer := kv.Key{ID: "tx", Sort: "v0"}

		err := store.TransactWrite(ctx, []kv.TransactItem{
			{Update: &kv.Update{
				Key:       pointer,
				Time:      "t1",
				State:     []byte("one"),
				Latest:    kv.LatestAssign,
				Value:     1,
				Condition: kv.LatestAbsentOrEquals(0),
			}},
			{Put: &kv.Put{Item: kv.Item{
				Key:   kv.Key{ID: "tx", Sort: "v1"},
				Time:  "t1",
				State: []byte("one"),
			}}},
		})
		test.Must(t, err, "first transaction")

		err = store.TransactWrite(ctx, []kv.TransactItem{
			{Update: &kv.Update{
				Key:       pointer,
				Time:      "t2",
				State:     []byte("two"),
				Latest:    kv.LatestAssign,
				Value:     1,
				Condition: kv.LatestAbsentOrEquals(0),
			}},
			{Put: &kv.Put{Item: kv.Item{
				Key:   kv.Key{ID: "tx", Sort: "v1b"},
				Time:  "t2",
				State: []byte("two"),
			}}},
		})
		test.IsErrorCode(t, err, kv.ErrCodeConditionFailed,
			"transaction with stale condition")

		_, err = store.GetItem(ctx, kv.Key{ID: "tx", Sort: "v1b"}, true)
		test.IsErrorCode(t, err, kv.ErrCodeNotFound,
			"put from cancelled transaction")

		it, err := store.GetItem(ctx, pointer, true)
		test.Must(t, err, "read pointer")

		test.Equal(t, int64(1), *it.Latest, "pointer unchanged")
	})

	t.Run("TransactionValidation", func(t *testing.T) {
		ctx := test.Context(t)
		key := kv.Key{ID: "txv", Sort: "v0"}

		err := store.TransactWrite(ctx, []kv.TransactItem{
			{Put: &kv.Put{Item: kv.Item{Key: key}}},
			{Put: &kv.Put{Item: kv.Item{Key: key}}},
		})
		test.IsErrorCode(t, err, kv.ErrCodeBadRequest,
			"duplicate keys in transaction")

		err = store.TransactWrite(ctx, nil)
		test.IsErrorCode(t, err, kv.ErrCodeBadRequest,
			"empty transaction")
	})
}

func sortKeys(items []kv.Item) []string {
	keys := make([]string, len(items))

	for i := range items {
		keys[i] = items[i].Sort
	}

	return keys
}
