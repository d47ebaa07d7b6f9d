package kv

import (
	"context"
	"fmt"
	"strings"
)

// Attribute names shared by all backends.
const (
	AttrPartitionKey = "PK"
	AttrSortKey      = "SK"
	AttrTime         = "Time"
	AttrState        = "State"
	AttrLatest       = "Latest"
)

// Key addresses a single item, ID is the partition key and Sort the sort key.
type Key struct {
	ID   string
	Sort string
}

func (k Key) String() string {
	return k.ID + "/" + k.Sort
}

func (k Key) validate() error {
	if k.ID == "" {
		return Errorf(ErrCodeBadRequest, "missing partition key")
	}

	if k.Sort == "" {
		return Errorf(ErrCodeBadRequest, "missing sort key")
	}

	return nil
}

// Item is a stored record. Latest is nil when the attribute is absent.
type Item struct {
	Key

	Time   string
	State  []byte
	Latest *int64
}

// Clone returns a deep copy of the item.
func (it Item) Clone() Item {
	c := it

	if it.State != nil {
		c.State = append([]byte(nil), it.State...)
	}

	if it.Latest != nil {
		l := *it.Latest
		c.Latest = &l
	}

	return c
}

type LatestOp int

const (
	// LatestKeep leaves the Latest attribute untouched.
	LatestKeep LatestOp = iota
	// LatestIncrement initialises Latest to 0 if absent and adds 1.
	LatestIncrement
	// LatestAssign sets Latest to the update value.
	LatestAssign
)

type ConditionKind int

const (
	ConditionNone ConditionKind = iota
	// ConditionLatestAbsentOrEquals requires that Latest is either absent
	// or equal to the condition value.
	ConditionLatestAbsentOrEquals
	// ConditionItemAbsent requires that no item exists for the key.
	ConditionItemAbsent
)

type Condition struct {
	Kind   ConditionKind
	Latest int64
}

// LatestAbsentOrEquals is the compare-and-swap condition used for pointer
// updates.
func LatestAbsentOrEquals(n int64) Condition {
	return Condition{
		Kind:   ConditionLatestAbsentOrEquals,
		Latest: n,
	}
}

// ItemAbsent only lets the write through if the item doesn't exist.
func ItemAbsent() Condition {
	return Condition{Kind: ConditionItemAbsent}
}

// Update sets Time and State on an item, creating it if necessary, and
// mutates Latest according to LatestOp.
type Update struct {
	Key       Key
	Time      string
	State     []byte
	Latest    LatestOp
	Value     int64
	Condition Condition
}

func (u Update) validate() error {
	err := u.Key.validate()
	if err != nil {
		return err
	}

	if u.Latest == LatestAssign && u.Value < 0 {
		return Errorf(ErrCodeBadRequest,
			"latest cannot be assigned a negative value")
	}

	return nil
}

type Put struct {
	Item      Item
	Condition Condition
}

func (p Put) validate() error {
	return p.Item.Key.validate()
}

// Query selects the items in a partition whose sort key starts with
// SortPrefix. A zero Limit reads all matching items.
type Query struct {
	ID             string
	SortPrefix     string
	Descending     bool
	Limit          int
	ConsistentRead bool
}

func (q Query) validate() error {
	if q.ID == "" {
		return Errorf(ErrCodeBadRequest, "missing partition key")
	}

	if q.Limit < 0 {
		return Errorf(ErrCodeBadRequest, "negative query limit")
	}

	return nil
}

// TransactItem is one operation in a transactional write, exactly one of
// Update and Put must be set.
type TransactItem struct {
	Update *Update
	Put    *Put
}

func validateTransaction(items []TransactItem) error {
	if len(items) == 0 {
		return Errorf(ErrCodeBadRequest, "empty transaction")
	}

	seen := make(map[Key]bool, len(items))

	for i, ti := range items {
		var (
			key Key
			err error
		)

		switch {
		case ti.Update != nil && ti.Put != nil:
			return Errorf(ErrCodeBadRequest,
				"transaction item %d has both update and put", i)
		case ti.Update != nil:
			key = ti.Update.Key
			err = ti.Update.validate()
		case ti.Put != nil:
			key = ti.Put.Item.Key
			err = ti.Put.validate()
		default:
			return Errorf(ErrCodeBadRequest,
				"transaction item %d is empty", i)
		}

		if err != nil {
			return fmt.Errorf("transaction item %d: %w", i, err)
		}

		if seen[key] {
			return Errorf(ErrCodeBadRequest,
				"transaction targets %s more than once", key)
		}

		seen[key] = true
	}

	return nil
}

// Store is the key-value capability the versioning strategies are built on.
type Store interface {
	// GetItem reads a single item, returns an ErrCodeNotFound error if
	// the item doesn't exist.
	GetItem(ctx context.Context, key Key, consistent bool) (*Item, error)
	// PutItem writes a complete item, replacing any existing item.
	PutItem(ctx context.Context, put Put) error
	// UpdateItem applies the update atomically and returns the item as
	// it looks after the update.
	UpdateItem(ctx context.Context, update Update) (*Item, error)
	// Query reads items from a single partition in sort key order.
	Query(ctx context.Context, q Query) ([]Item, error)
	// TransactWrite applies all operations or none of them. A failed
	// condition results in an ErrCodeConditionFailed error.
	TransactWrite(ctx context.Context, items []TransactItem) error
}

// ChangeEvent describes an item mutation as observed on a change feed.
// NewImage is nil for removals.
type ChangeEvent struct {
	Sequence int64
	Key      Key
	NewImage *Item
}

// ChangeFeed is an ordered, at-least-once feed of item mutations.
type ChangeFeed interface {
	// ReadChanges returns up to limit events with a sequence number
	// higher than after, in feed order.
	ReadChanges(
		ctx context.Context, after int64, limit int,
	) ([]ChangeEvent, error)
	// OnChange notifies ch of the sequence number of new events until
	// the context is cancelled. Sends are non-blocking, so ch only works
	// as a wakeup signal.
	OnChange(ctx context.Context, ch chan int64)
}

// PositionStore persists how far a named consumer has read in a change
// feed.
type PositionStore interface {
	GetFeedPosition(ctx context.Context, name string) (int64, error)
	SetFeedPosition(ctx context.Context, name string, pos int64) error
}

func matchesQuery(q Query, it Item) bool {
	return strings.HasPrefix(it.Sort, q.SortPrefix)
}
