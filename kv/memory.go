package kv

import (
	"context"
	"slices"
	"strings"
	"sync"
)

type Operation string

const (
	OpGetItem       Operation = "GetItem"
	OpPutItem       Operation = "PutItem"
	OpUpdateItem    Operation = "UpdateItem"
	OpQuery         Operation = "Query"
	OpTransactWrite Operation = "TransactWrite"
)

// FaultFunc is called before every operation against a Memory store. A
// non-nil error aborts the operation before it has any effect and is
// returned to the caller as an ErrCodeUnavailable error.
type FaultFunc func(ctx context.Context, op Operation, key Key) error

type MemoryOptions struct {
	Faults FaultFunc
}

// Memory is an in-process Store and ChangeFeed. Every operation is
// strongly consistent and atomic at the level of a single call.
type Memory struct {
	faults FaultFunc

	m         sync.Mutex
	items     map[string]map[string]Item
	changes   []ChangeEvent
	positions map[string]int64
	notify    *fanOut[int64]
}

func NewMemory(opts MemoryOptions) *Memory {
	return &Memory{
		faults:    opts.Faults,
		items:     make(map[string]map[string]Item),
		positions: make(map[string]int64),
		notify:    newFanOut[int64](),
	}
}

var (
	_ Store         = &Memory{}
	_ ChangeFeed    = &Memory{}
	_ PositionStore = &Memory{}
)

func (m *Memory) fault(ctx context.Context, op Operation, key Key) error {
	if m.faults == nil {
		return nil
	}

	err := m.faults(ctx, op, key)
	if err != nil {
		return Errorf(ErrCodeUnavailable,
			"%s %s: %w", op, key, err)
	}

	return nil
}

// GetItem implements Store.
func (m *Memory) GetItem(
	ctx context.Context, key Key, _ bool,
) (*Item, error) {
	err := key.validate()
	if err != nil {
		return nil, err
	}

	err = m.fault(ctx, OpGetItem, key)
	if err != nil {
		return nil, err
	}

	m.m.Lock()
	defer m.m.Unlock()

	it, ok := m.get(key)
	if !ok {
		return nil, Errorf(ErrCodeNotFound, "no item for %s", key)
	}

	c := it.Clone()

	return &c, nil
}

// PutItem implements Store.
func (m *Memory) PutItem(ctx context.Context, put Put) error {
	err := put.validate()
	if err != nil {
		return err
	}

	err = m.fault(ctx, OpPutItem, put.Item.Key)
	if err != nil {
		return err
	}

	m.m.Lock()
	defer m.m.Unlock()

	err = m.check(put.Item.Key, put.Condition)
	if err != nil {
		return err
	}

	m.set(put.Item.Clone())

	return nil
}

// UpdateItem implements Store.
func (m *Memory) UpdateItem(ctx context.Context, update Update) (*Item, error) {
	err := update.validate()
	if err != nil {
		return nil, err
	}

	err = m.fault(ctx, OpUpdateItem, update.Key)
	if err != nil {
		return nil, err
	}

	m.m.Lock()
	defer m.m.Unlock()

	err = m.check(update.Key, update.Condition)
	if err != nil {
		return nil, err
	}

	it := m.applyUpdate(update)

	c := it.Clone()

	return &c, nil
}

// Query implements Store.
func (m *Memory) Query(ctx context.Context, q Query) ([]Item, error) {
	err := q.validate()
	if err != nil {
		return nil, err
	}

	err = m.fault(ctx, OpQuery, Key{ID: q.ID, Sort: q.SortPrefix})
	if err != nil {
		return nil, err
	}

	m.m.Lock()
	defer m.m.Unlock()

	var res []Item

	for _, it := range m.items[q.ID] {
		if !matchesQuery(q, it) {
			continue
		}

		res = append(res, it.Clone())
	}

	slices.SortFunc(res, func(a, b Item) int {
		if q.Descending {
			return strings.Compare(b.Sort, a.Sort)
		}

		return strings.Compare(a.Sort, b.Sort)
	})

	if q.Limit > 0 && len(res) > q.Limit {
		res = res[:q.Limit]
	}

	return res, nil
}

// TransactWrite implements Store.
func (m *Memory) TransactWrite(ctx context.Context, items []TransactItem) error {
	err := validateTransaction(items)
	if err != nil {
		return err
	}

	err = m.fault(ctx, OpTransactWrite, transactionKey(items[0]))
	if err != nil {
		return err
	}

	m.m.Lock()
	defer m.m.Unlock()

	for i, ti := range items {
		var err error

		switch {
		case ti.Update != nil:
			err = m.check(ti.Update.Key, ti.Update.Condition)
		case ti.Put != nil:
			err = m.check(ti.Put.Item.Key, ti.Put.Condition)
		}

		code := GetErrorCode(err)

		switch {
		case err == nil:
		case code == ErrCodeConditionFailed:
			return Errorf(ErrCodeConditionFailed,
				"transaction cancelled by item %d: %w", i, err)
		default:
			return Errorf(code, "transaction item %d: %w", i, err)
		}
	}

	for _, ti := range items {
		switch {
		case ti.Update != nil:
			m.applyUpdate(*ti.Update)
		case ti.Put != nil:
			m.set(ti.Put.Item.Clone())
		}
	}

	return nil
}

// ReadChanges implements ChangeFeed.
func (m *Memory) ReadChanges(
	_ context.Context, after int64, limit int,
) ([]ChangeEvent, error) {
	m.m.Lock()
	defer m.m.Unlock()

	// Sequence numbers start at 1 and are dense, so the sequence doubles
	// as an index.
	start := max(after, 0)
	if start >= int64(len(m.changes)) {
		return nil, nil
	}

	end := int64(len(m.changes))
	if limit > 0 {
		end = min(end, start+int64(limit))
	}

	res := make([]ChangeEvent, 0, end-start)

	for _, evt := range m.changes[start:end] {
		if evt.NewImage != nil {
			c := evt.NewImage.Clone()
			evt.NewImage = &c
		}

		res = append(res, evt)
	}

	return res, nil
}

// OnChange implements ChangeFeed.
func (m *Memory) OnChange(ctx context.Context, ch chan int64) {
	go m.notify.Listen(ctx, ch)
}

// GetFeedPosition implements PositionStore.
func (m *Memory) GetFeedPosition(_ context.Context, name string) (int64, error) {
	m.m.Lock()
	defer m.m.Unlock()

	return m.positions[name], nil
}

// SetFeedPosition implements PositionStore.
func (m *Memory) SetFeedPosition(_ context.Context, name string, pos int64) error {
	m.m.Lock()
	defer m.m.Unlock()

	m.positions[name] = pos

	return nil
}

// Redeliver appends copies of already published change events to the end
// of the feed, the way an at-least-once feed would after a consumer failure.
func (m *Memory) Redeliver(sequences ...int64) {
	m.m.Lock()
	defer m.m.Unlock()

	for _, seq := range sequences {
		if seq < 1 || seq > int64(len(m.changes)) {
			continue
		}

		evt := m.changes[seq-1]
		if evt.NewImage != nil {
			c := evt.NewImage.Clone()
			evt.NewImage = &c
		}

		m.publish(evt.Key, evt.NewImage)
	}
}

func (m *Memory) get(key Key) (Item, bool) {
	part, ok := m.items[key.ID]
	if !ok {
		return Item{}, false
	}

	it, ok := part[key.Sort]

	return it, ok
}

func (m *Memory) set(it Item) {
	part, ok := m.items[it.ID]
	if !ok {
		part = make(map[string]Item)
		m.items[it.ID] = part
	}

	part[it.Sort] = it

	img := it.Clone()

	m.publish(it.Key, &img)
}

func (m *Memory) publish(key Key, img *Item) {
	seq := int64(len(m.changes)) + 1

	m.changes = append(m.changes, ChangeEvent{
		Sequence: seq,
		Key:      key,
		NewImage: img,
	})

	m.notify.Notify(seq)
}

func (m *Memory) check(key Key, cond Condition) error {
	it, exists := m.get(key)

	switch cond.Kind {
	case ConditionNone:
		return nil
	case ConditionItemAbsent:
		if exists {
			return Errorf(ErrCodeConditionFailed,
				"item %s already exists", key)
		}

		return nil
	case ConditionLatestAbsentOrEquals:
		if !exists || it.Latest == nil || *it.Latest == cond.Latest {
			return nil
		}

		return Errorf(ErrCodeConditionFailed,
			"latest for %s is %d, expected %d",
			key, *it.Latest, cond.Latest)
	}

	return Errorf(ErrCodeBadRequest, "unknown condition kind %d", cond.Kind)
}

func (m *Memory) applyUpdate(u Update) Item {
	it, exists := m.get(u.Key)
	if !exists {
		it = Item{Key: u.Key}
	}

	it.Time = u.Time
	it.State = append([]byte(nil), u.State...)

	switch u.Latest {
	case LatestKeep:
	case LatestIncrement:
		var n int64

		if it.Latest != nil {
			n = *it.Latest
		}

		n++
		it.Latest = &n
	case LatestAssign:
		n := u.Value
		it.Latest = &n
	}

	m.set(it)

	return it
}

func transactionKey(ti TransactItem) Key {
	if ti.Update != nil {
		return ti.Update.Key
	}

	return ti.Put.Item.Key
}
