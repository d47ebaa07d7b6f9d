package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ttab/elephant-versionstore/internal"
	"golang.org/x/sync/errgroup"
)

const (
	versionstoreCRC = 2212294583
	// LockChangeLog serialises change log appends so that sequence
	// numbers are assigned in commit order.
	LockChangeLog = versionstoreCRC + 1
)

// NotifyChangeLog is the notification channel used to signal new change log
// entries.
const NotifyChangeLog = "change_log"

// Postgres error codes for transactions that lost against a concurrent
// writer.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

type PostgresOptions struct {
	Logger      *slog.Logger
	CallTimeout time.Duration
}

// Postgres is a Store, ChangeFeed and PositionStore backed by the tables
// created by the schema migrations.
type Postgres struct {
	logger  *slog.Logger
	pool    *pgxpool.Pool
	timeout time.Duration
	changes *fanOut[int64]
}

var (
	_ Store         = &Postgres{}
	_ ChangeFeed    = &Postgres{}
	_ PositionStore = &Postgres{}
)

func NewPostgres(pool *pgxpool.Pool, opts PostgresOptions) *Postgres {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Postgres{
		logger:  logger,
		pool:    pool,
		timeout: opts.CallTimeout,
		changes: newFanOut[int64](),
	}
}

func (p *Postgres) callContext(
	ctx context.Context,
) (context.Context, context.CancelFunc) {
	if p.timeout == 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, p.timeout)
}

// GetItem implements Store. Reads are always consistent.
func (p *Postgres) GetItem(
	ctx context.Context, key Key, _ bool,
) (*Item, error) {
	err := key.validate()
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	it, err := scanItem(p.pool.QueryRow(ctx, `
SELECT pk, sk, time, state, latest
FROM item
WHERE pk = $1 AND sk = $2`,
		key.ID, key.Sort))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Errorf(ErrCodeNotFound, "no item for %s", key)
	} else if err != nil {
		return nil, p.classify(ctx, OpGetItem, key, err)
	}

	return &it, nil
}

// PutItem implements Store.
func (p *Postgres) PutItem(ctx context.Context, put Put) error {
	err := put.validate()
	if err != nil {
		return err
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		_, err := p.put(ctx, tx, put)

		return err
	})
	if err != nil {
		return p.classify(ctx, OpPutItem, put.Item.Key, err)
	}

	return nil
}

// UpdateItem implements Store.
func (p *Postgres) UpdateItem(ctx context.Context, update Update) (*Item, error) {
	err := update.validate()
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	var it Item

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		i, err := p.update(ctx, tx, update)
		if err != nil {
			return err
		}

		it = i

		return nil
	})
	if err != nil {
		return nil, p.classify(ctx, OpUpdateItem, update.Key, err)
	}

	return &it, nil
}

// Query implements Store.
func (p *Postgres) Query(ctx context.Context, q Query) ([]Item, error) {
	err := q.validate()
	if err != nil {
		return nil, err
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	order := "ASC"
	if q.Descending {
		order = "DESC"
	}

	// The C collation gives the same byte-wise ordering as DynamoDB sort
	// keys. LIMIT ALL is used for unbounded queries.
	limit := "ALL"
	if q.Limit > 0 {
		limit = strconv.Itoa(q.Limit)
	}

	rows, err := p.pool.Query(ctx, `
SELECT pk, sk, time, state, latest
FROM item
WHERE pk = $1 AND starts_with(sk, $2)
ORDER BY sk COLLATE "C" `+order+`
LIMIT `+limit,
		q.ID, q.SortPrefix)
	if err != nil {
		return nil, p.classify(ctx, OpQuery,
			Key{ID: q.ID, Sort: q.SortPrefix}, err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		return scanItem(row)
	})
	if err != nil {
		return nil, p.classify(ctx, OpQuery,
			Key{ID: q.ID, Sort: q.SortPrefix}, err)
	}

	return items, nil
}

// TransactWrite implements Store.
func (p *Postgres) TransactWrite(ctx context.Context, items []TransactItem) error {
	err := validateTransaction(items)
	if err != nil {
		return err
	}

	ctx, cancel := p.callContext(ctx)
	defer cancel()

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for i, ti := range items {
			var err error

			switch {
			case ti.Update != nil:
				_, err = p.update(ctx, tx, *ti.Update)
			case ti.Put != nil:
				_, err = p.put(ctx, tx, *ti.Put)
			}

			if err != nil {
				return fmt.Errorf("transaction item %d: %w", i, err)
			}
		}

		return nil
	})
	if err != nil {
		return p.classify(ctx, OpTransactWrite, transactionKey(items[0]), err)
	}

	return nil
}

func (p *Postgres) put(ctx context.Context, tx pgx.Tx, put Put) (Item, error) {
	return p.upsert(ctx, tx, upsertParams{
		Key:            put.Item.Key,
		Time:           put.Item.Time,
		State:          put.Item.State,
		InsertLatest:   put.Item.Latest,
		ConflictLatest: "excluded.latest",
		Condition:      put.Condition,
	})
}

func (p *Postgres) update(ctx context.Context, tx pgx.Tx, u Update) (Item, error) {
	params := upsertParams{
		Key:       u.Key,
		Time:      u.Time,
		State:     u.State,
		Condition: u.Condition,
	}

	switch u.Latest {
	case LatestKeep:
		params.ConflictLatest = "i.latest"
	case LatestIncrement:
		one := int64(1)

		params.InsertLatest = &one
		params.ConflictLatest = "COALESCE(i.latest, 0) + 1"
	case LatestAssign:
		v := u.Value

		params.InsertLatest = &v
		params.ConflictLatest = "excluded.latest"
	}

	return p.upsert(ctx, tx, params)
}

type upsertParams struct {
	Key            Key
	Time           string
	State          []byte
	InsertLatest   *int64
	ConflictLatest string
	Condition      Condition
}

// upsert writes an item in a single statement so that the condition is
// evaluated against the row as locked by the insert.
func (p *Postgres) upsert(
	ctx context.Context, tx pgx.Tx, params upsertParams,
) (Item, error) {
	args := []any{
		params.Key.ID, params.Key.Sort, params.Time,
		params.State, params.InsertLatest,
	}

	var conflict string

	switch params.Condition.Kind {
	case ConditionNone:
		conflict = `DO UPDATE SET
       time = excluded.time,
       state = excluded.state,
       latest = ` + params.ConflictLatest
	case ConditionItemAbsent:
		conflict = "DO NOTHING"
	case ConditionLatestAbsentOrEquals:
		conflict = `DO UPDATE SET
       time = excluded.time,
       state = excluded.state,
       latest = ` + params.ConflictLatest + `
WHERE i.latest IS NULL OR i.latest = $6`

		args = append(args, params.Condition.Latest)
	default:
		return Item{}, Errorf(ErrCodeBadRequest,
			"unknown condition kind %d", params.Condition.Kind)
	}

	it, err := scanItem(tx.QueryRow(ctx, `
INSERT INTO item AS i(pk, sk, time, state, latest)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (pk, sk) `+conflict+`
RETURNING pk, sk, time, state, latest`,
		args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, Errorf(ErrCodeConditionFailed,
			"condition failed for %s", params.Key)
	} else if err != nil {
		return Item{}, fmt.Errorf("write item: %w", err)
	}

	err = p.appendChange(ctx, tx, it)
	if err != nil {
		return Item{}, err
	}

	return it, nil
}

func (p *Postgres) appendChange(ctx context.Context, tx pgx.Tx, it Item) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", LockChangeLog)
	if err != nil {
		return fmt.Errorf("acquire change log lock: %w", err)
	}

	var id int64

	err = tx.QueryRow(ctx, `
INSERT INTO change_log(id, pk, sk, time, state, latest)
SELECT COALESCE(MAX(id), 0) + 1, $1, $2, $3, $4, $5
FROM change_log
RETURNING id`,
		it.ID, it.Sort, it.Time, it.State, it.Latest,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("append to change log: %w", err)
	}

	_, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)",
		NotifyChangeLog, strconv.FormatInt(id, 10))
	if err != nil {
		return fmt.Errorf("notify change log listeners: %w", err)
	}

	return nil
}

// ReadChanges implements ChangeFeed.
func (p *Postgres) ReadChanges(
	ctx context.Context, after int64, limit int,
) ([]ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.pool.Query(ctx, `
SELECT id, pk, sk, time, state, latest
FROM change_log
WHERE id > $1
ORDER BY id
LIMIT $2`,
		after, limit)
	if err != nil {
		return nil, Errorf(ErrCodeUnavailable,
			"read change log: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChangeEvent, error) {
		var (
			evt ChangeEvent
			it  Item
		)

		err := row.Scan(&evt.Sequence, &it.ID, &it.Sort,
			&it.Time, &it.State, &it.Latest)

		evt.Key = it.Key
		evt.NewImage = &it

		return evt, err //nolint:wrapcheck
	})
	if err != nil {
		return nil, Errorf(ErrCodeUnavailable,
			"read change log rows: %w", err)
	}

	return events, nil
}

// OnChange implements ChangeFeed. Notifications are only delivered while
// RunListener is running.
func (p *Postgres) OnChange(ctx context.Context, ch chan int64) {
	go p.changes.Listen(ctx, ch)
}

// GetFeedPosition implements PositionStore.
func (p *Postgres) GetFeedPosition(ctx context.Context, name string) (int64, error) {
	var pos int64

	err := p.pool.QueryRow(ctx,
		"SELECT position FROM feed_position WHERE name = $1",
		name).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read database record: %w", err)
	}

	return pos, nil
}

// SetFeedPosition implements PositionStore.
func (p *Postgres) SetFeedPosition(ctx context.Context, name string, pos int64) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO feed_position(name, position) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET position = excluded.position`,
		name, pos)
	if err != nil {
		return fmt.Errorf("failed update database record: %w", err)
	}

	return nil
}

// RunListener listens for change log notifications until the context is
// cancelled, reconnecting after failures.
func (p *Postgres) RunListener(ctx context.Context) {
	for {
		err := p.runListener(ctx)
		if errors.Is(err, context.Canceled) {
			return
		} else if err != nil {
			p.logger.ErrorContext(
				ctx, "failed to run notification listener",
				internal.LogKeyError, err,
			)
		}

		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (p *Postgres) runListener(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection from pool: %w", err)
	}

	pConn := conn.Hijack()

	defer func() {
		err := pConn.Close(context.Background())
		if err != nil {
			p.logger.ErrorContext(ctx,
				"failed to close PG listen connection",
				internal.LogKeyError, err)
		}
	}()

	ident := pgx.Identifier{NotifyChangeLog}

	_, err = pConn.Exec(ctx, "LISTEN "+ident.Sanitize())
	if err != nil {
		return fmt.Errorf("failed to start listening to %q: %w",
			NotifyChangeLog, err)
	}

	received := make(chan *pgconn.Notification)
	grp, gCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		for {
			notification, err := pConn.WaitForNotification(gCtx)
			if err != nil {
				return fmt.Errorf(
					"error while waiting for notification: %w", err)
			}

			select {
			case received <- notification:
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
	})

	grp.Go(func() error {
		for {
			var notification *pgconn.Notification

			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case notification = <-received:
			}

			id, err := strconv.ParseInt(notification.Payload, 10, 64)
			if err != nil {
				p.logger.ErrorContext(ctx,
					"invalid change log notification payload",
					internal.LogKeyError, err)

				continue
			}

			p.changes.Notify(id)
		}
	})

	return grp.Wait() //nolint:wrapcheck
}

func (p *Postgres) classify(
	ctx context.Context, op Operation, key Key, err error,
) error {
	if GetErrorCode(err) != NoErrCode {
		return err
	}

	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) &&
		(pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return Errorf(ErrCodeConditionFailed,
			"%s %s: concurrent write: %w", op, key, err)
	}

	p.logger.WarnContext(ctx, "postgres request failed",
		internal.LogKeyOperation, string(op),
		internal.LogKeyItemKey, key.String(),
		internal.LogKeyError, err)

	return Errorf(ErrCodeUnavailable, "%s %s: %w", op, key, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var it Item

	err := row.Scan(&it.ID, &it.Sort, &it.Time, &it.State, &it.Latest)
	if err != nil {
		return Item{}, err //nolint:wrapcheck
	}

	return it, nil
}
