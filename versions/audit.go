package versions

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/kv"
)

// AuditReport compares the pointer of an entity with its history records.
type AuditReport struct {
	ID string
	// Latest is the version according to the pointer.
	Latest int64
	// Highest is the highest version with a history record.
	Highest int64
	// Missing lists the versions up to Latest that have no history
	// record.
	Missing []int64
	// Unexpected lists history records with a version higher than
	// Latest.
	Unexpected []int64
	// PointerAhead is set when the history record for Latest is missing,
	// the state left behind by a failed history write in the counter
	// strategy, or by replication lag.
	PointerAhead bool

	pointer kv.Item
}

// Consistent is true if every version up to Latest has a history record and
// there are no records beyond it.
func (r *AuditReport) Consistent() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0
}

// Auditor finds and repairs gaps between the pointer and the history records
// of the counter based strategies.
type Auditor struct {
	logger *slog.Logger
	store  kv.Store
}

func NewAuditor(logger *slog.Logger, store kv.Store) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Auditor{
		logger: logger,
		store:  store,
	}
}

// Audit the history of an entity. Returns an ErrCodeNotFound error if the
// entity has no pointer.
func (a *Auditor) Audit(ctx context.Context, id string) (*AuditReport, error) {
	pointer, latest, err := pointerStore{store: a.store}.readPointer(ctx, id)
	if err != nil {
		return nil, err
	}

	items, err := a.store.Query(ctx, kv.Query{
		ID:             id,
		SortPrefix:     HistoryPrefix,
		ConsistentRead: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list history of %q: %w", id, err)
	}

	report := AuditReport{
		ID:      id,
		Latest:  latest,
		pointer: *pointer,
	}

	present := make(map[int64]bool, len(items))

	for _, it := range items {
		n, ok := ParseHistorySortKey(it.Sort)
		if !ok {
			continue
		}

		present[n] = true

		report.Highest = max(report.Highest, n)

		if n > latest {
			report.Unexpected = append(report.Unexpected, n)
		}
	}

	for n := int64(1); n <= latest; n++ {
		if !present[n] {
			report.Missing = append(report.Missing, n)
		}
	}

	slices.Sort(report.Unexpected)

	report.PointerAhead = latest > 0 && !present[latest]

	return &report, nil
}

// Repair restores the history record for the pointer's current version if
// it's missing, using the time and state of the pointer. Older gaps can't be
// recovered, as their state only ever existed in the pointer, and are left
// in the returned report.
func (a *Auditor) Repair(ctx context.Context, id string) (*AuditReport, error) {
	report, err := a.Audit(ctx, id)
	if err != nil {
		return nil, err
	}

	if !report.PointerAhead {
		return report, nil
	}

	tag := CounterTag(id, report.Latest)

	err = a.store.PutItem(ctx, kv.Put{
		Item: historyItem(tag,
			report.pointer.Time, report.pointer.State),
		Condition: kv.ItemAbsent(),
	})

	switch {
	case kv.IsErrorCode(err, kv.ErrCodeConditionFailed):
		// Written by someone else since the audit.
	case err != nil:
		return nil, fmt.Errorf("restore %s: %w", tag, err)
	default:
		a.logger.WarnContext(ctx, "restored missing history record",
			internal.LogKeyEntityID, id,
			internal.LogKeyVersion, report.Latest)
	}

	report.PointerAhead = false
	report.Missing = slices.DeleteFunc(report.Missing, func(n int64) bool {
		return n == report.Latest
	})
	report.Highest = max(report.Highest, report.Latest)

	if len(report.Missing) == 0 {
		report.Missing = nil
	}

	return report, nil
}
