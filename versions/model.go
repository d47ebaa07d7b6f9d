package versions

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ttab/elephant-versionstore/kv"
)

const (
	// PointerSortKey is the sort key of the pointer record, conceptually
	// version zero.
	PointerSortKey = "v0"
	// HistoryPrefix prefixes the sort key of counter based history
	// records.
	HistoryPrefix = "v"
	// TimePrefix prefixes the sort key of time-ordered history records.
	TimePrefix = "t#"
)

// PointerKey returns the key of the pointer record for an entity.
func PointerKey(id string) kv.Key {
	return kv.Key{ID: id, Sort: PointerSortKey}
}

// HistorySortKey returns the sort key of history record n.
func HistorySortKey(n int64) string {
	return HistoryPrefix + strconv.FormatInt(n, 10)
}

// TimeSortKey returns the sort key of a time-ordered history record.
func TimeSortKey(t string) string {
	return TimePrefix + t
}

// ParseHistorySortKey returns the version number of a counter based history
// sort key. The pointer sort key and anything that isn't "v" followed by a
// positive number is rejected.
func ParseHistorySortKey(sk string) (int64, bool) {
	num, ok := strings.CutPrefix(sk, HistoryPrefix)
	if !ok {
		return 0, false
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 1 {
		return 0, false
	}

	// Reject non-canonical forms like "v01" so that a version has exactly
	// one key.
	if HistorySortKey(n) != sk {
		return 0, false
	}

	return n, true
}

// VersionTag identifies a single history record.
type VersionTag struct {
	ID      string
	SortKey string
	// Version is the version number, zero for time-ordered records.
	Version int64
}

func (t VersionTag) Key() kv.Key {
	return kv.Key{ID: t.ID, Sort: t.SortKey}
}

func (t VersionTag) String() string {
	return t.ID + "/" + t.SortKey
}

// CounterTag addresses version n of an entity stored by one of the counter
// based strategies.
func CounterTag(id string, n int64) VersionTag {
	return VersionTag{
		ID:      id,
		SortKey: HistorySortKey(n),
		Version: n,
	}
}

// TimeTag addresses the time-ordered history record for the given time.
func TimeTag(id string, t string) VersionTag {
	return VersionTag{
		ID:      id,
		SortKey: TimeSortKey(t),
	}
}

// ParseTag parses the textual representation of a tag, "<n>" or "v<n>" for
// counter versions and "t#<time>" for time-ordered versions.
func ParseTag(id string, tag string) (VersionTag, error) {
	if t, ok := strings.CutPrefix(tag, TimePrefix); ok {
		if t == "" {
			return VersionTag{}, errors.New("missing time in tag")
		}

		return TimeTag(id, t), nil
	}

	if n, ok := ParseHistorySortKey(tag); ok {
		return CounterTag(id, n), nil
	}

	n, err := strconv.ParseInt(tag, 10, 64)
	if err != nil || n < 1 {
		return VersionTag{}, fmt.Errorf("invalid version tag %q", tag)
	}

	return CounterTag(id, n), nil
}

// Version is a state snapshot of an entity.
type Version struct {
	ID    string
	Time  string
	State []byte
	// Version is the version number, zero for time-ordered records.
	Version int64
}

func historyItem(tag VersionTag, t string, state []byte) kv.Item {
	return kv.Item{
		Key:   tag.Key(),
		Time:  t,
		State: state,
	}
}

func validateAppend(id string, t string) error {
	if id == "" {
		return kv.Errorf(kv.ErrCodeBadRequest, "missing entity ID")
	}

	if t == "" {
		return kv.Errorf(kv.ErrCodeBadRequest, "missing version time")
	}

	return nil
}
