package versions_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ttab/elephant-versionstore/internal/test"
	"github.com/ttab/elephant-versionstore/kv"
	"github.com/ttab/elephant-versionstore/versions"
)

type recordingSink struct {
	events []versions.VersionEvent
	// failAfter makes the sink fail after accepting this many events,
	// negative values disable failures.
	failAfter int
}

func (s *recordingSink) SinkName() string {
	return "recording"
}

func (s *recordingSink) SendEvents(
	_ context.Context, evts []versions.VersionEvent,
	_ versions.IncrementSkipMetricFunc,
) (int, error) {
	for i, evt := range evts {
		if s.failAfter >= 0 && len(s.events) >= s.failAfter {
			return i, errors.New("sink unavailable")
		}

		s.events = append(s.events, evt)
	}

	return len(evts), nil
}

func newProcessor(
	t *testing.T, store kv.Store, sink versions.VersionSink,
) (*versions.StreamProcessor, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()

	sp, err := versions.NewStreamProcessor(store, versions.StreamProcessorOptions{
		Logger:            test.NewLogger(t, slog.LevelError),
		Sink:              sink,
		MetricsRegisterer: reg,
	})
	test.Must(t, err, "create stream processor")

	return sp, reg
}

func TestReplicatedConvergence(t *testing.T) {
	ctx := test.Context(t)
	store := kv.NewMemory(kv.MemoryOptions{})
	strategy := newStrategy(t, versions.KindReplicated, store)
	processor, _ := newProcessor(t, store, nil)

	const n = 4

	for i := int64(1); i <= n; i++ {
		tag, err := strategy.AppendVersion(ctx, "eq-1",
			fmt.Sprintf("2024-01-0%dT00:00:00Z", i),
			fmt.Appendf(nil, "state %d", i))
		test.Must(t, err, "append version %d", i)

		test.Equal(t, versions.CounterTag("eq-1", i), tag,
			"tag of version %d", i)

		latest, err := strategy.GetLatestVersion(ctx, "eq-1")
		test.Must(t, err, "get latest version %d", i)

		test.Equal(t, i, latest.Version,
			"latest is visible before replication")
	}

	_, err := strategy.GetVersion(ctx, versions.CounterTag("eq-1", 1))
	test.IsErrorCode(t, err, kv.ErrCodeNotFound,
		"history is not written synchronously")

	// Redeliver pointer events 0, 1, 2 and 3 extra times.
	for seq := int64(1); seq <= n; seq++ {
		for range seq - 1 {
			store.Redeliver(seq)
		}
	}

	var pos int64

	for {
		evts, err := store.ReadChanges(ctx, pos, 3)
		test.Must(t, err, "read changes after %d", pos)

		if len(evts) == 0 {
			break
		}

		for _, evt := range evts {
			err := processor.OnChangeEvent(ctx, evt)
			test.Must(t, err, "process event %d", evt.Sequence)

			pos = evt.Sequence
		}
	}

	history, err := store.Query(ctx, kv.Query{
		ID:             "eq-1",
		SortPrefix:     versions.HistoryPrefix,
		ConsistentRead: true,
	})
	test.Must(t, err, "list history")

	test.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"},
		sortKeys(history), "exactly one history record per version")

	for i := int64(1); i <= n; i++ {
		v, err := strategy.GetVersion(ctx, versions.CounterTag("eq-1", i))
		test.Must(t, err, "get version %d", i)

		test.Equal(t, versions.Version{
			ID:      "eq-1",
			Time:    fmt.Sprintf("2024-01-0%dT00:00:00Z", i),
			State:   fmt.Appendf(nil, "state %d", i),
			Version: i,
		}, *v, "materialized version %d", i)
	}
}

func TestStreamProcessorSkips(t *testing.T) {
	ctx := test.Context(t)
	store := kv.NewMemory(kv.MemoryOptions{})
	sink := &recordingSink{failAfter: -1}
	processor, reg := newProcessor(t, store, sink)

	n, err := processor.OnChangeEvents(ctx, []kv.ChangeEvent{
		{
			Sequence: 1,
			Key:      kv.Key{ID: "eq-1", Sort: "v3"},
			NewImage: &kv.Item{Key: kv.Key{ID: "eq-1", Sort: "v3"}},
		},
		{
			Sequence: 2,
			Key:      kv.Key{ID: "eq-1", Sort: "v0"},
		},
		{
			Sequence: 3,
			Key:      kv.Key{ID: "eq-1", Sort: "v0"},
			NewImage: &kv.Item{
				Key:  kv.Key{ID: "eq-1", Sort: "v0"},
				Time: "t1",
			},
		},
	})
	test.Must(t, err, "process events")

	test.Equal(t, 3, n, "all events were processed")
	test.Equal(t, 0, len(sink.events), "no version events")

	test.Equal(t, 2.0,
		metricValue(t, reg, "versionstore_stream_events_total", "ignored"),
		"ignored events")
	test.Equal(t, 1.0,
		metricValue(t, reg, "versionstore_stream_events_total", "malformed"),
		"malformed events")

	items, err := store.Query(ctx, kv.Query{ID: "eq-1"})
	test.Must(t, err, "list items")

	test.Equal(t, 0, len(items), "nothing was materialized")
}

func TestStreamProcessorSink(t *testing.T) {
	ctx := test.Context(t)
	store := kv.NewMemory(kv.MemoryOptions{})
	sink := &recordingSink{failAfter: 1}
	processor, _ := newProcessor(t, store, sink)

	pointer := func(seq int64, n int64) kv.ChangeEvent {
		return kv.ChangeEvent{
			Sequence: seq,
			Key:      versions.PointerKey("eq-1"),
			NewImage: &kv.Item{
				Key:    versions.PointerKey("eq-1"),
				Time:   fmt.Sprintf("t%d", n),
				State:  fmt.Appendf(nil, "state %d", n),
				Latest: &n,
			},
		}
	}

	evts := []kv.ChangeEvent{
		pointer(1, 1),
		{Sequence: 2, Key: kv.Key{ID: "eq-1", Sort: "v1"}},
		pointer(3, 2),
	}

	n, err := processor.OnChangeEvents(ctx, evts)
	test.MustNot(t, err, "process with failing sink")

	test.Equal(t, 2, n,
		"events up to the first unsent version are done")

	test.Equal(t, []versions.VersionEvent{
		{
			EventID: versions.VersionEventID(
				versions.CounterTag("eq-1", 1)),
			ID:      "eq-1",
			Version: 1,
			SortKey: "v1",
			Time:    "t1",
			State:   []byte("state 1"),
		},
	}, sink.events, "sent events")

	sink.failAfter = -1

	n, err = processor.OnChangeEvents(ctx, evts[n:])
	test.Must(t, err, "process remaining events")

	test.Equal(t, 1, n, "remaining events processed")
	test.Equal(t, 2, len(sink.events), "all events sent")

	// Redelivery results in the same event ID.
	err = processor.OnChangeEvent(ctx, evts[2])
	test.Must(t, err, "reprocess event")

	test.Equal(t, sink.events[1].EventID, sink.events[2].EventID,
		"redelivered event has a stable ID")
}

// metricValue returns the value of the counter with the given name that
// has a label with the given value.
func metricValue(
	t *testing.T, reg *prometheus.Registry, name string, label string,
) float64 {
	t.Helper()

	families, err := reg.Gather()
	test.Must(t, err, "gather metrics")

	for _, f := range families {
		if f.GetName() != name {
			continue
		}

		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}

	t.Fatalf("no %s metric with the label value %q", name, label)

	return 0
}

func sortKeys(items []kv.Item) []string {
	keys := make([]string, len(items))

	for i := range items {
		keys[i] = items[i].Sort
	}

	return keys
}
