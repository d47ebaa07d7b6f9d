package versions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/kv"
)

// VersionEvent announces that a history record has been materialised.
// Delivery is at-least-once, EventID is the same for every delivery of the
// same version.
type VersionEvent struct {
	EventID uuid.UUID `json:"event_id"`
	ID      string    `json:"id"`
	Version int64     `json:"version"`
	SortKey string    `json:"sort_key"`
	Time    string    `json:"time"`
	State   []byte    `json:"state"`
}

var versionEventNamespace = uuid.MustParse("0b0cf2f6-6a83-4d43-9b39-0a2b3e0f5c4e")

// VersionEventID returns the deterministic event ID for a version.
func VersionEventID(tag VersionTag) uuid.UUID {
	return uuid.NewSHA1(versionEventNamespace, []byte(tag.String()))
}

type IncrementSkipMetricFunc func(reason string)

type VersionSink interface {
	SinkName() string

	// SendEvents to the sink. Returns the number events that were sent and
	// an error if the send failed. Due to batching behaviours some events
	// might have been sent before the processing fails, so the number of
	// sent events should not be ignored when an error is returned.
	SendEvents(
		ctx context.Context, evts []VersionEvent,
		skipMetric IncrementSkipMetricFunc,
	) (int, error)
}

type StreamProcessorOptions struct {
	Logger *slog.Logger
	// Sink is optional, when set it receives an event for every
	// materialised version.
	Sink              VersionSink
	MetricsRegisterer prometheus.Registerer
}

// StreamProcessor materialises the history records of the replicated
// strategy from pointer mutations on a change feed.
type StreamProcessor struct {
	logger *slog.Logger
	store  kv.Store
	sink   VersionSink

	events *prometheus.CounterVec
	skips  *prometheus.CounterVec
}

func NewStreamProcessor(
	store kv.Store, opts StreamProcessorOptions,
) (*StreamProcessor, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.MetricsRegisterer == nil {
		opts.MetricsRegisterer = prometheus.DefaultRegisterer
	}

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionstore_stream_events_total",
			Help: "Number of change events handled by the stream processor.",
		}, []string{"outcome"})
	if err := opts.MetricsRegisterer.Register(events); err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	skips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionstore_sink_skipped_total",
			Help: "Number of version events that were skipped by a sink.",
		}, []string{"sink", "reason"})
	if err := opts.MetricsRegisterer.Register(skips); err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	return &StreamProcessor{
		logger: opts.Logger,
		store:  store,
		sink:   opts.Sink,
		events: events,
		skips:  skips,
	}, nil
}

// OnChangeEvent handles a single change event. It's safe to call it any
// number of times for the same event.
func (sp *StreamProcessor) OnChangeEvent(
	ctx context.Context, evt kv.ChangeEvent,
) error {
	_, err := sp.OnChangeEvents(ctx, []kv.ChangeEvent{evt})

	return err
}

// OnChangeEvents handles a batch of change events in order. Returns the
// number of events that were fully processed, which can be non-zero even if
// an error is returned.
func (sp *StreamProcessor) OnChangeEvents(
	ctx context.Context, evts []kv.ChangeEvent,
) (int, error) {
	var (
		pending []VersionEvent
		origin  []int
		matErr  error
	)

	done := len(evts)

	for i, evt := range evts {
		ve, ok, err := sp.materialize(ctx, evt)
		if err != nil {
			matErr = err
			done = i

			break
		}

		if ok {
			pending = append(pending, ve)
			origin = append(origin, i)
		}
	}

	if sp.sink == nil || len(pending) == 0 {
		return done, matErr
	}

	name := sp.sink.SinkName()

	sent, err := sp.sink.SendEvents(ctx, pending, func(reason string) {
		sp.skips.WithLabelValues(name, reason).Inc()
	})
	if err != nil {
		if sent < len(pending) {
			done = min(done, origin[sent])
		}

		return done, fmt.Errorf("send version events to %s: %w", name, err)
	}

	return done, matErr
}

const (
	outcomeMaterialized = "materialized"
	outcomeIgnored      = "ignored"
	outcomeMalformed    = "malformed"
)

func (sp *StreamProcessor) materialize(
	ctx context.Context, evt kv.ChangeEvent,
) (VersionEvent, bool, error) {
	if evt.Key.Sort != PointerSortKey || evt.NewImage == nil {
		sp.events.WithLabelValues(outcomeIgnored).Inc()

		return VersionEvent{}, false, nil
	}

	img := evt.NewImage

	if img.Latest == nil || *img.Latest < 1 {
		sp.logger.ErrorContext(ctx, "pointer without a valid latest version",
			internal.LogKeyEntityID, evt.Key.ID,
			internal.LogKeySequence, evt.Sequence)

		sp.events.WithLabelValues(outcomeMalformed).Inc()

		return VersionEvent{}, false, nil
	}

	tag := CounterTag(evt.Key.ID, *img.Latest)

	err := sp.store.PutItem(ctx, kv.Put{
		Item: historyItem(tag, img.Time, img.State),
	})
	if err != nil {
		return VersionEvent{}, false, fmt.Errorf(
			"materialize %s: %w", tag, err)
	}

	sp.events.WithLabelValues(outcomeMaterialized).Inc()

	sp.logger.DebugContext(ctx, "materialized version",
		internal.LogKeyEntityID, tag.ID,
		internal.LogKeyVersion, tag.Version)

	return VersionEvent{
		EventID: VersionEventID(tag),
		ID:      tag.ID,
		Version: tag.Version,
		SortKey: tag.SortKey,
		Time:    img.Time,
		State:   img.State,
	}, true, nil
}
