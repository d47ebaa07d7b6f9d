package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/versions"
)

type EventBridgeEventPutter interface {
	PutEvents(
		ctx context.Context, params *eventbridge.PutEventsInput,
		optFns ...func(*eventbridge.Options),
	) (*eventbridge.PutEventsOutput, error)
}

const (
	EventBridgeSizeLimit  = 256 * 1024
	EventBridgeBatchLimit = 10
)

const (
	EventSource     = "versionstore"
	EventDetailType = "version"
)

type EventBridgeOptions struct {
	Logger       *slog.Logger
	EventBusName string
}

func NewEventBridge(
	client EventBridgeEventPutter, opts EventBridgeOptions,
) *EventBridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &EventBridge{
		logger:   logger,
		client:   client,
		eventBus: opts.EventBusName,
	}
}

// EventBridge publishes version events to an AWS EventBridge event bus.
type EventBridge struct {
	logger   *slog.Logger
	client   EventBridgeEventPutter
	eventBus string
}

var _ versions.VersionSink = &EventBridge{}

// SinkName implements versions.VersionSink.
func (*EventBridge) SinkName() string {
	return "aws-eventbridge"
}

// SendEvents implements versions.VersionSink.
func (eb *EventBridge) SendEvents(
	ctx context.Context, evts []versions.VersionEvent,
	skipMetric versions.IncrementSkipMetricFunc,
) (int, error) {
	var processed int

	remaining := evts

	for len(remaining) > 0 {
		batch, nextIdx, err := eb.eventBridgeBatch(remaining, skipMetric)
		if err != nil {
			return processed, fmt.Errorf("batching failed: %w", err)
		}

		if len(batch) > 0 {
			out, err := eb.client.PutEvents(ctx, &eventbridge.PutEventsInput{
				Entries: batch.AsEntries(),
			})
			if err != nil {
				return processed, fmt.Errorf("put request failed: %w", err)
			}

			eb.logRejected(ctx, batch, out, skipMetric)
		}

		processed += nextIdx
		remaining = remaining[nextIdx:]
	}

	return processed, nil
}

func (eb *EventBridge) logRejected(
	ctx context.Context, batch batchedEvents,
	out *eventbridge.PutEventsOutput,
	skipMetric versions.IncrementSkipMetricFunc,
) {
	for i, res := range out.Entries {
		if res.ErrorCode == nil || i >= len(batch) {
			continue
		}

		msg := "unknown error"

		if res.ErrorMessage != nil {
			msg = *res.ErrorMessage
		}

		eb.logger.ErrorContext(ctx, "event rejected",
			internal.LogKeyEventID, batch[i].Event.EventID.String(),
			internal.LogKeyError, fmt.Sprintf(
				"%s: %s",
				*res.ErrorCode, msg))

		skipMetric("rejected")
	}
}

type ebEntry struct {
	types.PutEventsRequestEntry

	Event versions.VersionEvent
}

type batchedEvents []ebEntry

func (be batchedEvents) AsEntries() []types.PutEventsRequestEntry {
	entries := make([]types.PutEventsRequestEntry, len(be))

	for i := range be {
		entries[i] = be[i].PutEventsRequestEntry
	}

	return entries
}

// eventBridgeBatch collects the entries for the next PutEvents call and
// returns the number of events that were consumed, oversized events are
// skipped.
func (eb *EventBridge) eventBridgeBatch(
	evts []versions.VersionEvent, incr versions.IncrementSkipMetricFunc,
) (batchedEvents, int, error) {
	var (
		entries   batchedEvents
		totalSize int
	)

	for i, evt := range evts {
		if len(entries) == EventBridgeBatchLimit {
			return entries, i, nil
		}

		detailData, err := json.Marshal(evt)
		if err != nil {
			return entries, i, fmt.Errorf(
				"failed to marshal event detail: %w", err)
		}

		e := types.PutEventsRequestEntry{
			Time:       aws.Time(time.Now()),
			Source:     aws.String(EventSource),
			DetailType: aws.String(EventDetailType),
			Detail:     aws.String(string(detailData)),
			Resources:  []string{evt.ID},
		}

		if eb.eventBus != "" {
			e.EventBusName = aws.String(eb.eventBus)
		}

		size := 14 // Includes the timestamp

		size += len(*e.Source)
		size += len(*e.DetailType)
		size += len(detailData)
		size += len(evt.ID)

		if size > EventBridgeSizeLimit {
			eb.logger.Error("skipping oversized event",
				internal.LogKeyEventID, evt.EventID.String(),
				internal.LogKeyEntityID, evt.ID,
				internal.LogKeyVersion, evt.Version,
			)

			incr("message_size")

			continue
		}

		totalSize += size

		if totalSize > EventBridgeSizeLimit {
			return entries, i, nil
		}

		entries = append(entries, ebEntry{
			Event:                 evt,
			PutEventsRequestEntry: e,
		})
	}

	return entries, len(evts), nil
}
