package sinks_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/ttab/elephant-versionstore/internal/test"
	"github.com/ttab/elephant-versionstore/sinks"
	"github.com/ttab/elephant-versionstore/versions"
)

type fakePutter struct {
	calls   [][]types.PutEventsRequestEntry
	failOn  int
	rejectN map[int]bool
}

func (f *fakePutter) PutEvents(
	_ context.Context, params *eventbridge.PutEventsInput,
	_ ...func(*eventbridge.Options),
) (*eventbridge.PutEventsOutput, error) {
	f.calls = append(f.calls, params.Entries)

	if f.failOn == len(f.calls) {
		return nil, errors.New("service unavailable")
	}

	out := eventbridge.PutEventsOutput{
		Entries: make([]types.PutEventsResultEntry, len(params.Entries)),
	}

	for i := range params.Entries {
		if f.rejectN[i] {
			out.Entries[i].ErrorCode = aws.String("InternalFailure")
			out.FailedEntryCount++
		}
	}

	return &out, nil
}

func versionEvents(n int) []versions.VersionEvent {
	evts := make([]versions.VersionEvent, n)

	for i := range evts {
		tag := versions.CounterTag("eq-1", int64(i+1))

		evts[i] = versions.VersionEvent{
			EventID: versions.VersionEventID(tag),
			ID:      tag.ID,
			Version: tag.Version,
			SortKey: tag.SortKey,
			Time:    "2024-01-01T00:00:00Z",
			State:   []byte("RUNNING"),
		}
	}

	return evts
}

func TestEventBridgeBatching(t *testing.T) {
	ctx := test.Context(t)
	putter := &fakePutter{rejectN: map[int]bool{1: true}}

	sink := sinks.NewEventBridge(putter, sinks.EventBridgeOptions{
		Logger:       test.NewLogger(t, slog.LevelError),
		EventBusName: "versions",
	})

	evts := versionEvents(23)

	// Oversized events are skipped rather than failing the batch.
	evts[4].State = make([]byte, sinks.EventBridgeSizeLimit)

	skips := make(map[string]int)

	sent, err := sink.SendEvents(ctx, evts, func(reason string) {
		skips[reason]++
	})
	test.Must(t, err, "send events")

	test.Equal(t, 23, sent, "processed events")
	test.Equal(t, 3, len(putter.calls), "number of put calls")
	test.Equal(t, 10, len(putter.calls[0]), "first batch size")
	test.Equal(t, 10, len(putter.calls[1]), "second batch size")
	test.Equal(t, 2, len(putter.calls[2]), "last batch size")

	test.Equal(t, map[string]int{
		"message_size": 1,
		"rejected":     3,
	}, skips, "skipped events")

	first := putter.calls[0][0]

	test.Equal(t, "versions", aws.ToString(first.EventBusName), "event bus")
	test.Equal(t, sinks.EventSource, aws.ToString(first.Source), "source")
	test.Equal(t, sinks.EventDetailType, aws.ToString(first.DetailType),
		"detail type")

	var detail versions.VersionEvent

	err = json.Unmarshal([]byte(aws.ToString(first.Detail)), &detail)
	test.Must(t, err, "decode event detail")

	test.Equal(t, evts[0], detail, "event detail")
}

func TestEventBridgeFailure(t *testing.T) {
	ctx := test.Context(t)
	putter := &fakePutter{failOn: 2}

	sink := sinks.NewEventBridge(putter, sinks.EventBridgeOptions{
		Logger: test.NewLogger(t, slog.LevelError),
	})

	sent, err := sink.SendEvents(ctx, versionEvents(15), func(string) {})
	test.MustNot(t, err, "send events with failing put")

	test.Equal(t, 10, sent, "events sent before the failure")
	test.Equal(t, "", aws.ToString(putter.calls[0][0].EventBusName),
		"default event bus")
}
