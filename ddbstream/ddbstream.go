// Package ddbstream decodes DynamoDB Streams records, as delivered to event
// handlers, into change events.
package ddbstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/kv"
)

// Event names used by DynamoDB Streams.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// pointerSortKey is the sort key of the records the stream processor acts
// on, decoding failures for any other record are not fatal.
const pointerSortKey = "v0"

// Parse reads a stream event document.
func Parse(r io.Reader) (*events.DynamoDBEvent, error) {
	var evt events.DynamoDBEvent

	dec := json.NewDecoder(r)

	err := dec.Decode(&evt)
	if err != nil {
		return nil, fmt.Errorf("invalid stream event: %w", err)
	}

	return &evt, nil
}

// ChangeEvents converts the records of the event to change events. Stream
// sequence numbers don't fit in an int64, so the change events are numbered
// by their position in the batch.
//
// Records that can't be decoded are logged and skipped, unless they are
// pointer records without a new image. That means that the stream doesn't
// carry new images, and is returned as an error.
func ChangeEvents(
	logger *slog.Logger, evt *events.DynamoDBEvent,
) ([]kv.ChangeEvent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res := make([]kv.ChangeEvent, 0, len(evt.Records))

	for i, rec := range evt.Records {
		ce, err := ChangeEvent(rec)

		var missing *MissingImageError

		switch {
		case errors.As(err, &missing) && missing.Key.Sort == pointerSortKey:
			return nil, fmt.Errorf("record %d (%s): %w",
				i, rec.EventID, err)
		case err != nil:
			logger.Warn("skipping undecodable stream record",
				internal.LogKeyEventID, rec.EventID,
				internal.LogKeySequence, i+1,
				internal.LogKeyError, err)

			continue
		}

		ce.Sequence = int64(i) + 1

		res = append(res, ce)
	}

	return res, nil
}

// MissingImageError is returned for insert and modify records without a new
// image.
type MissingImageError struct {
	Key            kv.Key
	EventName      string
	StreamViewType string
}

func (e *MissingImageError) Error() string {
	return fmt.Sprintf(
		"no new image in %s record for %s, the stream view type is %q",
		e.EventName, e.Key, e.StreamViewType)
}

// ChangeEvent converts the record to a change event. Removals have a nil
// NewImage. Only the attributes used by the versions table are read, others
// are ignored regardless of their type.
func ChangeEvent(rec events.DynamoDBEventRecord) (kv.ChangeEvent, error) {
	key, err := itemKey(rec.Change.Keys)
	if err != nil {
		return kv.ChangeEvent{}, fmt.Errorf("invalid keys: %w", err)
	}

	ce := kv.ChangeEvent{Key: key}

	switch rec.EventName {
	case EventRemove:
		return ce, nil
	case EventInsert, EventModify:
	default:
		return kv.ChangeEvent{}, fmt.Errorf(
			"unknown event name %q", rec.EventName)
	}

	if rec.Change.NewImage == nil {
		return kv.ChangeEvent{}, &MissingImageError{
			Key:            key,
			EventName:      rec.EventName,
			StreamViewType: rec.Change.StreamViewType,
		}
	}

	img, err := itemFromImage(rec.Change.NewImage)
	if err != nil {
		return kv.ChangeEvent{}, fmt.Errorf("invalid new image: %w", err)
	}

	ce.NewImage = &img

	return ce, nil
}

func stringAttribute(
	attrs map[string]events.DynamoDBAttributeValue, name string,
) (string, bool) {
	av, ok := attrs[name]
	if !ok || av.DataType() != events.DataTypeString {
		return "", false
	}

	return av.String(), true
}

func itemKey(attrs map[string]events.DynamoDBAttributeValue) (kv.Key, error) {
	pk, ok := stringAttribute(attrs, kv.AttrPartitionKey)
	if !ok {
		return kv.Key{}, fmt.Errorf(
			"missing string attribute %q", kv.AttrPartitionKey)
	}

	sk, ok := stringAttribute(attrs, kv.AttrSortKey)
	if !ok {
		return kv.Key{}, fmt.Errorf(
			"missing string attribute %q", kv.AttrSortKey)
	}

	return kv.Key{ID: pk, Sort: sk}, nil
}

// itemFromImage mirrors kv.ItemFromAttributes for the stream representation
// of an item.
func itemFromImage(attrs map[string]events.DynamoDBAttributeValue) (kv.Item, error) {
	key, err := itemKey(attrs)
	if err != nil {
		return kv.Item{}, err
	}

	it := kv.Item{Key: key}

	if t, ok := stringAttribute(attrs, kv.AttrTime); ok {
		it.Time = t
	}

	if state, ok := attrs[kv.AttrState]; ok {
		switch state.DataType() {
		case events.DataTypeBinary:
			it.State = state.Binary()
		case events.DataTypeString:
			it.State = []byte(state.String())
		}
	}

	if latest, ok := attrs[kv.AttrLatest]; ok &&
		latest.DataType() == events.DataTypeNumber {
		n, err := latest.Integer()
		if err != nil {
			return kv.Item{}, fmt.Errorf(
				"invalid %q value: %w", kv.AttrLatest, err)
		}

		it.Latest = &n
	}

	return it, nil
}
