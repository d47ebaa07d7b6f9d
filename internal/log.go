package internal

import (
	"io"
	"log/slog"
)

// Log attribute keys used throughout the application.
const (
	LogKeyLogLevel  = "log_level"
	LogKeyError     = "err"
	LogKeyErrorCode = "error_code"
	LogKeyOperation = "operation"
	LogKeyItemKey   = "item_key"
	LogKeyEntityID  = "entity_id"
	LogKeyVersion   = "version"
	LogKeySortKey   = "sort_key"
	LogKeyStrategy  = "strategy"
	LogKeySequence  = "sequence"
	LogKeyFeed      = "feed"
	LogKeySink      = "sink"
	LogKeyEventID   = "event_id"
	LogKeyDelay     = "delay"
	LogKeyBucket    = "bucket"
	LogKeyObjectKey = "object_key"
	LogKeyComponent = "component"
	LogKeyCount     = "count"
)

// SetUpLogger creates a default JSON logger and sets it as the global logger.
func SetUpLogger(logLevel string, w io.Writer) *slog.Logger {
	level := slog.LevelWarn

	var invalidLevel error

	if logLevel != "" {
		err := level.UnmarshalText([]byte(logLevel))
		if err != nil {
			level = slog.LevelWarn
			invalidLevel = err
		}
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))

	if invalidLevel != nil {
		logger.Error("invalid log level",
			LogKeyError, invalidLevel,
			LogKeyLogLevel, logLevel)
	}

	slog.SetDefault(logger)

	return logger
}
