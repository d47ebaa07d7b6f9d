package versions

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ttab/elephant-versionstore/kv"
)

// Instrumentation holds the metrics for instrumented strategies, a single
// instance can be shared between several strategies.
type Instrumentation struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

func NewInstrumentation(reg prometheus.Registerer) (*Instrumentation, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "versionstore_operation_duration_seconds",
		Help:    "Duration of versioning operations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"strategy", "operation"})
	if err := reg.Register(duration); err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	errors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "versionstore_operation_errors_total",
		Help: "Number of failed versioning operations by error code.",
	}, []string{"strategy", "operation", "code"})
	if err := reg.Register(errors); err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	return &Instrumentation{
		duration: duration,
		errors:   errors,
	}, nil
}

// Wrap returns a strategy that records the duration and errors of every
// operation.
func (in *Instrumentation) Wrap(s Strategy) Strategy {
	return &instrumented{
		Strategy: s,
		in:       in,
	}
}

func (in *Instrumentation) observe(
	kind Kind, op string, start time.Time, err error,
) {
	in.duration.WithLabelValues(string(kind), op).Observe(
		time.Since(start).Seconds())

	if err == nil {
		return
	}

	code := kv.GetErrorCode(err)
	if code == kv.NoErrCode {
		code = "unknown"
	}

	in.errors.WithLabelValues(string(kind), op, string(code)).Inc()
}

type instrumented struct {
	Strategy

	in *Instrumentation
}

func (i *instrumented) AppendVersion(
	ctx context.Context, id string, t string, state []byte,
) (_ VersionTag, outErr error) {
	defer func(start time.Time) {
		i.in.observe(i.Kind(), "append", start, outErr)
	}(time.Now())

	return i.Strategy.AppendVersion(ctx, id, t, state) //nolint:wrapcheck
}

func (i *instrumented) GetLatestVersion(
	ctx context.Context, id string,
) (_ *Version, outErr error) {
	defer func(start time.Time) {
		i.in.observe(i.Kind(), "get_latest", start, outErr)
	}(time.Now())

	return i.Strategy.GetLatestVersion(ctx, id) //nolint:wrapcheck
}

func (i *instrumented) GetVersion(
	ctx context.Context, tag VersionTag,
) (_ *Version, outErr error) {
	defer func(start time.Time) {
		i.in.observe(i.Kind(), "get_version", start, outErr)
	}(time.Now())

	return i.Strategy.GetVersion(ctx, tag) //nolint:wrapcheck
}
