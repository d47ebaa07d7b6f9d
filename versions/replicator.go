package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ttab/elephant-versionstore/internal"
	"github.com/ttab/elephant-versionstore/kv"
)

type ReplicatorOptions struct {
	Logger *slog.Logger
	// Name is used to store the feed position, defaults to "replicator".
	Name              string
	Feed              kv.ChangeFeed
	Positions         kv.PositionStore
	Processor         *StreamProcessor
	MetricsRegisterer prometheus.Registerer
	// BatchSize defaults to 50.
	BatchSize int
	// PollInterval is how long to wait for a change notification before
	// checking the feed anyway, defaults to 10 seconds.
	PollInterval time.Duration
	// RestartWait defaults to 10 seconds.
	RestartWait time.Duration
}

// Replicator follows a change feed and hands the events to a
// StreamProcessor. The feed position is persisted after every batch, so
// events can be processed more than once after a restart. Running more than
// one replicator for the same feed is wasteful but safe.
type Replicator struct {
	logger      *slog.Logger
	name        string
	feed        kv.ChangeFeed
	positions   kv.PositionStore
	processor   *StreamProcessor
	batchSize   int
	poll        time.Duration
	restartWait time.Duration

	restarts *prometheus.CounterVec
	position *prometheus.GaugeVec
	latency  *prometheus.HistogramVec

	m       sync.Mutex
	started bool
	halted  bool
	cancel  func()
	stopped chan struct{}
}

func NewReplicator(opts ReplicatorOptions) (*Replicator, error) {
	if opts.Feed == nil || opts.Positions == nil || opts.Processor == nil {
		return nil, errors.New(
			"a feed, position store and processor are required")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Name == "" {
		opts.Name = "replicator"
	}

	if opts.BatchSize == 0 {
		opts.BatchSize = 50
	}

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Second
	}

	if opts.RestartWait == 0 {
		opts.RestartWait = 10 * time.Second
	}

	if opts.MetricsRegisterer == nil {
		opts.MetricsRegisterer = prometheus.DefaultRegisterer
	}

	restarts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "versionstore_replicator_restarts_total",
			Help: "Number of times the replicator has restarted.",
		}, []string{"name"})
	if err := opts.MetricsRegisterer.Register(restarts); err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	position := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "versionstore_replicator_position",
			Help: "The last change feed position processed by the replicator.",
		}, []string{"name"})
	if err := opts.MetricsRegisterer.Register(position); err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "versionstore_replicator_batch_seconds",
		Help:    "Time spent processing a batch of change events.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"name"})
	if err := opts.MetricsRegisterer.Register(latency); err != nil {
		return nil, fmt.Errorf("failed to register metric: %w", err)
	}

	return &Replicator{
		logger:      opts.Logger.With(internal.LogKeyFeed, opts.Name),
		name:        opts.Name,
		feed:        opts.Feed,
		positions:   opts.Positions,
		processor:   opts.Processor,
		batchSize:   opts.BatchSize,
		poll:        opts.PollInterval,
		restartWait: opts.RestartWait,
		restarts:    restarts,
		position:    position,
		latency:     latency,
		stopped:     make(chan struct{}),
	}, nil
}

// Run replicates until the context is cancelled or Stop is called. A
// replicator can only be run once, later calls return immediately.
func (r *Replicator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.m.Lock()

	if r.started || r.halted {
		r.m.Unlock()

		r.logger.Warn("replicator has already been run or stopped")

		return
	}

	r.started = true
	r.cancel = cancel

	r.m.Unlock()

	r.run(ctx)
}

// Stop the replicator and wait for it to exit. If Run hasn't been called yet
// Stop returns immediately and the replicator will never start.
func (r *Replicator) Stop() {
	r.m.Lock()
	cancel := r.cancel
	started := r.started
	r.halted = true
	r.m.Unlock()

	if !started {
		return
	}

	cancel()

	<-r.stopped
}

func (r *Replicator) run(ctx context.Context) {
	defer close(r.stopped)

	var wait time.Duration

	for {
		select {
		case <-time.After(wait):
			wait = r.restartWait
		case <-ctx.Done():
			return
		}

		r.logger.Debug("starting replicator")

		err := r.loop(ctx)
		if err != nil && ctx.Err() == nil {
			r.restarts.WithLabelValues(r.name).Inc()

			r.logger.ErrorContext(
				ctx, "replication error, restarting",
				internal.LogKeyError, err,
				internal.LogKeyDelay, slog.DurationValue(r.restartWait),
			)
		}
	}
}

func (r *Replicator) loop(ctx context.Context) error {
	pos, err := r.positions.GetFeedPosition(ctx, r.name)
	if err != nil {
		return fmt.Errorf("failed to get feed position: %w", err)
	}

	wake := make(chan int64, 1)

	lCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.feed.OnChange(lCtx, wake)

	for {
		newPos, more, err := r.runNext(ctx, pos)

		if newPos > pos {
			err := r.positions.SetFeedPosition(ctx, r.name, newPos)
			if err != nil {
				return fmt.Errorf(
					"failed to update feed position: %w", err)
			}

			pos = newPos

			r.position.WithLabelValues(r.name).Set(float64(pos))
		}

		if err != nil {
			return err
		}

		if more {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-time.After(r.poll):
		}
	}
}

// runNext processes the next batch of events and returns the new position
// and whether there might be more events to read.
func (r *Replicator) runNext(
	ctx context.Context, pos int64,
) (int64, bool, error) {
	evts, err := r.feed.ReadChanges(ctx, pos, r.batchSize)
	if err != nil {
		return pos, false, fmt.Errorf("failed to read change feed: %w", err)
	}

	if len(evts) == 0 {
		return pos, false, nil
	}

	start := time.Now()

	done, err := r.processor.OnChangeEvents(ctx, evts)

	if done > 0 {
		pos = evts[done-1].Sequence

		r.latency.WithLabelValues(r.name).Observe(
			time.Since(start).Seconds())
	}

	if err != nil {
		return pos, false, fmt.Errorf(
			"failed to process change events: %w", err)
	}

	return pos, len(evts) == r.batchSize, nil
}
