package internal

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// GracefulShutdown translates SIGINT and SIGTERM into stop and quit signals.
// SIGTERM asks the process to stop, and it quits after the grace period.
// SIGINT quits immediately.
type GracefulShutdown struct {
	logger  *slog.Logger
	grace   time.Duration
	m       sync.Mutex
	signals chan os.Signal
	stop    chan struct{}
	quit    chan struct{}
}

func NewGracefulShutdown(logger *slog.Logger, grace time.Duration) *GracefulShutdown {
	gs := newGracefulShutdown(logger, grace)

	signal.Notify(gs.signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-gs.quit
		signal.Stop(gs.signals)
	}()

	return gs
}

func newGracefulShutdown(logger *slog.Logger, grace time.Duration) *GracefulShutdown {
	gs := GracefulShutdown{
		logger:  logger,
		grace:   grace,
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
		quit:    make(chan struct{}),
	}

	go gs.handleSignals()
	go gs.quitAfterStop()

	return &gs
}

func (gs *GracefulShutdown) handleSignals() {
	for {
		select {
		case sig := <-gs.signals:
			switch sig {
			case syscall.SIGINT:
				gs.logger.Warn("interrupted, shutting down")
				gs.safeClose(gs.stop)
				gs.safeClose(gs.quit)
			case syscall.SIGTERM:
				gs.safeClose(gs.stop)
			}
		case <-gs.quit:
			return
		}
	}
}

func (gs *GracefulShutdown) quitAfterStop() {
	<-gs.stop

	select {
	case <-gs.quit:
		return
	default:
		gs.logger.Warn("asked to stop, waiting for cleanup",
			LogKeyDelay, gs.grace)
	}

	select {
	case <-time.After(gs.grace):
	case <-gs.quit:
		return
	}

	gs.logger.Warn("grace period is over, shutting down")
	gs.safeClose(gs.quit)
}

func (gs *GracefulShutdown) safeClose(ch chan struct{}) {
	gs.m.Lock()
	defer gs.m.Unlock()

	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Stop starts the grace period as if the process received a SIGTERM.
func (gs *GracefulShutdown) Stop() {
	gs.safeClose(gs.stop)
}

func (gs *GracefulShutdown) ShouldStop() <-chan struct{} {
	return gs.stop
}

func (gs *GracefulShutdown) ShouldQuit() <-chan struct{} {
	return gs.quit
}

// CancelOnStop returns a context that is cancelled when the process is asked
// to stop.
func (gs *GracefulShutdown) CancelOnStop(ctx context.Context) context.Context {
	return cancelOn(ctx, gs.stop)
}

// CancelOnQuit returns a context that is cancelled when the grace period is
// over.
func (gs *GracefulShutdown) CancelOnQuit(ctx context.Context) context.Context {
	return cancelOn(ctx, gs.quit)
}

func cancelOn(ctx context.Context, ch <-chan struct{}) context.Context {
	cCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()

		select {
		case <-ch:
		case <-cCtx.Done():
		}
	}()

	return cCtx
}
