package internal

import (
	"context"
	"log/slog"
	"syscall"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestGracefulShutdownTerm(t *testing.T) {
	gs := newGracefulShutdown(slog.New(slog.DiscardHandler),
		50*time.Millisecond)

	stopCtx := gs.CancelOnStop(context.Background())
	quitCtx := gs.CancelOnQuit(context.Background())

	gs.signals <- syscall.SIGTERM

	waitFor(t, stopCtx.Done(), "stop")

	if quitCtx.Err() != nil {
		t.Fatal("quit before the grace period was over")
	}

	waitFor(t, quitCtx.Done(), "quit after the grace period")
}

func TestGracefulShutdownInterrupt(t *testing.T) {
	gs := newGracefulShutdown(slog.New(slog.DiscardHandler), time.Hour)

	gs.signals <- syscall.SIGINT

	waitFor(t, gs.ShouldStop(), "stop")
	waitFor(t, gs.ShouldQuit(), "immediate quit")
}

func TestGracefulShutdownStop(t *testing.T) {
	gs := newGracefulShutdown(slog.New(slog.DiscardHandler),
		10*time.Millisecond)

	gs.Stop()
	gs.Stop()

	waitFor(t, gs.ShouldQuit(), "quit after programmatic stop")
}
