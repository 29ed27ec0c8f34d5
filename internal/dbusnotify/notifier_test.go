package dbusnotify_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lattice-mesh/utmd/internal/dbusnotify"
	"github.com/lattice-mesh/utmd/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectOrSkip(t *testing.T) *dbusnotify.Notifier {
	t.Helper()
	n, err := dbusnotify.Connect(testLogger())
	if err != nil {
		t.Skipf("no session bus available: %v", err)
	}
	return n
}

func TestRunEmitsWithoutBlocking(t *testing.T) {
	t.Parallel()

	n := connectOrSkip(t)
	defer n.Close()

	events := make(chan transport.Event, 1)
	events <- transport.Event{
		Kind: transport.EventEstablished,
		Peer: transport.NewPeerId([]byte("peer-1")),
		Role: transport.RolePeer,
	}
	close(events)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		n.Run(ctx, events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after events channel closed")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	n := connectOrSkip(t)
	defer n.Close()

	events := make(chan transport.Event)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		n.Run(ctx, events)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
