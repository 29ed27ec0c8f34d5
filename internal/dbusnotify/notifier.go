// Package dbusnotify emits best-effort D-Bus signals for unicast transport
// lifecycle events, so that desktop- or systemd-adjacent tooling on the
// local host can observe peer connectivity without polling the admin
// space. Signal delivery is never load-bearing: a D-Bus connection failure
// is logged and the notifier otherwise does nothing.
package dbusnotify

import (
	"context"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/lattice-mesh/utmd/internal/transport"
)

const (
	// objectPath is the object path transport lifecycle signals are
	// emitted from.
	objectPath = dbus.ObjectPath("/org/lattice_mesh/utmd/Transport")

	// interfaceName is the D-Bus interface name for the emitted signals.
	interfaceName = "org.lattice_mesh.utmd.Transport"

	// signalEstablished fires when a transport reaches the established state.
	signalEstablished = interfaceName + ".Established"

	// signalClosed fires when a transport is torn down.
	signalClosed = interfaceName + ".Closed"
)

// Notifier subscribes to a transport.Manager's event stream and emits one
// D-Bus signal per established/closed transport.
type Notifier struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// Connect dials the session bus and returns a Notifier. If the session bus
// is unreachable (no desktop session, container without D-Bus), Connect
// returns an error; callers should treat this as non-fatal and skip
// notification entirely rather than failing startup.
func Connect(logger *slog.Logger) (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return &Notifier{conn: conn, logger: logger.With(slog.String("component", "dbusnotify"))}, nil
}

// Run consumes mgr.Events() until ctx is cancelled or the event channel
// closes, emitting a D-Bus signal for each event. Each emit failure is
// logged and skipped; Run never returns an error from a single bad emit.
func (n *Notifier) Run(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.emit(ev)
		}
	}
}

func (n *Notifier) emit(ev transport.Event) {
	signal := signalClosed
	if ev.Kind == transport.EventEstablished {
		signal = signalEstablished
	}

	err := n.conn.Emit(objectPath, signal, ev.Peer.String(), ev.Role.String())
	if err != nil {
		n.logger.Warn("emit dbus signal failed",
			slog.String("signal", signal),
			slog.String("peer", ev.Peer.String()),
			slog.String("error", err.Error()),
		)
		return
	}
}

// Close releases the underlying D-Bus connection.
func (n *Notifier) Close() error {
	return n.conn.Close()
}
