// Package transport implements the unicast link and transport lifecycle:
// per-protocol link managers, listener and outgoing-link operations, the
// established-transport table, and admission control for incoming links.
package transport

import (
	"context"
	"fmt"
	"strings"
)

// PeerId identifies a remote participant. It wraps a short byte string
// (at most 16 bytes, mirroring a UUID) rather than a fixed-size array so
// zero-length and variable-length identifiers both work.
type PeerId struct {
	raw string
}

// NewPeerId builds a PeerId from raw bytes.
func NewPeerId(b []byte) PeerId {
	return PeerId{raw: string(b)}
}

// String renders the PeerId as lowercase hex.
func (p PeerId) String() string {
	return fmt.Sprintf("%x", p.raw)
}

// Bytes returns the raw identifier bytes.
func (p PeerId) Bytes() []byte {
	return []byte(p.raw)
}

// IsZero reports whether the PeerId carries no bytes.
func (p PeerId) IsZero() bool {
	return len(p.raw) == 0
}

// Locator names a reachable endpoint as protocol/endpoint, e.g.
// "tcp/198.51.100.7:7447" or "unixsock//var/run/utmd.sock".
type Locator struct {
	Protocol string
	Endpoint string
}

// ParseLocator splits "proto/endpoint" into a Locator.
func ParseLocator(s string) (Locator, error) {
	proto, endpoint, ok := strings.Cut(s, "/")
	if !ok || proto == "" || endpoint == "" {
		return Locator{}, fmt.Errorf("parse locator %q: %w", s, &ValueDecodingFailedError{Key: "locator", Value: s})
	}
	return Locator{Protocol: proto, Endpoint: endpoint}, nil
}

// String renders the Locator back to "proto/endpoint" form.
func (l Locator) String() string {
	return l.Protocol + "/" + l.Endpoint
}

// Link is an established, protocol-specific point-to-point channel, either
// from an outgoing dial or an incoming accept.
type Link interface {
	// Src returns the local endpoint locator.
	Src() Locator
	// Dst returns the remote endpoint locator.
	Dst() Locator
	// Send writes a single frame to the link.
	Send(ctx context.Context, payload []byte) error
	// Recv reads a single frame from the link, blocking until one arrives,
	// ctx is cancelled, or the link is closed.
	Recv(ctx context.Context) ([]byte, error)
	// Close tears the link down. Idempotent.
	Close() error
}

// LinkManager is the per-protocol factory for listeners and outgoing links.
// One implementation exists per registered Locator.Protocol value.
type LinkManager interface {
	// Protocol returns the protocol tag this manager was constructed for.
	Protocol() string
	// NewListener starts accepting incoming links on locator and returns
	// the (possibly port-resolved) locator actually bound.
	NewListener(ctx context.Context, locator Locator) (Locator, error)
	// DelListener stops the listener bound to locator.
	DelListener(locator Locator) error
	// Listeners returns the locators currently being listened on.
	Listeners() []Locator
	// Locators returns the externally reachable addresses advertised for
	// this manager's listeners. For most protocols this is identical to
	// Listeners; it diverges for protocols where the bind address and the
	// dial-from-outside address differ (NAT reflection, multi-homing).
	Locators() []Locator
	// NewLink dials locator and returns the resulting outgoing Link.
	NewLink(ctx context.Context, locator Locator) (Link, error)
	// Incoming returns a channel of links accepted by this manager's
	// listeners. Closed when the manager is torn down.
	Incoming() <-chan Link
	// Close tears down all listeners owned by this manager.
	Close() error
}

// LinkManagerFactory constructs a LinkManager for a protocol tag. Manager
// registers one factory per supported Locator.Protocol at startup.
type LinkManagerFactory func(protocol string) (LinkManager, error)
