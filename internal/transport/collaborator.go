package transport

import "context"

// AuthenticatedPeerLink carries everything the establishment collaborator
// needs about a link whose admission checks have already run: the
// endpoints, whatever PeerId a link authenticator resolved (if any), and
// the raw properties bag used to build peer authenticators.
type AuthenticatedPeerLink struct {
	Src        Locator
	Dst        Locator
	PeerId     PeerId
	HasPeerId  bool
	Properties map[string]string
}

// EstablishmentCollaborator drives the handshake that turns a bare Link
// into a registered transport. Manager never looks inside the handshake
// bytes; it only requires that OpenLink/AcceptLink call back into
// InitTransport on success before returning, per the external interface
// contract this type realizes.
type EstablishmentCollaborator interface {
	// OpenLink drives the active (dialing) side of the handshake over an
	// already-connected link and returns the resulting transport.
	OpenLink(ctx context.Context, mgr *Manager, link Link) (*TransportUnicastInner, error)
	// AcceptLink drives the passive (accepting) side of the handshake.
	// Called from a detached goroutine with a context bound by open_timeout.
	AcceptLink(ctx context.Context, mgr *Manager, link Link, auth AuthenticatedPeerLink) error
}
