package transport

import (
	"context"
	"crypto/subtle"
)

// LinkAuthenticator runs at admission time, before a pending link is handed
// to the establishment collaborator. It may reject a link outright, and may
// optionally return the PeerId it has already learned about the remote end
// (e.g. from a TLS client certificate) so later chain members and the
// collaborator can cross-check it.
//
// Capability set mirrors the source: HandleNewLink, HandleClose, and
// FromProperties together are the whole of what an authenticator does; there
// is no Sign/Verify here because that belongs to the handshake codec
// (see handshake.go), not to admission control.
type LinkAuthenticator interface {
	// HandleNewLink inspects a freshly accepted, not-yet-authenticated link
	// and either rejects it (non-nil error) or allows it to proceed,
	// optionally resolving a PeerId.
	HandleNewLink(ctx context.Context, link Link, properties map[string]string) (PeerId, error)
	// HandleClose releases any per-peer state the authenticator holds.
	// Manager.DelTransport does not call it: transport teardown runs only
	// the peer authenticator chain's HandleClose.
	HandleClose(peer PeerId)
	// FromProperties builds a chain member from configuration properties.
	FromProperties(properties map[string]string) (LinkAuthenticator, error)
}

// PeerAuthenticator runs once per transport, after the handshake frame has
// been exchanged, to authenticate the peer identity itself rather than the
// link it arrived on.
type PeerAuthenticator interface {
	HandleNewLink(ctx context.Context, peer PeerId, properties map[string]string) error
	HandleClose(peer PeerId)
	FromProperties(properties map[string]string) (PeerAuthenticator, error)
}

// NoopLinkAuthenticator accepts every link unconditionally. It is the
// default when no link authenticator chain is configured.
type NoopLinkAuthenticator struct{}

func (NoopLinkAuthenticator) HandleNewLink(context.Context, Link, map[string]string) (PeerId, error) {
	return PeerId{}, nil
}

func (NoopLinkAuthenticator) HandleClose(PeerId) {}

func (a NoopLinkAuthenticator) FromProperties(map[string]string) (LinkAuthenticator, error) {
	return a, nil
}

// NoopPeerAuthenticator accepts every peer unconditionally.
type NoopPeerAuthenticator struct{}

func (NoopPeerAuthenticator) HandleNewLink(context.Context, PeerId, map[string]string) error {
	return nil
}

func (NoopPeerAuthenticator) HandleClose(PeerId) {}

func (a NoopPeerAuthenticator) FromProperties(map[string]string) (PeerAuthenticator, error) {
	return a, nil
}

// PSKPeerAuthenticator rejects peers whose "psk" property does not match a
// pre-shared secret, comparing in constant time to avoid timing side
// channels on the comparison itself.
type PSKPeerAuthenticator struct {
	secret string
}

// NewPSKPeerAuthenticator builds an authenticator around a fixed secret.
func NewPSKPeerAuthenticator(secret string) *PSKPeerAuthenticator {
	return &PSKPeerAuthenticator{secret: secret}
}

func (a *PSKPeerAuthenticator) HandleNewLink(_ context.Context, _ PeerId, properties map[string]string) error {
	got := properties["psk"]
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.secret)) != 1 {
		return ErrAuth
	}
	return nil
}

func (a *PSKPeerAuthenticator) HandleClose(PeerId) {}

func (a *PSKPeerAuthenticator) FromProperties(properties map[string]string) (PeerAuthenticator, error) {
	if secret, ok := properties["psk_secret"]; ok && secret != "" {
		return NewPSKPeerAuthenticator(secret), nil
	}
	return a, nil
}
