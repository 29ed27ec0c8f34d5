package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// handshakeFrame is the one concrete, swappable handshake this repository
// ships so OpenTransport/HandleNewLink have something real to drive end to
// end. Its byte layout is not load-bearing for any invariant the manager
// enforces; only the callback into InitTransport is.
type handshakeFrame struct {
	PeerID       []byte `json:"peer_id"`
	Role         int    `json:"role"`
	SnResolution uint64 `json:"sn_resolution"`
	InitialSnTx  uint64 `json:"initial_sn_tx"`
	InitialSnRx  uint64 `json:"initial_sn_rx"`
	IsShm        bool   `json:"is_shm"`
	IsQos        bool   `json:"is_qos"`
	Properties   map[string]string `json:"properties,omitempty"`
}

const maxHandshakeFrameSize = 64 * 1024

func sendHandshakeFrame(ctx context.Context, link Link, f handshakeFrame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode handshake frame: %w", err)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	return link.Send(ctx, append(header, body...))
}

func recvHandshakeFrame(ctx context.Context, link Link) (handshakeFrame, error) {
	raw, err := link.Recv(ctx)
	if err != nil {
		return handshakeFrame{}, fmt.Errorf("recv handshake frame: %w", err)
	}
	if len(raw) < 4 {
		return handshakeFrame{}, fmt.Errorf("recv handshake frame: short frame")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if int(n) > maxHandshakeFrameSize || int(n) != len(raw)-4 {
		return handshakeFrame{}, fmt.Errorf("recv handshake frame: invalid length %d", n)
	}
	var f handshakeFrame
	if err := json.Unmarshal(raw[4:4+n], &f); err != nil {
		return handshakeFrame{}, fmt.Errorf("decode handshake frame: %w", err)
	}
	return f, nil
}

// HandshakeCollaborator is the default EstablishmentCollaborator: both
// sides exchange one length-prefixed JSON handshakeFrame, the peer
// authenticator chain runs against the properties it carries, and
// InitTransport is called with the negotiated parameters.
type HandshakeCollaborator struct {
	peerAuthenticators []PeerAuthenticator
	localPeer          PeerId
	localRole          Role
}

// NewHandshakeCollaborator builds the default collaborator around a peer
// authenticator chain. localPeer/localRole are set via SetLocalIdentity
// before first use; Manager does this in NewManager's caller (cmd/utmd).
func NewHandshakeCollaborator(peerAuthenticators []PeerAuthenticator) *HandshakeCollaborator {
	return &HandshakeCollaborator{peerAuthenticators: peerAuthenticators}
}

// SetLocalIdentity fixes the PeerId and Role this collaborator announces
// to remote peers during the handshake.
func (c *HandshakeCollaborator) SetLocalIdentity(peer PeerId, role Role) {
	c.localPeer = peer
	c.localRole = role
}

func (c *HandshakeCollaborator) OpenLink(ctx context.Context, mgr *Manager, link Link) (*TransportUnicastInner, error) {
	out := handshakeFrame{
		PeerID:       c.localPeer.Bytes(),
		Role:         int(c.localRole),
		SnResolution: defaultSnResolution,
		IsQos:        false,
	}
	if err := sendHandshakeFrame(ctx, link, out); err != nil {
		return nil, err
	}

	in, err := recvHandshakeFrame(ctx, link)
	if err != nil {
		return nil, err
	}

	for _, pa := range c.peerAuthenticators {
		if err := pa.HandleNewLink(ctx, NewPeerId(in.PeerID), in.Properties); err != nil {
			return nil, fmt.Errorf("open link: %w", ErrAuth)
		}
	}

	t, err := mgr.InitTransport(TransportConfig{
		Peer:         NewPeerId(in.PeerID),
		Role:         Role(in.Role),
		SnResolution: in.SnResolution,
		InitialSnTx:  in.InitialSnTx,
		InitialSnRx:  in.InitialSnRx,
		IsShm:        in.IsShm,
		IsQos:        in.IsQos,
	})
	if err != nil {
		return nil, err
	}
	if err := t.AddLink(link); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *HandshakeCollaborator) AcceptLink(ctx context.Context, mgr *Manager, link Link, auth AuthenticatedPeerLink) error {
	in, err := recvHandshakeFrame(ctx, link)
	if err != nil {
		return err
	}

	if auth.HasPeerId && !auth.PeerId.IsZero() && string(auth.PeerId.Bytes()) != string(in.PeerID) {
		return fmt.Errorf("accept link: peer id mismatch: %w", ErrAuth)
	}

	for _, pa := range c.peerAuthenticators {
		if err := pa.HandleNewLink(ctx, NewPeerId(in.PeerID), in.Properties); err != nil {
			return fmt.Errorf("accept link: %w", ErrAuth)
		}
	}

	out := handshakeFrame{
		PeerID:       c.localPeer.Bytes(),
		Role:         int(c.localRole),
		SnResolution: defaultSnResolution,
	}
	if err := sendHandshakeFrame(ctx, link, out); err != nil {
		return err
	}

	t, err := mgr.InitTransport(TransportConfig{
		Peer:         NewPeerId(in.PeerID),
		Role:         Role(in.Role),
		SnResolution: in.SnResolution,
		InitialSnTx:  in.InitialSnTx,
		InitialSnRx:  in.InitialSnRx,
		IsShm:        in.IsShm,
		IsQos:        in.IsQos,
	})
	if err != nil {
		return err
	}
	return t.AddLink(link)
}

const defaultSnResolution = 1 << 32
