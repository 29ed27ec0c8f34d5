package transport

import "sync"

// TransportConfig carries the parameters InitTransport uses both to find
// an existing transport for cfg.Peer and, when none exists yet, to build a
// new one.
type TransportConfig struct {
	Peer         PeerId
	Role         Role
	SnResolution uint64
	InitialSnTx  uint64
	InitialSnRx  uint64
	IsShm        bool
	IsQos        bool
}

// TransportUnicastInner is the established-transport record: the
// negotiated parameters fixed at InitTransport time, plus the mutable set
// of links currently carrying this transport's traffic.
type TransportUnicastInner struct {
	manager *Manager

	peer         PeerId
	role         Role
	snResolution uint64
	initialSnTx  uint64
	initialSnRx  uint64
	isShm        bool
	isQos        bool

	mu    sync.Mutex
	links []Link
}

func newTransportUnicastInner(m *Manager, cfg TransportConfig) *TransportUnicastInner {
	return &TransportUnicastInner{
		manager:      m,
		peer:         cfg.Peer,
		role:         cfg.Role,
		snResolution: cfg.SnResolution,
		initialSnTx:  cfg.InitialSnTx,
		initialSnRx:  cfg.InitialSnRx,
		isShm:        cfg.IsShm,
		isQos:        cfg.IsQos,
	}
}

// Peer returns the remote PeerId this transport is established with.
func (t *TransportUnicastInner) Peer() PeerId { return t.peer }

// Role returns the negotiated role.
func (t *TransportUnicastInner) Role() Role { return t.role }

// IsShm reports whether shared-memory transport was negotiated.
func (t *TransportUnicastInner) IsShm() bool { return t.isShm }

// IsQos reports whether QoS-aware transport was negotiated.
func (t *TransportUnicastInner) IsQos() bool { return t.isQos }

// AddLink attaches an additional link to this transport, up to the
// manager's configured max_links. Returns ErrLimitExceeded past that.
func (t *TransportUnicastInner) AddLink(link Link) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.manager.cfg.MaxLinks > 0 && len(t.links) >= t.manager.cfg.MaxLinks {
		return ErrLimitExceeded
	}
	t.links = append(t.links, link)
	return nil
}

// Links returns a snapshot of the links currently carrying this transport.
func (t *TransportUnicastInner) Links() []Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Link, len(t.links))
	copy(out, t.links)
	return out
}

// Close tears down every link carrying this transport and removes it from
// the manager's transport table.
func (t *TransportUnicastInner) Close() error {
	t.mu.Lock()
	links := t.links
	t.links = nil
	t.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}

	return t.manager.DelTransport(t.peer)
}
