package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Config
// -------------------------------------------------------------------------

// Role identifies which end of an established transport the local side
// plays. Carried verbatim through reinit consistency checks.
type Role int

const (
	RoleClient Role = iota
	RolePeer
	RoleRouter
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RolePeer:
		return "peer"
	case RoleRouter:
		return "router"
	default:
		return "unknown"
	}
}

// Config holds the tunables spec'd for the manager builder: link lease and
// keep-alive intervals, the accept deadline, admission-control limits, and
// the authenticator chains run during admission and handshake.
type Config struct {
	LinkLease        time.Duration
	LinkKeepAlive    time.Duration
	OpenTimeout      time.Duration
	OpenPending      int
	MaxTransports    int // 0 means unbounded
	MaxLinks         int
	LinkAuthenticators []LinkAuthenticator
	PeerAuthenticators []PeerAuthenticator
}

// DefaultConfig returns the builder defaults: a noop authenticator chain,
// a pending-admission limit of 100, and no cap on established transports.
func DefaultConfig() Config {
	return Config{
		LinkLease:          10 * time.Second,
		LinkKeepAlive:      2500 * time.Millisecond,
		OpenTimeout:        10 * time.Second,
		OpenPending:        100,
		MaxTransports:      0,
		MaxLinks:           1,
		LinkAuthenticators: []LinkAuthenticator{NoopLinkAuthenticator{}},
		PeerAuthenticators: []PeerAuthenticator{NoopPeerAuthenticator{}},
	}
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

// EventKind distinguishes transport lifecycle events.
type EventKind int

const (
	EventEstablished EventKind = iota
	EventClosed
)

// Event is published on the Manager's event channel whenever a transport
// is established or torn down. Its consumer is the best-effort D-Bus
// notifier; the admin space reads GetTransports instead.
type Event struct {
	Kind EventKind
	Peer PeerId
	Role Role
}

const eventChSize = 64

// -------------------------------------------------------------------------
// Manager
// -------------------------------------------------------------------------

// MetricsReporter receives transport lifecycle counts. A no-op
// implementation is used when no collector is configured.
type MetricsReporter interface {
	TransportEstablished(role string)
	TransportClosed(role string)
	LinkAdmitted()
	LinkRejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) TransportEstablished(string) {}
func (noopMetrics) TransportClosed(string)      {}
func (noopMetrics) LinkAdmitted()               {}
func (noopMetrics) LinkRejected(string)         {}

// Manager owns the per-protocol link manager registry, the pending
// incoming-link admission table, and the established transport table. It
// is the single object through which listeners, outgoing links, and
// incoming admission all flow.
type Manager struct {
	cfg Config

	registryMu sync.Mutex
	factories  map[string]LinkManagerFactory
	managers   map[string]LinkManager

	transportsMu sync.Mutex
	transports   map[string]*TransportUnicastInner

	pendingMu sync.Mutex
	pending   map[Link]struct{}

	collaborator EstablishmentCollaborator
	metrics      MetricsReporter
	logger       *slog.Logger

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithMetrics sets the MetricsReporter for the manager. If mr is nil, a
// no-op reporter is used.
func WithMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithCollaborator sets the establishment collaborator used to drive
// handshakes for OpenTransport/HandleNewLink. NewManager installs the
// default JSON handshake when none is given.
func WithCollaborator(c EstablishmentCollaborator) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.collaborator = c
		}
	}
}

// WithFactory registers a LinkManagerFactory for protocol up front, so
// AddListener/OpenTransport can lazily construct managers for it.
func WithFactory(protocol string, factory LinkManagerFactory) ManagerOption {
	return func(m *Manager) {
		m.factories[protocol] = factory
	}
}

// NewManager builds a Manager from cfg and options.
func NewManager(logger *slog.Logger, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:        cfg,
		factories:  make(map[string]LinkManagerFactory),
		managers:   make(map[string]LinkManager),
		transports: make(map[string]*TransportUnicastInner),
		pending:    make(map[Link]struct{}),
		metrics:    noopMetrics{},
		logger:     logger.With(slog.String("component", "transport.manager")),
		events:     make(chan Event, eventChSize),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.collaborator == nil {
		m.collaborator = NewHandshakeCollaborator(m.cfg.PeerAuthenticators)
	}
	return m
}

// SetLocalIdentity fixes the PeerId and Role announced to remote peers
// during the handshake, when the manager is using the default
// HandshakeCollaborator. A no-op if a custom collaborator was installed
// via WithCollaborator.
func (m *Manager) SetLocalIdentity(peer PeerId, role Role) {
	if hc, ok := m.collaborator.(*HandshakeCollaborator); ok {
		hc.SetLocalIdentity(peer, role)
	}
}

// Events returns the channel of transport lifecycle events.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("dropping transport event, consumer too slow", slog.Int("kind", int(ev.Kind)))
	}
}

// -------------------------------------------------------------------------
// Link Manager Registry
// -------------------------------------------------------------------------

// getOrNewLinkManager returns the LinkManager for protocol, creating one
// via the registered factory if none exists yet. Mirrors the
// get-then-create retry loop: construction never happens while the
// registry lock is held, so a racing creator simply loses and retries.
func (m *Manager) getOrNewLinkManager(protocol string) (LinkManager, error) {
	for {
		if lm, err := m.getLinkManager(protocol); err == nil {
			return lm, nil
		}
		if lm, err := m.newLinkManager(protocol); err == nil {
			return lm, nil
		} else if !errors.Is(err, ErrAlreadyExists) {
			return nil, err
		}
	}
}

func (m *Manager) newLinkManager(protocol string) (LinkManager, error) {
	factory, ok := m.factories[protocol]
	if !ok {
		return nil, fmt.Errorf("new link manager for protocol %q: %w", protocol, ErrNotFound)
	}

	m.registryMu.Lock()
	if _, exists := m.managers[protocol]; exists {
		m.registryMu.Unlock()
		return nil, fmt.Errorf("new link manager for protocol %q: %w", protocol, ErrAlreadyExists)
	}
	m.registryMu.Unlock()

	lm, err := factory(protocol)
	if err != nil {
		return nil, fmt.Errorf("new link manager for protocol %q: %w", protocol, err)
	}

	m.registryMu.Lock()
	if _, exists := m.managers[protocol]; exists {
		m.registryMu.Unlock()
		_ = lm.Close()
		return nil, fmt.Errorf("new link manager for protocol %q: %w", protocol, ErrAlreadyExists)
	}
	m.managers[protocol] = lm
	m.registryMu.Unlock()

	go m.pumpIncoming(lm)

	return lm, nil
}

func (m *Manager) getLinkManager(protocol string) (LinkManager, error) {
	m.registryMu.Lock()
	defer m.registryMu.Unlock()
	lm, ok := m.managers[protocol]
	if !ok {
		return nil, fmt.Errorf("get link manager for protocol %q: %w", protocol, ErrNotFound)
	}
	return lm, nil
}

func (m *Manager) delLinkManager(protocol string) error {
	m.registryMu.Lock()
	lm, ok := m.managers[protocol]
	if !ok {
		m.registryMu.Unlock()
		return fmt.Errorf("delete link manager for protocol %q: %w", protocol, ErrNotFound)
	}
	delete(m.managers, protocol)
	m.registryMu.Unlock()

	return lm.Close()
}

// pumpIncoming forwards every link a LinkManager accepts into
// HandleNewLink. One goroutine per registered protocol, for the lifetime
// of that protocol's LinkManager.
func (m *Manager) pumpIncoming(lm LinkManager) {
	for link := range lm.Incoming() {
		go m.HandleNewLink(context.Background(), link, nil)
	}
}

// -------------------------------------------------------------------------
// Listener Operations
// -------------------------------------------------------------------------

// AddListener starts listening on locator, creating a link manager for its
// protocol on demand.
func (m *Manager) AddListener(ctx context.Context, locator Locator) (Locator, error) {
	lm, err := m.getOrNewLinkManager(locator.Protocol)
	if err != nil {
		return Locator{}, fmt.Errorf("add listener %s: %w", locator, err)
	}
	bound, err := lm.NewListener(ctx, locator)
	if err != nil {
		return Locator{}, fmt.Errorf("add listener %s: %w", locator, err)
	}
	m.logger.Info("listener added", slog.String("locator", bound.String()))
	return bound, nil
}

// DelListener stops the listener bound to locator, tearing down its link
// manager too if that was the last listener using it.
func (m *Manager) DelListener(locator Locator) error {
	lm, err := m.getLinkManager(locator.Protocol)
	if err != nil {
		return fmt.Errorf("delete listener %s: %w", locator, err)
	}
	if err := lm.DelListener(locator); err != nil {
		return fmt.Errorf("delete listener %s: %w", locator, err)
	}
	if len(lm.Listeners()) == 0 {
		if err := m.delLinkManager(locator.Protocol); err != nil {
			return fmt.Errorf("delete listener %s: %w", locator, err)
		}
	}
	m.logger.Info("listener removed", slog.String("locator", locator.String()))
	return nil
}

// Listeners returns every locator currently being listened on, across all
// protocols.
func (m *Manager) Listeners() []Locator {
	m.registryMu.Lock()
	managers := make([]LinkManager, 0, len(m.managers))
	for _, lm := range m.managers {
		managers = append(managers, lm)
	}
	m.registryMu.Unlock()

	var out []Locator
	for _, lm := range managers {
		out = append(out, lm.Listeners()...)
	}
	return out
}

// GetLocators returns every externally reachable locator advertised across
// all protocols, aggregating each link manager's Locators(). This is
// distinct from Listeners: a link manager may advertise additional
// reachable addresses (NAT-reflected, multi-homed) beyond what it's bound
// to locally.
func (m *Manager) GetLocators() []Locator {
	m.registryMu.Lock()
	managers := make([]LinkManager, 0, len(m.managers))
	for _, lm := range m.managers {
		managers = append(managers, lm)
	}
	m.registryMu.Unlock()

	var out []Locator
	for _, lm := range managers {
		out = append(out, lm.Locators()...)
	}
	return out
}

// -------------------------------------------------------------------------
// Transport Operations
// -------------------------------------------------------------------------

// InitTransport registers a new TransportUnicastInner for cfg.Peer, or
// returns the existing one if cfg's identifying parameters match it
// exactly. A parameter mismatch against an existing transport for the same
// peer is rejected with ErrMismatch.
func (m *Manager) InitTransport(cfg TransportConfig) (*TransportUnicastInner, error) {
	m.transportsMu.Lock()
	defer m.transportsMu.Unlock()

	if t, ok := m.transports[cfg.Peer.String()]; ok {
		if t.role != cfg.Role {
			return nil, fmt.Errorf("init transport for peer %s: role %s != expected %s: %w",
				cfg.Peer, cfg.Role, t.role, ErrMismatch)
		}
		if t.snResolution != cfg.SnResolution {
			return nil, fmt.Errorf("init transport for peer %s: sn_resolution %d != expected %d: %w",
				cfg.Peer, cfg.SnResolution, t.snResolution, ErrMismatch)
		}
		if t.isShm != cfg.IsShm {
			return nil, fmt.Errorf("init transport for peer %s: is_shm %v != expected %v: %w",
				cfg.Peer, cfg.IsShm, t.isShm, ErrMismatch)
		}
		return t, nil
	}

	if m.cfg.MaxTransports > 0 && len(m.transports) >= m.cfg.MaxTransports {
		return nil, fmt.Errorf("init transport for peer %s: %d transports open: %w",
			cfg.Peer, m.cfg.MaxTransports, ErrLimitExceeded)
	}

	t := newTransportUnicastInner(m, cfg)
	m.transports[cfg.Peer.String()] = t

	m.logger.Debug("transport initialized",
		slog.String("peer", cfg.Peer.String()),
		slog.String("role", cfg.Role.String()),
		slog.Uint64("sn_resolution", cfg.SnResolution),
		slog.Bool("is_shm", cfg.IsShm),
		slog.Bool("is_qos", cfg.IsQos),
	)

	m.metrics.TransportEstablished(cfg.Role.String())
	m.publish(Event{Kind: EventEstablished, Peer: cfg.Peer, Role: cfg.Role})

	return t, nil
}

// OpenTransport actively dials locator and drives the handshake, returning
// the resulting transport. A link manager for locator's protocol is
// created on demand.
func (m *Manager) OpenTransport(ctx context.Context, locator Locator) (*TransportUnicastInner, error) {
	lm, err := m.getOrNewLinkManager(locator.Protocol)
	if err != nil {
		return nil, fmt.Errorf("open transport to %s: %w", locator, err)
	}

	link, err := lm.NewLink(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("open transport to %s: %w", locator, err)
	}

	t, err := m.collaborator.OpenLink(ctx, m, link)
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("open transport to %s: %w", locator, err)
	}
	return t, nil
}

// GetTransport returns the transport established with peer, if any.
func (m *Manager) GetTransport(peer PeerId) (*TransportUnicastInner, bool) {
	m.transportsMu.Lock()
	defer m.transportsMu.Unlock()
	t, ok := m.transports[peer.String()]
	return t, ok
}

// GetTransports returns a snapshot slice of all established transports.
func (m *Manager) GetTransports() []*TransportUnicastInner {
	m.transportsMu.Lock()
	defer m.transportsMu.Unlock()
	out := make([]*TransportUnicastInner, 0, len(m.transports))
	for _, t := range m.transports {
		out = append(out, t)
	}
	return out
}

// DelTransport removes the transport for peer and runs every peer
// authenticator's HandleClose hook. Returns ErrNotFound if no such
// transport exists.
func (m *Manager) DelTransport(peer PeerId) error {
	m.transportsMu.Lock()
	t, ok := m.transports[peer.String()]
	if !ok {
		m.transportsMu.Unlock()
		return fmt.Errorf("delete transport for peer %s: %w", peer, ErrNotFound)
	}
	delete(m.transports, peer.String())
	m.transportsMu.Unlock()

	for _, pa := range m.cfg.PeerAuthenticators {
		pa.HandleClose(peer)
	}

	m.metrics.TransportClosed(t.role.String())
	m.publish(Event{Kind: EventClosed, Peer: peer, Role: t.role})

	m.logger.Info("transport closed", slog.String("peer", peer.String()))
	return nil
}

// -------------------------------------------------------------------------
// Incoming-Link Admission
// -------------------------------------------------------------------------

// HandleNewLink is the admission entry point for every link a LinkManager
// accepts. It reserves a pending-admission slot, runs the link
// authenticator chain, and spawns a detached task to run the establishment
// collaborator's accept path under an open_timeout deadline. All errors are
// logged and swallowed; the caller of HandleNewLink never sees one,
// matching the fire-and-forget nature of incoming admission.
func (m *Manager) HandleNewLink(ctx context.Context, link Link, properties map[string]string) {
	m.pendingMu.Lock()
	if len(m.pending) >= m.cfg.OpenPending {
		m.pendingMu.Unlock()
		m.logger.Debug("closing incoming link, pending admission limit reached",
			slog.String("src", link.Dst().String()))
		m.metrics.LinkRejected("pending_limit")
		_ = link.Close()
		return
	}
	m.pending[link] = struct{}{}
	m.pendingMu.Unlock()

	var (
		peerID PeerId
		haveID bool
	)
	for _, la := range m.cfg.LinkAuthenticators {
		pid, err := la.HandleNewLink(ctx, link, properties)
		if err != nil {
			// Leave the link open and the pending slot reserved: this
			// mirrors the asymmetric close policy of the source, which
			// never closes a link purely because one link authenticator
			// in the chain objected.
			m.logger.Debug("link authenticator rejected link", slog.Any("err", err))
			m.metrics.LinkRejected("link_auth")
			return
		}
		if !pid.IsZero() {
			if haveID && pid != peerID {
				m.logger.Debug("ambiguous peer id across link authenticators")
				m.metrics.LinkRejected("ambiguous_peer_id")
				_ = link.Close()
				m.removePending(link)
				return
			}
			peerID = pid
			haveID = true
		}
	}

	m.metrics.LinkAdmitted()

	auth := AuthenticatedPeerLink{
		Src:        link.Src(),
		Dst:        link.Dst(),
		PeerId:     peerID,
		HasPeerId:  haveID,
		Properties: properties,
	}

	go m.acceptLinkTask(link, auth)
}

func (m *Manager) acceptLinkTask(link Link, auth AuthenticatedPeerLink) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpenTimeout)
	defer cancel()

	err := m.collaborator.AcceptLink(ctx, m, link, auth)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = link.Close()
		}
		m.logger.Debug("accept link finished with error", slog.Any("err", err))
	}

	m.removePending(link)
}

func (m *Manager) removePending(link Link) {
	m.pendingMu.Lock()
	delete(m.pending, link)
	m.pendingMu.Unlock()
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

// Close tears down every link manager and established transport. Safe to
// call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.registryMu.Lock()
		managers := make([]LinkManager, 0, len(m.managers))
		for _, lm := range m.managers {
			managers = append(managers, lm)
		}
		m.managers = make(map[string]LinkManager)
		m.registryMu.Unlock()

		for _, lm := range managers {
			_ = lm.Close()
		}

		m.transportsMu.Lock()
		peers := make([]PeerId, 0, len(m.transports))
		for _, t := range m.transports {
			peers = append(peers, t.peer)
		}
		m.transportsMu.Unlock()

		for _, p := range peers {
			_ = m.DelTransport(p)
		}

		close(m.events)
	})
}
