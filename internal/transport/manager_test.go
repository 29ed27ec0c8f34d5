package transport_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/lattice-mesh/utmd/internal/transport"
)

// pipeLink is an in-memory Link backed by a pair of channels, used to
// drive handshake tests without touching the network.
type pipeLink struct {
	src, dst transport.Locator
	recvCh   chan []byte
	sendCh   chan []byte
	closed   chan struct{}
}

func newPipePair() (*pipeLink, *pipeLink) {
	ab := make(chan []byte, 4)
	ba := make(chan []byte, 4)
	a := &pipeLink{src: transport.Locator{Protocol: "test", Endpoint: "a"}, dst: transport.Locator{Protocol: "test", Endpoint: "b"}, recvCh: ba, sendCh: ab, closed: make(chan struct{})}
	b := &pipeLink{src: transport.Locator{Protocol: "test", Endpoint: "b"}, dst: transport.Locator{Protocol: "test", Endpoint: "a"}, recvCh: ab, sendCh: ba, closed: make(chan struct{})}
	return a, b
}

func (p *pipeLink) Src() transport.Locator { return p.src }
func (p *pipeLink) Dst() transport.Locator { return p.dst }

func (p *pipeLink) Send(ctx context.Context, payload []byte) error {
	select {
	case p.sendCh <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.recvCh:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, io.ErrClosedPipe
	}
}

func (p *pipeLink) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg transport.Config) *transport.Manager {
	t.Helper()
	m := transport.NewManager(testLogger(), cfg)
	t.Cleanup(m.Close)
	return m
}

func TestInitTransportDedupesByPeer(t *testing.T) {
	m := newTestManager(t, transport.DefaultConfig())

	peer := transport.NewPeerId([]byte("peer-1"))
	cfg := transport.TransportConfig{Peer: peer, Role: transport.RolePeer, SnResolution: 1 << 28}

	t1, err := m.InitTransport(cfg)
	if err != nil {
		t.Fatalf("init transport: %v", err)
	}

	t2, err := m.InitTransport(cfg)
	if err != nil {
		t.Fatalf("init transport (repeat): %v", err)
	}
	if t1 != t2 {
		t.Fatalf("expected identical transport instance on repeat init")
	}
}

func TestInitTransportRejectsMismatch(t *testing.T) {
	m := newTestManager(t, transport.DefaultConfig())

	peer := transport.NewPeerId([]byte("peer-2"))
	cfg := transport.TransportConfig{Peer: peer, Role: transport.RolePeer, SnResolution: 1 << 28}
	if _, err := m.InitTransport(cfg); err != nil {
		t.Fatalf("init transport: %v", err)
	}

	mismatched := cfg
	mismatched.Role = transport.RoleRouter
	_, err := m.InitTransport(mismatched)
	if !errors.Is(err, transport.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestInitTransportEnforcesMaxTransports(t *testing.T) {
	cfg := transport.DefaultConfig()
	cfg.MaxTransports = 1
	m := newTestManager(t, cfg)

	if _, err := m.InitTransport(transport.TransportConfig{Peer: transport.NewPeerId([]byte("p1")), Role: transport.RolePeer}); err != nil {
		t.Fatalf("init transport p1: %v", err)
	}
	_, err := m.InitTransport(transport.TransportConfig{Peer: transport.NewPeerId([]byte("p2")), Role: transport.RolePeer})
	if !errors.Is(err, transport.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestDelTransportNotFound(t *testing.T) {
	m := newTestManager(t, transport.DefaultConfig())
	err := m.DelTransport(transport.NewPeerId([]byte("ghost")))
	if !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHandleNewLinkRejectsOverPendingLimit(t *testing.T) {
	cfg := transport.DefaultConfig()
	cfg.OpenPending = 0
	m := newTestManager(t, cfg)

	a, b := newPipePair()
	defer b.Close()

	m.HandleNewLink(context.Background(), a, nil)

	select {
	case <-a.closed:
	case <-time.After(time.Second):
		t.Fatal("expected link to be closed once pending admission limit is reached")
	}
}

func TestHandleNewLinkEstablishesTransport(t *testing.T) {
	cfg := transport.DefaultConfig()
	cfg.OpenTimeout = 2 * time.Second
	m := newTestManager(t, cfg)
	m.SetLocalIdentity(transport.NewPeerId([]byte("server")), transport.RoleRouter)

	a, b := newPipePair()

	m.HandleNewLink(context.Background(), a, nil)

	clientCollab := transport.NewHandshakeCollaborator(cfg.PeerAuthenticators)
	clientCollab.SetLocalIdentity(transport.NewPeerId([]byte("client")), transport.RolePeer)

	tr, err := clientCollab.OpenLink(context.Background(), m, b)
	if err != nil {
		t.Fatalf("open link: %v", err)
	}
	if tr.Peer().String() != transport.NewPeerId([]byte("server")).String() {
		t.Fatalf("unexpected peer: %s", tr.Peer())
	}

	if _, ok := m.GetTransport(transport.NewPeerId([]byte("client"))); !ok {
		t.Fatal("expected transport registered for client peer")
	}
}

// hangingCollaborator's AcceptLink blocks until its context is cancelled,
// modeling a peer that never completes its side of the handshake. Used to
// drive admission-control scenarios (pending-limit races, accept timeouts)
// deterministically under synctest.
type hangingCollaborator struct{}

func (hangingCollaborator) OpenLink(context.Context, *transport.Manager, transport.Link) (*transport.TransportUnicastInner, error) {
	return nil, errors.New("hangingCollaborator: OpenLink not implemented")
}

func (hangingCollaborator) AcceptLink(ctx context.Context, _ *transport.Manager, _ transport.Link, _ transport.AuthenticatedPeerLink) error {
	<-ctx.Done()
	return ctx.Err()
}

// TestAddListenerTwiceSameProtocolSharesLinkManager covers S1: two
// add_listener calls for the same protocol tag must both succeed and share
// the one link manager getOrNewLinkManager creates for that protocol,
// rather than the second call erroring out or silently replacing the
// first.
func TestAddListenerTwiceSameProtocolSharesLinkManager(t *testing.T) {
	cfg := transport.DefaultConfig()
	m := transport.NewManager(testLogger(), cfg, transport.WithFactory("tcp", transport.NewTCPLinkManagerFactory()))
	t.Cleanup(m.Close)

	loc1, err := m.AddListener(context.Background(), transport.Locator{Protocol: "tcp", Endpoint: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("add first listener: %v", err)
	}
	loc2, err := m.AddListener(context.Background(), transport.Locator{Protocol: "tcp", Endpoint: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("add second listener on same protocol: %v", err)
	}
	if loc1 == loc2 {
		t.Fatalf("expected distinct bound addresses, got %s twice", loc1)
	}

	locators := m.Listeners()
	if len(locators) != 2 {
		t.Fatalf("expected 2 listeners under the shared tcp link manager, got %d: %v", len(locators), locators)
	}

	if err := m.DelListener(loc1); err != nil {
		t.Fatalf("delete first listener: %v", err)
	}
	if got := len(m.Listeners()); got != 1 {
		t.Fatalf("expected 1 listener remaining after deleting one of two, got %d", got)
	}
}

// TestHandleNewLinkAdmitsExactlyOneUnderConcurrentRace covers S2: with
// OpenPending=1, two links racing into HandleNewLink concurrently must
// result in exactly one admitted (left open, pending) and exactly one
// rejected (closed) — never both admitted, never both rejected.
func TestHandleNewLinkAdmitsExactlyOneUnderConcurrentRace(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cfg := transport.DefaultConfig()
		cfg.OpenPending = 1
		m := transport.NewManager(testLogger(), cfg, transport.WithCollaborator(hangingCollaborator{}))
		defer m.Close()

		a1, b1 := newPipePair()
		defer b1.Close()
		a2, b2 := newPipePair()
		defer b2.Close()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); m.HandleNewLink(context.Background(), a1, nil) }()
		go func() { defer wg.Done(); m.HandleNewLink(context.Background(), a2, nil) }()
		wg.Wait()

		synctest.Wait()

		closedCount := 0
		for _, l := range []*pipeLink{a1, a2} {
			select {
			case <-l.closed:
				closedCount++
			default:
			}
		}
		if closedCount != 1 {
			t.Fatalf("expected exactly one link closed under a pending-limit race, got %d", closedCount)
		}
	})
}

// TestAcceptLinkTimeoutClosesHungLink covers S3: if the establishment
// collaborator's AcceptLink never returns (a peer that stalls mid
// handshake), the accept task must close the link once open_timeout
// elapses rather than leaving it open indefinitely.
func TestAcceptLinkTimeoutClosesHungLink(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cfg := transport.DefaultConfig()
		cfg.OpenTimeout = 50 * time.Millisecond
		m := transport.NewManager(testLogger(), cfg, transport.WithCollaborator(hangingCollaborator{}))
		defer m.Close()

		a, b := newPipePair()
		defer b.Close()

		m.HandleNewLink(context.Background(), a, nil)

		time.Sleep(cfg.OpenTimeout + 10*time.Millisecond)
		synctest.Wait()

		select {
		case <-a.closed:
		default:
			t.Fatal("expected link to be closed once open_timeout elapsed on a hung accept")
		}
	})
}
