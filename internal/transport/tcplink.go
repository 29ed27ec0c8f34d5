package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// tcpLink wraps a net.Conn as a Link. Frames are length-prefixed so
// Send/Recv deal in whole messages rather than a raw byte stream.
type tcpLink struct {
	conn net.Conn
	src  Locator
	dst  Locator
}

func newTCPLink(conn net.Conn) *tcpLink {
	return &tcpLink{
		conn: conn,
		src:  Locator{Protocol: "tcp", Endpoint: conn.LocalAddr().String()},
		dst:  Locator{Protocol: "tcp", Endpoint: conn.RemoteAddr().String()},
	}
}

func (l *tcpLink) Src() Locator { return l.src }
func (l *tcpLink) Dst() Locator { return l.dst }

func (l *tcpLink) Send(ctx context.Context, payload []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetWriteDeadline(dl)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := l.conn.Write(header); err != nil {
		return fmt.Errorf("tcp link send: %w", err)
	}
	if _, err := l.conn.Write(payload); err != nil {
		return fmt.Errorf("tcp link send: %w", err)
	}
	return nil
}

func (l *tcpLink) Recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetReadDeadline(dl)
	}
	header := make([]byte, 4)
	if _, err := readFull(l.conn, header); err != nil {
		return nil, fmt.Errorf("tcp link recv: %w", err)
	}
	n := binary.BigEndian.Uint32(header)
	body := make([]byte, n)
	if _, err := readFull(l.conn, body); err != nil {
		return nil, fmt.Errorf("tcp link recv: %w", err)
	}
	return body, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (l *tcpLink) Close() error {
	return l.conn.Close()
}

// tcpLinkManager is the LinkManager for the "tcp" protocol: plain stream
// sockets, with SO_REUSEADDR/SO_REUSEPORT set on listening sockets so a
// restarted daemon can rebind immediately.
type tcpLinkManager struct {
	mu        sync.Mutex
	listeners map[string]net.Listener
	incoming  chan Link
}

// NewTCPLinkManagerFactory returns a LinkManagerFactory for the "tcp"
// protocol tag.
func NewTCPLinkManagerFactory() LinkManagerFactory {
	return func(protocol string) (LinkManager, error) {
		return &tcpLinkManager{
			listeners: make(map[string]net.Listener),
			incoming:  make(chan Link, 16),
		}, nil
	}
}

func (m *tcpLinkManager) Protocol() string { return "tcp" }

func (m *tcpLinkManager) NewListener(ctx context.Context, locator Locator) (Locator, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if ctrlErr == nil {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	ln, err := lc.Listen(ctx, "tcp", locator.Endpoint)
	if err != nil {
		return Locator{}, fmt.Errorf("tcp listen %s: %w", locator.Endpoint, err)
	}

	bound := Locator{Protocol: "tcp", Endpoint: ln.Addr().String()}

	m.mu.Lock()
	m.listeners[bound.Endpoint] = ln
	m.mu.Unlock()

	go m.acceptLoop(ln)

	return bound, nil
}

func (m *tcpLinkManager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		select {
		case m.incoming <- newTCPLink(conn):
		default:
			_ = conn.Close()
		}
	}
}

func (m *tcpLinkManager) DelListener(locator Locator) error {
	m.mu.Lock()
	ln, ok := m.listeners[locator.Endpoint]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("tcp del listener %s: %w", locator.Endpoint, ErrNotFound)
	}
	delete(m.listeners, locator.Endpoint)
	m.mu.Unlock()

	return ln.Close()
}

func (m *tcpLinkManager) Listeners() []Locator {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Locator, 0, len(m.listeners))
	for ep := range m.listeners {
		out = append(out, Locator{Protocol: "tcp", Endpoint: ep})
	}
	return out
}

// Locators returns the externally reachable addresses for this manager's
// listeners. The tcp link manager never NATs or rewrites its bind address,
// so this is the same set Listeners returns.
func (m *tcpLinkManager) Locators() []Locator {
	return m.Listeners()
}

func (m *tcpLinkManager) NewLink(ctx context.Context, locator Locator) (Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", locator.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", locator.Endpoint, err)
	}
	return newTCPLink(conn), nil
}

func (m *tcpLinkManager) Incoming() <-chan Link {
	return m.incoming
}

func (m *tcpLinkManager) Close() error {
	m.mu.Lock()
	listeners := make([]net.Listener, 0, len(m.listeners))
	for _, ln := range m.listeners {
		listeners = append(listeners, ln)
	}
	m.listeners = make(map[string]net.Listener)
	m.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	close(m.incoming)
	return nil
}
