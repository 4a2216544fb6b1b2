package source

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn the listener uses, so tests can
// feed datagrams without a network.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// ListenFunc opens a UDPSocket bound to laddr.
type ListenFunc func(network string, laddr *net.UDPAddr) (UDPSocket, error)

// ListenUDP opens a real socket with net.ListenUDP.
func ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket replays queued datagrams and reports a read timeout once the
// queue is empty, like a quiet socket with a deadline.
type MockUDPSocket struct {
	mu           sync.Mutex
	queue        [][]byte
	readErr      error
	closed       bool
	readBuf      int
	deadlineSets int
}

// NewMockUDPSocket queues the given datagrams.
func NewMockUDPSocket(datagrams ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{queue: datagrams}
}

// Push queues another datagram.
func (m *MockUDPSocket) Push(b []byte) {
	m.mu.Lock()
	m.queue = append(m.queue, b)
	m.mu.Unlock()
}

// FailNextRead makes the next read return err.
func (m *MockUDPSocket) FailNextRead(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// ReadFromUDP pops the next datagram.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if err := m.readErr; err != nil {
		m.readErr = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if len(m.queue) == 0 {
		m.mu.Unlock()
		// Let the caller's loop breathe as a real deadline would.
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()
	return copy(b, pkt), &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 40000}, nil
}

// SetReadBuffer records the requested size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.readBuf = bytes
	m.mu.Unlock()
	return nil
}

// SetReadDeadline counts deadline updates.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error {
	m.mu.Lock()
	m.deadlineSets++
	m.mu.Unlock()
	return nil
}

// Close marks the socket closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LocalAddr returns a fixed loopback address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: DefaultUDPPort}
}

// ListenFunc returns a ListenFunc handing out m.
func (m *MockUDPSocket) ListenFunc() ListenFunc {
	return func(string, *net.UDPAddr) (UDPSocket, error) { return m, nil }
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
