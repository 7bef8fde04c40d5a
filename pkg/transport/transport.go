// Package transport provides the request/reply channel between peers: a
// listener that can bind "any free port" and report what it got, and a caller
// side channel with exactly one receive per send.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lanrpc/pkg/logging"
	"github.com/lanrpc/pkg/protocol"
)

// ErrTransportUnavailable is returned when a channel cannot be established
// after the configured attempts.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Request is one inbound call body paired with the connection to answer on.
type Request struct {
	Body []byte
	conn net.Conn
}

// Reply writes the single response frame for this request.
func (r Request) Reply(body []byte) error {
	return protocol.WriteFrame(r.conn, body)
}

// Listener accepts caller channels and funnels their requests into one stream
// so the host can run a single dispatch loop over all of them.
type Listener struct {
	ln       net.Listener
	requests chan Request
	done     chan struct{}

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	readers sync.WaitGroup
}

// Bind listens on addr. The port may be 0 ("any free port"); Port reports the
// concrete port actually bound.
func Bind(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %v", ErrTransportUnavailable, addr, err)
	}
	l := &Listener{
		ln:       ln,
		requests: make(chan Request, 16),
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	go l.acceptLoop()
	logging.Logf("[listen] call listener bound addr=%s", ln.Addr())
	return l, nil
}

// Port returns the concrete bound port.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Requests is the inbound call stream. It is closed after Close once all
// reader goroutines have drained.
func (l *Listener) Requests() <-chan Request {
	return l.requests
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			break
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			_ = conn.Close()
			break
		}
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.readers.Add(1)
		go l.readLoop(conn)
	}
	l.readers.Wait()
	close(l.requests)
}

// readLoop reads one frame at a time from a caller channel. The caller never
// pipelines, so frame-by-frame reads match the channel contract.
func (l *Listener) readLoop(conn net.Conn) {
	defer l.readers.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		_ = conn.Close()
	}()

	br := bufio.NewReader(conn)
	for {
		body, err := protocol.ReadFrame(br)
		if err != nil {
			return
		}
		select {
		case l.requests <- Request{Body: body, conn: conn}:
		case <-l.done:
			return
		}
	}
}

// Close stops accepting, closes every caller channel and ends the request
// stream.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := make([]net.Conn, 0, len(l.conns))
	for conn := range l.conns {
		conns = append(conns, conn)
	}
	l.mu.Unlock()

	close(l.done)
	err := l.ln.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return err
}

// Channel is the caller side of a request/reply link. It is owned by exactly
// one proxy and never shared.
type Channel struct {
	conn net.Conn
	br   *bufio.Reader
}

// Connect dials ip:port, retrying at interval up to attempts times before
// reporting the transport unavailable. Socket creation failing is a transient
// condition, not an immediate hard failure.
func Connect(ip string, port int, dialTimeout, retryInterval time.Duration, attempts int) (*Channel, error) {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err == nil {
			return &Channel{conn: conn, br: bufio.NewReader(conn)}, nil
		}
		lastErr = err
		logging.Debugf("[channel] dial %s failed (attempt %d/%d): %v", addr, attempt, attempts, err)
		if attempt < attempts {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportUnavailable, addr, lastErr)
}

// Send writes one request frame.
func (c *Channel) Send(body []byte) error {
	return protocol.WriteFrame(c.conn, body)
}

// Poll reports whether a reply is ready within timeout. The deadline stays
// armed so the subsequent Receive reads the whole frame under the same budget;
// a peer that sends one byte and stalls cannot block the caller past it.
func (c *Channel) Poll(timeout time.Duration) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, err := c.br.Peek(1)
	if err != nil {
		_ = c.conn.SetReadDeadline(time.Time{})
		return false
	}
	return true
}

// Receive reads the single reply frame for the last send. Deadline expiry
// surfaces as a read error, which callers treat as a lost channel.
func (c *Channel) Receive() ([]byte, error) {
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	return protocol.ReadFrame(c.br)
}

// RemoteAddr returns the peer address this channel is bound to.
func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close discards the channel. After a timeout the channel state is unknown, so
// it is always discarded and rebuilt rather than reused.
func (c *Channel) Close() error {
	return c.conn.Close()
}
