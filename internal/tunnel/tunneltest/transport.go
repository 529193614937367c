// Package tunneltest provides an in-memory SSH transport for exercising
// tunnel sessions without a real server. Listeners hand out net.Pipe
// connections injected by the test, and closing a connection breaks every
// listener and channel derived from it, like a dying SSH transport does.
package tunneltest

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benmeehan/tunnel-agent/pkg/sshtransport"
)

// Transport is a fake sshtransport.Transport. Configure the exported
// fields before handing it to a supervisor.
type Transport struct {
	// ConnectErr, when set, fails every Connect call with this error.
	ConnectErr error

	// ConnectDelay stalls Connect until the delay elapses or the context
	// expires, whichever comes first.
	ConnectDelay time.Duration

	// ListenHook, when set, vetoes individual binds. It receives the
	// address passed to Listen and its error is returned to the caller.
	ListenHook func(address string) error

	mu       sync.Mutex
	conns    []*Conn
	nextPort int
}

// NewTransport returns a fake transport ready for use.
func NewTransport() *Transport {
	return &Transport{nextPort: 32000}
}

// Connect hands out a new fake connection for every call.
func (t *Transport) Connect(ctx context.Context, server string, creds sshtransport.Credentials) (sshtransport.Conn, error) {
	if t.ConnectDelay > 0 {
		select {
		case <-time.After(t.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}

	conn := &Conn{transport: t, server: server, user: creds.User}
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

// Conns returns every connection the transport has handed out.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// OpenConns counts connections that have not been closed yet.
func (t *Transport) OpenConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	open := 0
	for _, conn := range t.conns {
		if !conn.Closed() {
			open++
		}
	}
	return open
}

func (t *Transport) ephemeralPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPort++
	return t.nextPort
}

// Conn is a fake sshtransport.Conn.
type Conn struct {
	transport *Transport
	server    string
	user      string

	mu           sync.Mutex
	closed       bool
	listeners    []*Listener
	channels     []net.Conn
	keepaliveErr error
	commandErr   error
	commands     []string
}

// Server returns the address the connection was dialed with.
func (c *Conn) Server() string { return c.server }

// User returns the user the connection authenticated as.
func (c *Conn) User() string { return c.user }

// Listen registers a fake remote listener. Port 0 resolves to a distinct
// fake ephemeral port.
func (c *Conn) Listen(network, address string) (net.Listener, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, net.ErrClosed
	}

	if hook := c.transport.ListenHook; hook != nil {
		if err := hook(address); err != nil {
			return nil, err
		}
	}

	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port = c.transport.ephemeralPort()
	}

	listener := &Listener{
		conn: c,
		addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		ch:   make(chan net.Conn),
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()
	return listener, nil
}

// Keepalive reports the injected probe error, or failure once the
// connection is closed.
func (c *Conn) Keepalive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	return c.keepaliveErr
}

// FailKeepalive makes every further keepalive probe report err.
func (c *Conn) FailKeepalive(err error) {
	c.mu.Lock()
	c.keepaliveErr = err
	c.mu.Unlock()
}

// RunCommand records the command and returns the injected error, if any.
func (c *Conn) RunCommand(ctx context.Context, command string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	c.commands = append(c.commands, command)
	return nil, c.commandErr
}

// SetCommandErr makes further RunCommand calls fail with err.
func (c *Conn) SetCommandErr(err error) {
	c.mu.Lock()
	c.commandErr = err
	c.mu.Unlock()
}

// Commands returns the remote commands executed on this connection.
func (c *Conn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Listeners returns the listeners bound on this connection.
func (c *Conn) Listeners() []*Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Listener(nil), c.listeners...)
}

// Close breaks every listener and channel of the connection. It is
// idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	listeners := append([]*Listener(nil), c.listeners...)
	channels := append([]net.Conn(nil), c.channels...)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener.Close()
	}
	for _, channel := range channels {
		channel.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Drop emulates the server side dying without a clean close.
func (c *Conn) Drop() {
	c.Close()
}

func (c *Conn) trackChannel(channel net.Conn) {
	c.mu.Lock()
	c.channels = append(c.channels, channel)
	c.mu.Unlock()
}

// Listener is a fake remote listener fed by Inject.
type Listener struct {
	conn *Conn
	addr net.Addr
	ch   chan net.Conn
	done chan struct{}
	once sync.Once
}

// Accept blocks until a channel is injected or the listener closes.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case channel := <-l.ch:
		return channel, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close is idempotent.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Addr returns the fake bind address.
func (l *Listener) Addr() net.Addr { return l.addr }

// Inject delivers a forwarded channel to whoever is accepting on the
// listener and returns the peer end for the test to drive.
func (l *Listener) Inject() (net.Conn, error) {
	server, peer := net.Pipe()
	l.conn.trackChannel(server)
	select {
	case l.ch <- server:
		return peer, nil
	case <-l.done:
		server.Close()
		peer.Close()
		return nil, net.ErrClosed
	}
}
