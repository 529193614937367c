package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"
)

// ErrAuth marks connection failures caused by rejected credentials.
var ErrAuth = errors.New("ssh authentication rejected")

// Credentials carries the SSH user and exactly one authentication method.
type Credentials struct {
	User       string
	Password   string // Password authentication when non-empty
	PrivateKey []byte // PEM-encoded key authentication when non-empty
}

// AuthMethods converts the credentials into SSH auth methods. The private
// key takes precedence when both are present.
func (c Credentials) AuthMethods() ([]ssh.AuthMethod, error) {
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(c.Password)}, nil
}

// Conn is an authenticated SSH connection able to bind remote listeners,
// probe liveness and run commands on the server.
type Conn interface {
	Listen(network, address string) (net.Listener, error)
	Keepalive() error
	RunCommand(ctx context.Context, command string) ([]byte, error)
	Close() error
}

// Transport establishes authenticated SSH connections.
type Transport interface {
	Connect(ctx context.Context, server string, creds Credentials) (Conn, error)
}

// SSHTransport implements Transport on top of golang.org/x/crypto/ssh.
// The TCP leg honors proxy-related environment variables.
type SSHTransport struct {
	hostKey ssh.PublicKey
	logger  zerolog.Logger
}

// NewSSHTransport returns a transport verifying the server against hostKey,
// given in authorized_keys format. An empty hostKey disables verification.
func NewSSHTransport(hostKey []byte, logger zerolog.Logger) (*SSHTransport, error) {
	t := &SSHTransport{logger: logger}
	if len(hostKey) > 0 {
		publicKey, _, _, _, err := ssh.ParseAuthorizedKey(hostKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse server host key: %w", err)
		}
		t.hostKey = publicKey
	}
	return t, nil
}

// Connect dials the server and completes the SSH handshake. The context
// deadline bounds both the dial and the handshake.
func (t *SSHTransport) Connect(ctx context.Context, server string, creds Credentials) (Conn, error) {
	auth, err := creds.AuthMethods()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if t.hostKey != nil {
		config.HostKeyCallback = ssh.FixedHostKey(t.hostKey)
	}

	rawConn, err := proxyDial(ctx, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", server, err)
	}

	// The handshake has no context support of its own, so bound it with
	// a deadline on the underlying connection.
	if deadline, ok := ctx.Deadline(); ok {
		if err := rawConn.SetDeadline(deadline); err != nil {
			rawConn.Close()
			return nil, err
		}
	}

	conn, chans, reqs, err := ssh.NewClientConn(rawConn, server, config)
	if err != nil {
		rawConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", server, err)
	}
	rawConn.SetDeadline(time.Time{})

	t.logger.Debug().Str("server", server).Str("user", creds.User).Msg("SSH connection established")
	return &clientConn{client: ssh.NewClient(conn, chans, reqs)}, nil
}

// proxyDial opens the TCP leg, going through the proxy configured in the
// environment when one is set.
func proxyDial(ctx context.Context, address string) (net.Conn, error) {
	dialer := proxy.FromEnvironment()
	if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
		return contextDialer.DialContext(ctx, "tcp", address)
	}
	return dialer.Dial("tcp", address)
}

// clientConn adapts *ssh.Client to the Conn interface.
type clientConn struct {
	client    *ssh.Client
	closeOnce sync.Once
	closeErr  error
}

// Listen asks the server to bind a listener and forward its connections
// back over the SSH connection.
func (c *clientConn) Listen(network, address string) (net.Listener, error) {
	return c.client.Listen(network, address)
}

// Keepalive sends a keepalive request and reports a dead transport.
func (c *clientConn) Keepalive() error {
	if _, _, err := c.client.Conn.SendRequest("keepalive", true, nil); err != nil {
		return fmt.Errorf("ssh keepalive failed: %w", err)
	}
	return nil
}

// RunCommand executes command on the server and returns its combined
// output. The context bounds the execution.
func (c *clientConn) RunCommand(ctx context.Context, command string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		output, err := session.CombinedOutput(command)
		done <- result{output, err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return res.output, fmt.Errorf("remote command %q failed: %w", command, res.err)
		}
		return res.output, nil
	}
}

func (c *clientConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
