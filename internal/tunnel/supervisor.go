package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/pkg/sshtransport"
)

// CreateOptions tune how the supervisor establishes one session.
type CreateOptions struct {
	// Timeout bounds the whole establishment: SSH handshake, target check
	// and remote bind. Zero means constants.ConnectTimeout.
	Timeout time.Duration

	// Background detaches the session worker from the caller. When false,
	// Create blocks until the tunnel has closed.
	Background bool

	// OnUnexpectedClose, when set, is invoked exactly once if an active
	// session ends for any reason other than Remove. It runs after
	// teardown has completed.
	OnUnexpectedClose func(*Session)

	// VerifyTarget checks that the tunnel target accepts TCP connections
	// before the remote listener is bound.
	VerifyTarget bool

	// KeepaliveInterval is the spacing between transport liveness probes.
	// Zero means constants.KeepaliveInterval.
	KeepaliveInterval time.Duration

	// StatusDir, when set, names a server-side directory in which a
	// marker file for the bound port is kept while the session lives.
	StatusDir string
}

// DefaultCreateOptions returns the options used for sessions opened on
// behalf of remote requests.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		Background:   true,
		VerifyTarget: true,
	}
}

// Supervisor creates tunnel sessions over a shared transport. Sessions
// never share SSH state; every Create dials its own connection.
type Supervisor struct {
	transport sshtransport.Transport
	logger    zerolog.Logger
}

// NewSupervisor returns a supervisor creating sessions through transport.
func NewSupervisor(transport sshtransport.Transport, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		transport: transport,
		logger:    logger,
	}
}

// Create establishes the tunnel described by desc: connect to the SSH
// server, optionally verify the target, bind the remote listener and start
// the session worker. On any establishment failure it returns an error and
// leaves no goroutine or connection behind.
func (sv *Supervisor) Create(desc Descriptor, opts CreateOptions) (*Session, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = constants.ConnectTimeout
	}
	keepalive := opts.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = constants.KeepaliveInterval
	}

	s := newSession(desc, opts.OnUnexpectedClose, sv.logger)
	s.beginConnecting()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := sv.transport.Connect(ctx, desc.Server(), desc.Credentials())
	if err != nil {
		err = classifyConnectErr(desc.Server(), timeout, err)
		s.abort(err)
		return nil, err
	}

	if opts.VerifyTarget {
		if err := verifyTarget(ctx, desc.Target()); err != nil {
			conn.Close()
			s.abort(err)
			return nil, err
		}
	}

	listener, port, err := bindListener(ctx, conn, desc.Bind())
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			err = &TimeoutError{Server: desc.Server(), Timeout: timeout}
		}
		s.abort(err)
		return nil, err
	}

	statusFile := ""
	if opts.StatusDir != "" {
		statusFile = path.Join(opts.StatusDir, fmt.Sprintf("tunnel-%d", port))
		if err := createStatusFile(ctx, conn, opts.StatusDir, statusFile); err != nil {
			sv.logger.Warn().Err(err).Str("file", statusFile).Msg("Failed to create status marker on server")
			statusFile = ""
		}
	}

	if !s.activate(conn, listener, port, statusFile) {
		listener.Close()
		conn.Close()
		return nil, errors.New("tunnel session removed during establishment")
	}

	sv.logger.Info().
		Str("session_id", s.ID()).
		Str("server", desc.Server()).
		Str("target", desc.Target()).
		Int("bound_port", port).
		Msg("Tunnel session established")

	if opts.Background {
		go s.run(keepalive)
	} else {
		s.run(keepalive)
	}
	return s, nil
}

// classifyConnectErr maps transport failures onto the error kinds callers
// branch on.
func classifyConnectErr(server string, timeout time.Duration, err error) error {
	if errors.Is(err, sshtransport.ErrAuth) {
		return &AuthError{Server: server, Err: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Server: server, Timeout: timeout}
	}
	return fmt.Errorf("ssh connection to %s failed: %w", server, err)
}

// verifyTarget confirms the forward target accepts TCP connections, so a
// tunnel to a dead service fails at creation instead of at first use.
func verifyTarget(ctx context.Context, target string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return &ForwardError{Target: target, Err: err}
	}
	conn.Close()
	return nil
}

// bindListener walks the bind candidates until a remote listener binds.
// The actual port is resolved from the listener for ephemeral binds.
func bindListener(ctx context.Context, conn sshtransport.Conn, bind BindSpec) (net.Listener, int, error) {
	address := bind.Address
	if address == "" {
		address = "localhost"
	}

	var lastErr error
	for _, port := range bind.candidates() {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		listener, err := conn.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		bound := port
		if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
			bound = tcpAddr.Port
		}
		return listener, bound, nil
	}
	return nil, 0, &BindError{Address: address, Err: lastErr}
}

// createStatusFile keeps a marker on the server so operators can see which
// agent holds which port. Failures never fail the tunnel.
func createStatusFile(ctx context.Context, conn sshtransport.Conn, dir, file string) error {
	cmdCtx, cancel := context.WithTimeout(ctx, constants.RemoteCommandTimeout)
	defer cancel()
	cmd := fmt.Sprintf("mkdir -p %s && touch %s", dir, file)
	_, err := conn.RunCommand(cmdCtx, cmd)
	return err
}
