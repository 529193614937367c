package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/pkg/sshtransport"
)

// Session is one live reverse tunnel. It owns its SSH connection, the
// remote listener and every relay goroutine spawned for accepted channels,
// and tears all of them down together.
type Session struct {
	id     string
	desc   Descriptor
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	err        error
	boundPort  int
	conn       sshtransport.Conn
	listener   net.Listener
	statusFile string

	onUnexpectedClose func(*Session)
	removeOnce        sync.Once

	activeChannels int32

	// stop is closed once on the first teardown trigger, requested or not.
	stop chan struct{}
	// done is closed after every goroutine of the session has exited.
	done chan struct{}

	wg sync.WaitGroup
}

func newSession(desc Descriptor, onUnexpectedClose func(*Session), logger zerolog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:                id,
		desc:              desc,
		logger:            logger.With().Str("session_id", id).Str("target", desc.Target()).Logger(),
		state:             StateIdle,
		onUnexpectedClose: onUnexpectedClose,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// ID returns the unique identifier of the session.
func (s *Session) ID() string { return s.id }

// Descriptor returns the descriptor the session was created from.
func (s *Session) Descriptor() Descriptor { return s.desc }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BoundPort returns the server port the remote listener is bound to, or 0
// before the bind completed.
func (s *Session) BoundPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundPort
}

// Err returns the error that terminated the session. It is nil while the
// session runs and after a requested close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done returns a channel closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// ActiveChannels returns the number of currently open relays.
func (s *Session) ActiveChannels() int32 {
	return atomic.LoadInt32(&s.activeChannels)
}

// Remove requests teardown. It is safe to call at any time and from
// multiple goroutines; only the first call acts, later ones return
// immediately. With wait set it blocks until the connection, the listener
// and every relay have closed. A session that already failed keeps its
// failed state and error.
func (s *Session) Remove(wait bool) {
	s.removeOnce.Do(func() {
		if s.shutdown(StateClosing, nil) {
			s.logger.Info().Msg("Tunnel session close requested")
		}
	})
	if wait {
		<-s.done
	}
}

// beginConnecting marks the start of establishment work.
func (s *Session) beginConnecting() {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()
	s.logger.Debug().Str("server", s.desc.Server()).Msg("Establishing tunnel session")
}

// activate installs the live resources and moves the session to Active.
func (s *Session) activate(conn sshtransport.Conn, listener net.Listener, port int, statusFile string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateActive
	s.conn = conn
	s.listener = listener
	s.boundPort = port
	s.statusFile = statusFile
	return true
}

// abort finalizes a session whose establishment failed. No worker ever
// started, so nothing else will close done.
func (s *Session) abort(cause error) {
	s.shutdown(StateFailed, cause)
	close(s.done)
}

// fail records an unexpected termination. The close notification fires
// later, once teardown has finished.
func (s *Session) fail(cause error) {
	if s.shutdown(StateFailed, cause) {
		s.logger.Warn().Err(cause).Msg("Tunnel session failed")
	}
}

// shutdown moves the session onto a terminal path and closes its
// resources. It returns false when another teardown already won.
func (s *Session) shutdown(to State, cause error) bool {
	s.mu.Lock()
	if s.state == StateClosing || s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.err = cause
	conn := s.conn
	listener := s.listener
	statusFile := s.statusFile
	s.mu.Unlock()

	close(s.stop)

	// Only a requested close can still reach the server to drop the
	// status marker; after a transport failure the connection is gone.
	if to == StateClosing && statusFile != "" && conn != nil {
		removeStatusFile(conn, statusFile, s.logger)
	}

	if listener != nil {
		listener.Close()
	}
	if conn != nil {
		conn.Close()
	}
	return true
}

// run supervises an active session until it ends: a goroutine probing the
// transport, the accept loop feeding relays, and a final barrier that
// settles the terminal state. It closes done once everything has exited.
func (s *Session) run(keepaliveInterval time.Duration) {
	s.wg.Add(1)
	go s.keepaliveLoop(keepaliveInterval)

	s.acceptLoop()
	s.wg.Wait()

	s.mu.Lock()
	if s.state == StateClosing {
		s.state = StateClosed
	}
	failed := s.state == StateFailed
	s.mu.Unlock()

	// Resources are fully released before anyone learns the session ended.
	close(s.done)

	if failed {
		s.logger.Info().Msg("Tunnel session torn down after failure")
		if s.onUnexpectedClose != nil {
			s.onUnexpectedClose(s)
		}
	} else {
		s.logger.Info().Msg("Tunnel session closed")
	}
}

// acceptLoop takes forwarded channels off the remote listener and hands
// each one to its own relay goroutine.
func (s *Session) acceptLoop() {
	for {
		remote, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				// Teardown already in progress.
			default:
				s.fail(fmt.Errorf("%w: %v", ErrTransportDropped, err))
			}
			return
		}
		s.wg.Add(1)
		go s.relay(remote)
	}
}

// keepaliveLoop probes the SSH connection until the session stops and
// fails the session when a probe reports a dead transport.
func (s *Session) keepaliveLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.conn.Keepalive(); err != nil {
				s.fail(fmt.Errorf("%w: %v", ErrTransportDropped, err))
				return
			}
		}
	}
}

// removeStatusFile deletes the server-side marker during a requested close.
func removeStatusFile(conn sshtransport.Conn, file string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.RemoteCommandTimeout)
	defer cancel()
	if _, err := conn.RunCommand(ctx, "rm -f "+file); err != nil {
		logger.Warn().Err(err).Str("file", file).Msg("Failed to remove status marker from server")
	}
}
