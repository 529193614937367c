package tunnel

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/benmeehan/tunnel-agent/internal/constants"
)

// relay serves one forwarded channel: it dials the tunnel target and
// copies bytes both ways until either side closes. A target that cannot
// be dialed ends this channel only, never the session.
func (s *Session) relay(remote net.Conn) {
	defer s.wg.Done()
	defer remote.Close()

	local, err := net.DialTimeout("tcp", s.desc.Target(), constants.TargetDialTimeout)
	if err != nil {
		fwdErr := &ForwardError{Target: s.desc.Target(), Err: err}
		s.logger.Warn().Err(fwdErr).Msg("Dropping forwarded channel, target unreachable")
		return
	}
	defer local.Close()

	atomic.AddInt32(&s.activeChannels, 1)
	defer atomic.AddInt32(&s.activeChannels, -1)

	s.logger.Debug().Msg("Relaying forwarded channel")

	// When one direction finishes, both ends are closed so the opposite
	// copy unblocks as well.
	var once sync.Once
	closeBoth := func() {
		remote.Close()
		local.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(local, remote)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		io.Copy(remote, local)
		once.Do(closeBoth)
	}()
	wg.Wait()
}
