package tunnel

import (
	"errors"
	"fmt"
	"time"
)

// ErrTransportDropped marks sessions that ended because the SSH transport
// died underneath them.
var ErrTransportDropped = errors.New("ssh transport dropped")

// ConfigError reports an invalid descriptor field. It is raised before any
// transport work is attempted.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid tunnel config: %s: %s", e.Field, e.Reason)
}

// AuthError reports rejected credentials during establishment.
type AuthError struct {
	Server string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh authentication to %s failed: %v", e.Server, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TimeoutError reports that a tunnel could not be established within the
// configured deadline.
type TimeoutError struct {
	Server  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tunnel to %s not established within %s", e.Server, e.Timeout)
}

// BindError reports that no remote listener could be bound for the bind
// specification.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind remote listener on %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ForwardError reports that the tunnel target could not be reached.
type ForwardError struct {
	Target string
	Err    error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("failed to reach tunnel target %s: %v", e.Target, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }
