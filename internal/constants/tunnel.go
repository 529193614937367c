package constants

import "time"

const (
	// ConnectTimeout is the default deadline for establishing a tunnel,
	// covering the SSH handshake, the target check and the remote bind.
	ConnectTimeout = 30 * time.Second

	// KeepaliveInterval is the default spacing between SSH keepalive
	// requests used to detect a dead transport.
	KeepaliveInterval = 30 * time.Second

	// TargetDialTimeout bounds the TCP dial to the local target when a
	// forwarded channel is accepted.
	TargetDialTimeout = 5 * time.Second

	// RemoteCommandTimeout bounds commands executed over the SSH
	// connection, such as status marker maintenance.
	RemoteCommandTimeout = 5 * time.Second

	// MaxTunnels limits the number of concurrently open tunnel sessions.
	MaxTunnels = 5

	// DefaultSSHPort is assumed when a server or target address carries
	// no explicit port.
	DefaultSSHPort = 22
)
