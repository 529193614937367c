package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/benmeehan/tunnel-agent/internal/constants"
	"github.com/benmeehan/tunnel-agent/pkg/sshtransport"
)

// BindSpec declares which server-side address and ports a tunnel listener
// may bind. The zero value requests an ephemeral port on the loopback
// interface.
type BindSpec struct {
	Address string // Listen address on the server, "" means localhost
	PortMin int    // Lowest acceptable port, 0 together with PortMax means ephemeral
	PortMax int    // Highest acceptable port
	PortTry int    // Port attempted first, defaults to PortMin
}

// Ephemeral reports whether the server picks the port.
func (b BindSpec) Ephemeral() bool {
	return b.PortMin == 0 && b.PortMax == 0
}

// candidates returns the ports to attempt in order, starting at PortTry
// and wrapping around the inclusive [PortMin, PortMax] range.
func (b BindSpec) candidates() []int {
	if b.Ephemeral() {
		return []int{0}
	}
	first := b.PortTry
	if first == 0 {
		first = b.PortMin
	}
	span := b.PortMax - b.PortMin + 1
	ports := make([]int, 0, span)
	for i := 0; i < span; i++ {
		port := first + i
		if port > b.PortMax {
			port -= span
		}
		ports = append(ports, port)
	}
	return ports
}

func (b BindSpec) validate() error {
	if b.Ephemeral() {
		if b.PortTry != 0 {
			return &ConfigError{Field: "bind", Reason: "preferred port set without a port range"}
		}
		return nil
	}
	if b.PortMin <= 0 || b.PortMax <= 0 {
		return &ConfigError{Field: "bind", Reason: "port range bounds must be positive"}
	}
	if b.PortMin > b.PortMax {
		return &ConfigError{Field: "bind", Reason: "port range is inverted"}
	}
	if b.PortMax > 65535 {
		return &ConfigError{Field: "bind", Reason: "port range exceeds 65535"}
	}
	if b.PortTry != 0 && (b.PortTry < b.PortMin || b.PortTry > b.PortMax) {
		return &ConfigError{Field: "bind", Reason: "preferred port outside the range"}
	}
	return nil
}

// Descriptor is an immutable description of one reverse tunnel: which SSH
// server to connect to, what to bind there, and where forwarded channels
// are delivered. Construct it with NewDescriptor.
type Descriptor struct {
	server string
	bind   BindSpec
	target string
	creds  sshtransport.Credentials
}

// NewDescriptor validates and normalizes the tunnel parameters. Addresses
// without a port default to the SSH port. Exactly one of password or
// private key must be set.
func NewDescriptor(server string, bind BindSpec, target string, creds sshtransport.Credentials) (Descriptor, error) {
	if server == "" {
		return Descriptor{}, &ConfigError{Field: "server", Reason: "address is empty"}
	}
	normalizedServer, err := NormalizeAddress(server, constants.DefaultSSHPort)
	if err != nil {
		return Descriptor{}, &ConfigError{Field: "server", Reason: err.Error()}
	}

	if target == "" {
		return Descriptor{}, &ConfigError{Field: "target", Reason: "address is empty"}
	}
	normalizedTarget, err := NormalizeAddress(target, constants.DefaultSSHPort)
	if err != nil {
		return Descriptor{}, &ConfigError{Field: "target", Reason: err.Error()}
	}

	if err := bind.validate(); err != nil {
		return Descriptor{}, err
	}

	if creds.User == "" {
		return Descriptor{}, &ConfigError{Field: "credentials", Reason: "user is empty"}
	}
	hasPassword := creds.Password != ""
	hasKey := len(creds.PrivateKey) > 0
	if hasPassword == hasKey {
		return Descriptor{}, &ConfigError{Field: "credentials", Reason: "exactly one of password or private key must be set"}
	}

	return Descriptor{
		server: normalizedServer,
		bind:   bind,
		target: normalizedTarget,
		creds:  creds,
	}, nil
}

// Server returns the normalized SSH server address.
func (d Descriptor) Server() string { return d.server }

// Target returns the normalized forward target address.
func (d Descriptor) Target() string { return d.target }

// Bind returns the bind specification for the remote listener.
func (d Descriptor) Bind() BindSpec { return d.bind }

// Credentials returns the SSH credentials.
func (d Descriptor) Credentials() sshtransport.Credentials { return d.creds }

// NormalizeAddress parses addr as host:port, applying defaultPort when no
// port is present, and returns the normalized host:port form.
func NormalizeAddress(addr string, defaultPort int) (string, error) {
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, defaultPort)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if host == "" {
		return "", errors.New("host is empty")
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}
