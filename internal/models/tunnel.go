package models

import "time"

// TunnelOpenRequest asks the agent to open a reverse tunnel session.
type TunnelOpenRequest struct {
	RequestID   string `json:"request_id"`    // Correlates the reply with this request
	ServerID    string `json:"server_id"`     // Identifier of the requesting backend
	BindAddress string `json:"bind_address"`  // Address the remote listener binds to ("" = loopback)
	BindPortMin int    `json:"bind_port_min"` // Lowest acceptable remote port (0 = ephemeral)
	BindPortMax int    `json:"bind_port_max"` // Highest acceptable remote port
	BindPortTry int    `json:"bind_port_try"` // Port attempted first inside the range
	Target      string `json:"target"`        // host:port on the agent side the tunnel forwards to
}

// TunnelReply reports the outcome of an open or close request.
type TunnelReply struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
	BoundPort int    `json:"bound_port,omitempty"` // Remote port actually bound
	Error     string `json:"error,omitempty"`
}

// TunnelCloseRequest asks the agent to tear down an open session.
type TunnelCloseRequest struct {
	RequestID string `json:"request_id"`
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
}

// TunnelClosedEvent announces that a session reached a terminal state.
type TunnelClosedEvent struct {
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id"`
	BoundPort int       `json:"bound_port"`
	Target    string    `json:"target"`
	Reason    string    `json:"reason"` // "closed" after a requested teardown, error text otherwise
	Timestamp time.Time `json:"timestamp"`
}

// TunnelStatus is the per-session slice of the agent status report.
type TunnelStatus struct {
	SessionID      string `json:"session_id"`
	State          string `json:"state"`
	BoundPort      int    `json:"bound_port"`
	Target         string `json:"target"`
	ActiveChannels int32  `json:"active_channels"`
}
