package models

import "time"

// HostMetrics is a point-in-time snapshot of the host the agent runs on.
type HostMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// AgentStatus is the periodic report published by the status service.
type AgentStatus struct {
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status"`
	Tunnels   []TunnelStatus `json:"tunnels"`
	Host      *HostMetrics   `json:"host,omitempty"`
}
