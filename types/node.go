package types

import "time"

// NodeHealth is the heartbeat payload a worker node reports to the
// coordinator's registry.
type NodeHealth struct {
	// NodeID is the unique node identifier.
	NodeID string `json:"node_id"`

	// CPUPct is the CPU utilization percentage (0-100).
	CPUPct float64 `json:"cpu_pct"`

	// MemPct is the memory utilization percentage (0-100).
	MemPct float64 `json:"mem_pct"`

	// ActiveTaskCount is the number of tasks the node currently holds.
	ActiveTaskCount int `json:"active_task_count"`

	// Capabilities lists the capability labels the node can execute.
	Capabilities []string `json:"capabilities,omitempty"`

	// HasGPU reports whether the node satisfies GPU hard requirements.
	HasGPU bool `json:"has_gpu"`

	// LastHeartbeat is the time of the most recent heartbeat.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// IsOnline is false once the node exceeds the absence timeout.
	IsOnline bool `json:"is_online"`
}

// LoadScore computes the weighted load of the node; lower is better.
// CPUPct and MemPct arrive as 0-100 percentages and are normalized to
// 0-1 before weighting, so all three terms share the same unit scale.
// Active task count saturates at 10 so a single pegged dimension cannot
// be masked by an idle one.
func (h *NodeHealth) LoadScore() float64 {
	active := float64(h.ActiveTaskCount) / 10.0
	if active > 1.0 {
		active = 1.0
	}
	return 0.4*(h.CPUPct/100.0) + 0.3*(h.MemPct/100.0) + 0.3*active
}

// NodeRequirements are the hard requirements a node must satisfy to be
// selected for a task.
type NodeRequirements struct {
	// Capability the node must advertise. Empty matches any node.
	Capability string `json:"capability,omitempty"`

	// RequireGPU restricts selection to GPU nodes.
	RequireGPU bool `json:"require_gpu,omitempty"`
}
