package model

import "time"

// AgentCommand is an instruction sent to the agent running on a device.
type AgentCommand struct {
	ID       string                 `json:"id"`
	DeviceID string                 `json:"device_id"`
	Action   string                 `json:"action"`
	Params   map[string]interface{} `json:"params,omitempty"`
	IssuedAt time.Time              `json:"issued_at"`
}
