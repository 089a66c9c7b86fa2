package model

import "time"

// SessionState is the lifecycle state of a node session on the hub.
type SessionState string

const (
	StatePending  SessionState = "pending"  // hello received, no token issued
	StateAuthed   SessionState = "authed"   // welcome sent, token issued
	StateReady    SessionState = "ready"    // health nominal, eligible for fanout
	StateDegraded SessionState = "degraded" // health below thresholds
	StateLost     SessionState = "lost"     // keepalive timeout or disconnect
)

// Capabilities declares what a node can do, sent in hello.
type Capabilities struct {
	Stream bool `json:"stream"`
	OTA    bool `json:"ota"`
	Clock  bool `json:"clock"`
}

// Topology declares a node's output layout, sent in hello.
type Topology struct {
	Channels int `json:"channels"`
	Outputs  int `json:"outputs"`
}

// Health captures the rolling health metrics refreshed by every keepalive.
type Health struct {
	RSSI    int     `json:"rssi"`
	LossPct float64 `json:"lossPct"`
	DriftUs int64   `json:"driftUs"`
	UptimeS int64   `json:"uptimeS"`
}

// Session is one node's registry entry, keyed by assigned node ID.
// A reconnecting node is matched by HardwareID so it replaces its own
// stale entry rather than creating a duplicate.
type Session struct {
	NodeID     string       `json:"nodeId"`
	HardwareID string       `json:"hardwareId"`
	Firmware   string       `json:"firmware"`
	Addr       string       `json:"addr"` // stream destination host:port
	Token      string       `json:"-"`
	State      SessionState `json:"state"`
	LastSeen   time.Time    `json:"lastSeen"`
	Health     Health       `json:"health"`
	Caps       Capabilities `json:"caps"`
	Topo       Topology     `json:"topo"`

	OTAState string `json:"otaState"`
	OTAPct   int    `json:"otaPct"`
	OTAError string `json:"otaError,omitempty"`
}

// SessionEvent is a lifecycle transition emitted by the registry.
type SessionEvent struct {
	NodeID     string    `json:"nodeId"`
	HardwareID string    `json:"hardwareId"`
	Kind       string    `json:"kind"` // hello/authed/ready/degraded/lost/evicted
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
