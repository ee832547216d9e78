package models

import "time"

// LatencyProbe is one reachability probe attempt against a node. A row is
// written pending at send time (Reachable false, LatencyMs and RespondedAt
// nil) and updated in place when the response arrives.
type LatencyProbe struct {
	ID             int64      `json:"id"`
	NodeNum        int64      `json:"node_num"`
	ProbeMessageID int64      `json:"probe_message_id"`
	SentAt         time.Time  `json:"sent_at"`
	Reachable      bool       `json:"reachable"`
	LatencyMs      *uint32    `json:"latency_ms,omitempty"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	Method         string     `json:"method,omitempty"`
}

// PresenceEvent records a node crossing the offline threshold in either
// direction during a keepalive run.
type PresenceEvent struct {
	ID      int64     `json:"id"`
	NodeNum int64     `json:"node_num"`
	Online  bool      `json:"online"`
	SeenAt  time.Time `json:"seen_at"`
}

// KeepaliveScope selects which nodes a keepalive run considers.
type KeepaliveScope string

const (
	ScopeAll         KeepaliveScope = "all"
	ScopeSelected    KeepaliveScope = "selected"
	ScopeVirtualOnly KeepaliveScope = "virtual_only"
)

// KeepaliveMethod selects the probe kind the scheduler publishes.
type KeepaliveMethod string

const (
	MethodProbe      KeepaliveMethod = "probe"
	MethodTraceroute KeepaliveMethod = "traceroute"
)

// KeepaliveConfig is the singleton scheduler configuration row (id = 1).
// HopLimit and HopStart are stamped onto outbound probe frames; zero leaves
// the hop budget to the radio defaults.
type KeepaliveConfig struct {
	ID            int64           `json:"id"`
	Enabled       bool            `json:"enabled"`
	IntervalSecs  int64           `json:"interval_secs"`
	OfflineAfter  int64           `json:"offline_after_secs"`
	Scope         KeepaliveScope  `json:"scope"`
	Method        KeepaliveMethod `json:"method"`
	SelectedNodes []int64         `json:"selected_nodes,omitempty"`
	FromNodeNum   int64           `json:"from_node_num,omitempty"`
	ChannelIndex  int64           `json:"channel_index,omitempty"`
	HopLimit      int64           `json:"hop_limit,omitempty"`
	HopStart      int64           `json:"hop_start,omitempty"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}
