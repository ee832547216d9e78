// Package models contains the shared domain types for the mesh ingest core.
package models

import "time"

// Node represents a mesh node observed on the network. NodeNum and NodeID are
// bijective: NodeID is "!" followed by the zero-padded lowercase hex of NodeNum.
type Node struct {
	ID        int64     `json:"id"`
	NodeNum   int64     `json:"node_num"`
	NodeID    string    `json:"node_id"`
	MacAddr   string    `json:"mac_address"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Last node info.
	ShortName      string `json:"short_name,omitempty"`
	LongName       string `json:"long_name,omitempty"`
	HwModel        string `json:"hw_model,omitempty"`
	Role           string `json:"role,omitempty"`
	PublicKey      string `json:"public_key,omitempty"`
	PrivateKey     string `json:"-"`
	IsLicensed     bool   `json:"is_licensed"`
	IsUnmessagable bool   `json:"is_unmessagable"`
	IsVirtual      bool   `json:"is_virtual"`

	// Last position.
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	Altitude       *int32   `json:"altitude,omitempty"`
	Accuracy       *int32   `json:"accuracy,omitempty"`
	LocationSource string   `json:"location_source,omitempty"`

	// Last device/environment telemetry.
	BatteryLevel       *int32   `json:"battery_level,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64 `json:"air_util_tx,omitempty"`
	UptimeSeconds      *int64   `json:"uptime_seconds,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	RelativeHumidity   *float64 `json:"relative_humidity,omitempty"`
	BarometricPressure *float64 `json:"barometric_pressure,omitempty"`

	// Most recent reachability probe outcome. Nil means unknown.
	LatencyReachable *bool   `json:"latency_reachable,omitempty"`
	LatencyMs        *uint32 `json:"latency_ms,omitempty"`
}

// Edge is a directed observation between two nodes. Exactly one row exists per
// ordered (source, target) pair; signal fields hold the latest observation.
type Edge struct {
	ID           int64     `json:"id"`
	SourceNum    int64     `json:"source_num"`
	TargetNum    int64     `json:"target_num"`
	LastRxRSSI   *int32    `json:"last_rx_rssi,omitempty"`
	LastRxSNR    *float64  `json:"last_rx_snr,omitempty"`
	LastHops     int       `json:"last_hops"`
	LastPacketID int64     `json:"last_packet_id,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// LinkDirection identifies which directional counter of a NodeLink an
// observation belongs to.
type LinkDirection string

const (
	DirectionAToB LinkDirection = "a_to_b"
	DirectionBToA LinkDirection = "b_to_a"
)

// NodeLink is the undirected pairing of two nodes stored in canonical
// orientation (lower node_num first). Bidirectional is monotonic: once both
// directional counters are positive it flips true and never reverts.
type NodeLink struct {
	ID            int64     `json:"id"`
	NodeANum      int64     `json:"node_a_num"`
	NodeBNum      int64     `json:"node_b_num"`
	AToBPackets   int64     `json:"a_to_b_packets"`
	BToAPackets   int64     `json:"b_to_a_packets"`
	Bidirectional bool      `json:"bidirectional"`
	FirstSeen     time.Time `json:"first_seen"`
	LastActivity  time.Time `json:"last_activity"`
	LastPacketID  int64     `json:"last_packet_id,omitempty"`
}

// TotalPackets is the sum of both directional counters.
func (l *NodeLink) TotalPackets() int64 {
	return l.AToBPackets + l.BToAPackets
}

// Channel is a named mesh channel and its pre-shared key, if known.
type Channel struct {
	ID        int64     `json:"id"`
	ChannelID string    `json:"channel_id"`
	PSK       string    `json:"psk,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Packet is one received mesh frame. A Packet may exist without PacketData;
// PacketData always belongs to exactly one Packet.
type Packet struct {
	ID           int64     `json:"id"`
	Time         time.Time `json:"time"`
	FromNum      int64     `json:"from_num"`
	ToNum        int64     `json:"to_num"`
	GatewayID    string    `json:"gateway_id,omitempty"`
	ChannelID    string    `json:"channel_id,omitempty"`
	AdapterID    string    `json:"adapter_id,omitempty"`
	PacketID     int64     `json:"packet_id"`
	RxTime       int64     `json:"rx_time,omitempty"`
	RxRSSI       *int32    `json:"rx_rssi,omitempty"`
	RxSNR        *float64  `json:"rx_snr,omitempty"`
	HopLimit     *int32    `json:"hop_limit,omitempty"`
	HopStart     *int32    `json:"hop_start,omitempty"`
	NextHop      *int32    `json:"next_hop,omitempty"`
	RelayNode    *int32    `json:"relay_node,omitempty"`
	WantAck      bool      `json:"want_ack"`
	Ackd         bool      `json:"ackd"`
	Priority     string    `json:"priority,omitempty"`
	ViaMQTT      bool      `json:"via_mqtt"`
	PKIEncrypted bool      `json:"pki_encrypted"`
}

// PacketData is the decoded application-data record of a Packet.
type PacketData struct {
	ID           int64     `json:"id"`
	PacketRowID  int64     `json:"packet_row_id"`
	Time         time.Time `json:"time"`
	Portnum      uint32    `json:"portnum"`
	Port         string    `json:"port,omitempty"`
	RawPayload   []byte    `json:"raw_payload,omitempty"`
	Source       int64     `json:"source,omitempty"`
	Dest         int64     `json:"dest,omitempty"`
	RequestID    int64     `json:"request_id,omitempty"`
	ReplyID      int64     `json:"reply_id,omitempty"`
	WantResponse bool      `json:"want_response"`
	GotResponse  bool      `json:"got_response"`
}

// TelemetryPayload is the flattened device/environment telemetry carried by a
// telemetry packet.
type TelemetryPayload struct {
	PacketDataID       int64    `json:"packet_data_id"`
	BatteryLevel       *int32   `json:"battery_level,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64 `json:"air_util_tx,omitempty"`
	UptimeSeconds      *int64   `json:"uptime_seconds,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	RelativeHumidity   *float64 `json:"relative_humidity,omitempty"`
	BarometricPressure *float64 `json:"barometric_pressure,omitempty"`
	GasResistance      *float64 `json:"gas_resistance,omitempty"`
	IAQ                *int32   `json:"iaq,omitempty"`
}

// PositionPayload is a decoded position report.
type PositionPayload struct {
	PacketDataID   int64    `json:"packet_data_id"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	Altitude       *int32   `json:"altitude,omitempty"`
	Accuracy       *int32   `json:"accuracy,omitempty"`
	SeqNumber      *int32   `json:"seq_number,omitempty"`
	LocationSource string   `json:"location_source,omitempty"`
}

// NodeInfoPayload is a decoded node-info (user) report.
type NodeInfoPayload struct {
	PacketDataID   int64  `json:"packet_data_id"`
	ShortName      string `json:"short_name,omitempty"`
	LongName       string `json:"long_name,omitempty"`
	HwModel        string `json:"hw_model,omitempty"`
	Role           string `json:"role,omitempty"`
	PublicKey      string `json:"public_key,omitempty"`
	IsLicensed     bool   `json:"is_licensed"`
	IsUnmessagable bool   `json:"is_unmessagable"`
}

// NeighborInfoPayload records a node's advertised neighbor table. The neighbor
// set is replaced wholesale on each receipt, never merged.
type NeighborInfoPayload struct {
	ID                    int64  `json:"id"`
	PacketDataID          int64  `json:"packet_data_id"`
	ReportingNodeNum      int64  `json:"reporting_node_num"`
	LastSentByNodeNum     int64  `json:"last_sent_by_node_num,omitempty"`
	BroadcastIntervalSecs *int32 `json:"node_broadcast_interval_secs,omitempty"`
	Neighbors             []NeighborEntry
}

// NeighborEntry is one advertised neighbor inside a NeighborInfoPayload.
type NeighborEntry struct {
	PayloadID             int64      `json:"payload_id"`
	NeighborNum           int64      `json:"neighbor_num"`
	SNR                   *float64   `json:"snr,omitempty"`
	LastRxTime            *time.Time `json:"last_rx_time,omitempty"`
	BroadcastIntervalSecs *int32     `json:"broadcast_interval_secs,omitempty"`
}

// RouteDiscoveryRoute is an ordered hop list persisted for a route-discovery
// payload. NodeList is the denormalized JSON form of the real hops (broadcast
// placeholders excluded).
type RouteDiscoveryRoute struct {
	ID       int64   `json:"id"`
	NodeList []int64 `json:"node_list"`
	Hops     int     `json:"hops"`
}

// RouteDiscoveryPayload links the towards/back routes and their SNR lists to a
// PacketData row.
type RouteDiscoveryPayload struct {
	PacketDataID   int64     `json:"packet_data_id"`
	RouteTowardsID *int64    `json:"route_towards_id,omitempty"`
	RouteBackID    *int64    `json:"route_back_id,omitempty"`
	SNRTowards     []float64 `json:"snr_towards,omitempty"`
	SNRBack        []float64 `json:"snr_back,omitempty"`
}

// RoutingPayload records a routing control message (typically an ack or nak).
type RoutingPayload struct {
	PacketDataID int64  `json:"packet_data_id"`
	ErrorReason  string `json:"error_reason,omitempty"`
}
