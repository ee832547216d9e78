package mesh

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The radio protocol messages are modelled as explicit tagged structs and
// marshalled by hand over protowire. Field numbers and wire types follow the
// on-air protobuf schema; unknown fields are skipped so newer firmware frames
// still decode.

// MeshPacket is one radio frame. Exactly one of Decoded or Encrypted is set on
// a well-formed frame.
type MeshPacket struct {
	From         uint32  // 1, fixed32
	To           uint32  // 2, fixed32
	Channel      uint32  // 3, varint: channel hash when encrypted
	Decoded      *Data   // 4
	Encrypted    []byte  // 5
	ID           uint32  // 6, fixed32
	RxTime       uint32  // 7, fixed32
	RxSNR        float32 // 8
	HopLimit     uint32  // 9
	WantAck      bool    // 10
	Priority     uint32  // 11
	RxRSSI       int32   // 12
	ViaMQTT      bool    // 14
	HopStart     uint32  // 15
	PublicKey    []byte  // 16
	PKIEncrypted bool    // 17
	NextHop      uint32  // 18
	RelayNode    uint32  // 19
}

// Data is the decoded application payload of a MeshPacket.
type Data struct {
	Portnum      PortNum // 1
	Payload      []byte  // 2
	WantResponse bool    // 3
	Dest         uint32  // 4, fixed32
	Source       uint32  // 5, fixed32
	RequestID    uint32  // 6, fixed32
	ReplyID      uint32  // 7, fixed32
}

// ServiceEnvelope wraps a MeshPacket as published by a gateway over MQTT.
type ServiceEnvelope struct {
	Packet    *MeshPacket // 1
	ChannelID string      // 2
	GatewayID string      // 3
}

// RouteDiscovery is the traceroute payload: hop lists with per-hop SNR
// readings in quarter-dB units.
type RouteDiscovery struct {
	Route      []uint32 // 1, repeated fixed32
	SNRTowards []int32  // 2, repeated int32
	RouteBack  []uint32 // 3, repeated fixed32
	SNRBack    []int32  // 4, repeated int32
}

// RoutingError is the error_reason enum of a Routing message.
type RoutingError uint32

const (
	RoutingNone          RoutingError = 0
	RoutingNoRoute       RoutingError = 1
	RoutingGotNak        RoutingError = 2
	RoutingTimeout       RoutingError = 3
	RoutingNoInterface   RoutingError = 4
	RoutingMaxRetransmit RoutingError = 5
	RoutingNoChannel     RoutingError = 6
	RoutingTooLarge      RoutingError = 7
	RoutingNoResponse    RoutingError = 8
	RoutingDutyCycle     RoutingError = 9
	RoutingBadRequest    RoutingError = 32
	RoutingNotAuthorized RoutingError = 33
	RoutingPKIFailed     RoutingError = 34
	RoutingPKIUnknownKey RoutingError = 35
)

var routingErrorNames = map[RoutingError]string{
	RoutingNone:          "NONE",
	RoutingNoRoute:       "NO_ROUTE",
	RoutingGotNak:        "GOT_NAK",
	RoutingTimeout:       "TIMEOUT",
	RoutingNoInterface:   "NO_INTERFACE",
	RoutingMaxRetransmit: "MAX_RETRANSMIT",
	RoutingNoChannel:     "NO_CHANNEL",
	RoutingTooLarge:      "TOO_LARGE",
	RoutingNoResponse:    "NO_RESPONSE",
	RoutingDutyCycle:     "DUTY_CYCLE_LIMIT",
	RoutingBadRequest:    "BAD_REQUEST",
	RoutingNotAuthorized: "NOT_AUTHORIZED",
	RoutingPKIFailed:     "PKI_FAILED",
	RoutingPKIUnknownKey: "PKI_UNKNOWN_PUBKEY",
}

func (e RoutingError) String() string {
	if name, ok := routingErrorNames[e]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN_%d", uint32(e))
}

// Routing is the routing control message: a oneof of route request, route
// reply, or an error reason.
type Routing struct {
	RouteRequest *RouteDiscovery // 1
	RouteReply   *RouteDiscovery // 2
	ErrorReason  RoutingError    // 3
	HasError     bool
}

// User is the node identity record carried by node-info packets.
type User struct {
	ID             string // 1
	LongName       string // 2
	ShortName      string // 3
	Macaddr        []byte // 4
	HwModel        uint32 // 5
	IsLicensed     bool   // 6
	Role           uint32 // 7
	PublicKey      []byte // 8
	IsUnmessagable bool   // 9
}

var roleNames = map[uint32]string{
	0:  "CLIENT",
	1:  "CLIENT_MUTE",
	2:  "ROUTER",
	3:  "ROUTER_CLIENT",
	4:  "REPEATER",
	5:  "TRACKER",
	6:  "SENSOR",
	7:  "TAK",
	8:  "CLIENT_HIDDEN",
	9:  "LOST_AND_FOUND",
	10: "TAK_TRACKER",
	11: "ROUTER_LATE",
}

// RoleName renders the device role enum, falling back to the numeric value.
func (u *User) RoleName() string {
	if name, ok := roleNames[u.Role]; ok {
		return name
	}

	return fmt.Sprintf("ROLE_%d", u.Role)
}

var hwModelNames = map[uint32]string{
	0:  "UNSET",
	1:  "TLORA_V2",
	2:  "TLORA_V1",
	3:  "TLORA_V2_1_1P6",
	4:  "TBEAM",
	5:  "HELTEC_V2_0",
	6:  "TBEAM_V0P7",
	7:  "T_ECHO",
	8:  "TLORA_V1_1P3",
	9:  "RAK4631",
	10: "HELTEC_V2_1",
	11: "HELTEC_V1",
	12: "LILYGO_TBEAM_S3_CORE",
	13: "RAK11200",
	14: "NANO_G1",
	43: "HELTEC_V3",
	44: "HELTEC_WSL_V3",
	50: "TLORA_T3_S3",
	71: "T_DECK",
}

// HwModelName renders the hardware model enum, falling back to the numeric
// value for models this table does not carry.
func (u *User) HwModelName() string {
	if name, ok := hwModelNames[u.HwModel]; ok {
		return name
	}

	return fmt.Sprintf("HW_%d", u.HwModel)
}

// Position is a location report. Coordinates are 1e-7 degree integers; nil
// means the field was absent from the frame.
type Position struct {
	LatitudeI      *int32 // 1, sfixed32
	LongitudeI     *int32 // 2, sfixed32
	Altitude       int32  // 3
	Time           uint32 // 4, fixed32
	LocationSource uint32 // 5
	GpsAccuracy    uint32 // 14
	SeqNumber      uint32 // 22
}

var locationSourceNames = map[uint32]string{
	0: "LOC_UNSET",
	1: "LOC_MANUAL",
	2: "LOC_INTERNAL",
	3: "LOC_EXTERNAL",
}

// LocationSourceName renders the location source enum.
func (p *Position) LocationSourceName() string {
	if name, ok := locationSourceNames[p.LocationSource]; ok {
		return name
	}

	return fmt.Sprintf("LOC_%d", p.LocationSource)
}

// Latitude converts LatitudeI to degrees.
func (p *Position) Latitude() *float64 {
	if p.LatitudeI == nil {
		return nil
	}

	v := float64(*p.LatitudeI) * 1e-7

	return &v
}

// Longitude converts LongitudeI to degrees.
func (p *Position) Longitude() *float64 {
	if p.LongitudeI == nil {
		return nil
	}

	v := float64(*p.LongitudeI) * 1e-7

	return &v
}

// Telemetry is the telemetry wrapper carrying one metrics variant.
type Telemetry struct {
	Time               uint32              // 1, fixed32
	DeviceMetrics      *DeviceMetrics      // 2
	EnvironmentMetrics *EnvironmentMetrics // 3
}

// DeviceMetrics carries device health readings. Pointers distinguish a zero
// reading from an absent one.
type DeviceMetrics struct {
	BatteryLevel       *uint32  // 1
	Voltage            *float32 // 2
	ChannelUtilization *float32 // 3
	AirUtilTx          *float32 // 4
	UptimeSeconds      *uint32  // 5
}

// EnvironmentMetrics carries sensor readings.
type EnvironmentMetrics struct {
	Temperature        *float32 // 1
	RelativeHumidity   *float32 // 2
	BarometricPressure *float32 // 3
	GasResistance      *float32 // 4
	IAQ                *uint32  // 7
}

// NeighborInfo is a node's advertised neighbor table.
type NeighborInfo struct {
	NodeID                    uint32     // 1
	LastSentByID              uint32     // 2
	NodeBroadcastIntervalSecs uint32     // 3
	Neighbors                 []Neighbor // 4
}

// Neighbor is one entry of a NeighborInfo table.
type Neighbor struct {
	NodeID                    uint32  // 1
	SNR                       float32 // 2
	LastRxTime                uint32  // 3, fixed32
	NodeBroadcastIntervalSecs uint32  // 4
}

// Compressed wraps a zlib-deflated inner payload with its inner port.
type Compressed struct {
	Portnum PortNum // 1
	Data    []byte  // 2
}

// append helpers: proto3 scalar semantics, zero values omitted.

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}

	return appendVarintField(b, num, 1)
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.Fixed32Type)

	return protowire.AppendFixed32(b, v)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.Fixed32Type)

	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, v)
}

func appendMessageField(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, body)
}

func appendPackedFixed32(b []byte, num protowire.Number, vs []uint32) []byte {
	if len(vs) == 0 {
		return b
	}

	body := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		body = protowire.AppendFixed32(body, v)
	}

	return appendMessageField(b, num, body)
}

func appendPackedVarint(b []byte, num protowire.Number, vs []int32) []byte {
	if len(vs) == 0 {
		return b
	}

	var body []byte
	for _, v := range vs {
		body = protowire.AppendVarint(body, uint64(int64(v)))
	}

	return appendMessageField(b, num, body)
}

// consume helpers returning the value and the remaining buffer.

func consumeVarint(b []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, errTruncated
	}

	return v, b[n:], nil
}

func consumeFixed32(b []byte) (uint32, []byte, error) {
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, nil, errTruncated
	}

	return v, b[n:], nil
}

func consumeBytes(b []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, errTruncated
	}

	return v, b[n:], nil
}

func skipField(b []byte, num protowire.Number, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return nil, fmt.Errorf("%w %d", errBadWireField, num)
	}

	return b[n:], nil
}

// Marshal encodes the packet.
func (p *MeshPacket) Marshal() []byte {
	var b []byte
	b = appendFixed32Field(b, 1, p.From)
	b = appendFixed32Field(b, 2, p.To)
	b = appendVarintField(b, 3, uint64(p.Channel))

	if p.Decoded != nil {
		b = appendMessageField(b, 4, p.Decoded.Marshal())
	}

	b = appendBytesField(b, 5, p.Encrypted)
	b = appendFixed32Field(b, 6, p.ID)
	b = appendFixed32Field(b, 7, p.RxTime)
	b = appendFloatField(b, 8, p.RxSNR)
	b = appendVarintField(b, 9, uint64(p.HopLimit))
	b = appendBoolField(b, 10, p.WantAck)
	b = appendVarintField(b, 11, uint64(p.Priority))
	b = appendVarintField(b, 12, uint64(int64(p.RxRSSI)))
	b = appendBoolField(b, 14, p.ViaMQTT)
	b = appendVarintField(b, 15, uint64(p.HopStart))
	b = appendBytesField(b, 16, p.PublicKey)
	b = appendBoolField(b, 17, p.PKIEncrypted)
	b = appendVarintField(b, 18, uint64(p.NextHop))
	b = appendVarintField(b, 19, uint64(p.RelayNode))

	return b
}

// UnmarshalMeshPacket decodes a MeshPacket frame.
func UnmarshalMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			p.From, b, err = consumeFixed32(b)
		case num == 2 && typ == protowire.Fixed32Type:
			p.To, b, err = consumeFixed32(b)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.Channel = uint32(v)
		case num == 4 && typ == protowire.BytesType:
			var body []byte
			body, b, err = consumeBytes(b)
			if err == nil {
				p.Decoded, err = UnmarshalData(body)
			}
		case num == 5 && typ == protowire.BytesType:
			p.Encrypted, b, err = consumeBytes(b)
		case num == 6 && typ == protowire.Fixed32Type:
			p.ID, b, err = consumeFixed32(b)
		case num == 7 && typ == protowire.Fixed32Type:
			p.RxTime, b, err = consumeFixed32(b)
		case num == 8 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			p.RxSNR = math.Float32frombits(v)
		case num == 9 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.HopLimit = uint32(v)
		case num == 10 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.WantAck = v != 0
		case num == 11 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.Priority = uint32(v)
		case num == 12 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.RxRSSI = int32(v)
		case num == 14 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.ViaMQTT = v != 0
		case num == 15 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.HopStart = uint32(v)
		case num == 16 && typ == protowire.BytesType:
			p.PublicKey, b, err = consumeBytes(b)
		case num == 17 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.PKIEncrypted = v != 0
		case num == 18 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.NextHop = uint32(v)
		case num == 19 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.RelayNode = uint32(v)
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Marshal encodes the payload.
func (d *Data) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(d.Portnum))
	b = appendBytesField(b, 2, d.Payload)
	b = appendBoolField(b, 3, d.WantResponse)
	b = appendFixed32Field(b, 4, d.Dest)
	b = appendFixed32Field(b, 5, d.Source)
	b = appendFixed32Field(b, 6, d.RequestID)
	b = appendFixed32Field(b, 7, d.ReplyID)

	return b
}

// UnmarshalData decodes a Data payload.
func UnmarshalData(b []byte) (*Data, error) {
	d := &Data{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			d.Portnum = PortNum(v)
		case num == 2 && typ == protowire.BytesType:
			d.Payload, b, err = consumeBytes(b)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			d.WantResponse = v != 0
		case num == 4 && typ == protowire.Fixed32Type:
			d.Dest, b, err = consumeFixed32(b)
		case num == 5 && typ == protowire.Fixed32Type:
			d.Source, b, err = consumeFixed32(b)
		case num == 6 && typ == protowire.Fixed32Type:
			d.RequestID, b, err = consumeFixed32(b)
		case num == 7 && typ == protowire.Fixed32Type:
			d.ReplyID, b, err = consumeFixed32(b)
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Marshal encodes the envelope.
func (e *ServiceEnvelope) Marshal() []byte {
	var b []byte
	if e.Packet != nil {
		b = appendMessageField(b, 1, e.Packet.Marshal())
	}

	b = appendStringField(b, 2, e.ChannelID)
	b = appendStringField(b, 3, e.GatewayID)

	return b
}

// UnmarshalServiceEnvelope decodes a gateway envelope.
func UnmarshalServiceEnvelope(b []byte) (*ServiceEnvelope, error) {
	e := &ServiceEnvelope{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			var body []byte
			body, b, err = consumeBytes(b)
			if err == nil {
				e.Packet, err = UnmarshalMeshPacket(body)
			}
		case num == 2 && typ == protowire.BytesType:
			var s []byte
			s, b, err = consumeBytes(b)
			e.ChannelID = string(s)
		case num == 3 && typ == protowire.BytesType:
			var s []byte
			s, b, err = consumeBytes(b)
			e.GatewayID = string(s)
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Marshal encodes the discovery payload with packed repeated fields.
func (r *RouteDiscovery) Marshal() []byte {
	var b []byte
	b = appendPackedFixed32(b, 1, r.Route)
	b = appendPackedVarint(b, 2, r.SNRTowards)
	b = appendPackedFixed32(b, 3, r.RouteBack)
	b = appendPackedVarint(b, 4, r.SNRBack)

	return b
}

func consumeRepeatedFixed32(dst []uint32, b []byte, typ protowire.Type) ([]uint32, []byte, error) {
	if typ == protowire.Fixed32Type {
		v, rest, err := consumeFixed32(b)
		if err != nil {
			return dst, nil, err
		}

		return append(dst, v), rest, nil
	}

	body, rest, err := consumeBytes(b)
	if err != nil {
		return dst, nil, err
	}

	for len(body) > 0 {
		var v uint32
		v, body, err = consumeFixed32(body)
		if err != nil {
			return dst, nil, err
		}

		dst = append(dst, v)
	}

	return dst, rest, nil
}

func consumeRepeatedInt32(dst []int32, b []byte, typ protowire.Type) ([]int32, []byte, error) {
	if typ == protowire.VarintType {
		v, rest, err := consumeVarint(b)
		if err != nil {
			return dst, nil, err
		}

		return append(dst, int32(v)), rest, nil
	}

	body, rest, err := consumeBytes(b)
	if err != nil {
		return dst, nil, err
	}

	for len(body) > 0 {
		var v uint64
		v, body, err = consumeVarint(body)
		if err != nil {
			return dst, nil, err
		}

		dst = append(dst, int32(v))
	}

	return dst, rest, nil
}

// UnmarshalRouteDiscovery decodes a traceroute payload. Both packed and
// unpacked encodings of the repeated fields are accepted.
func UnmarshalRouteDiscovery(b []byte) (*RouteDiscovery, error) {
	r := &RouteDiscovery{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch num {
		case 1:
			r.Route, b, err = consumeRepeatedFixed32(r.Route, b, typ)
		case 2:
			r.SNRTowards, b, err = consumeRepeatedInt32(r.SNRTowards, b, typ)
		case 3:
			r.RouteBack, b, err = consumeRepeatedFixed32(r.RouteBack, b, typ)
		case 4:
			r.SNRBack, b, err = consumeRepeatedInt32(r.SNRBack, b, typ)
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Marshal encodes the routing message. The oneof emits whichever variant is
// set, error reason last.
func (r *Routing) Marshal() []byte {
	var b []byte
	if r.RouteRequest != nil {
		b = appendMessageField(b, 1, r.RouteRequest.Marshal())
	}

	if r.RouteReply != nil {
		b = appendMessageField(b, 2, r.RouteReply.Marshal())
	}

	if r.HasError {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.ErrorReason))
	}

	return b
}

// UnmarshalRouting decodes a routing control message.
func UnmarshalRouting(b []byte) (*Routing, error) {
	r := &Routing{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			var body []byte
			body, b, err = consumeBytes(b)
			if err == nil {
				r.RouteRequest, err = UnmarshalRouteDiscovery(body)
			}
		case num == 2 && typ == protowire.BytesType:
			var body []byte
			body, b, err = consumeBytes(b)
			if err == nil {
				r.RouteReply, err = UnmarshalRouteDiscovery(body)
			}
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			r.ErrorReason = RoutingError(v)
			r.HasError = true
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Marshal encodes the identity record.
func (u *User) Marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, u.ID)
	b = appendStringField(b, 2, u.LongName)
	b = appendStringField(b, 3, u.ShortName)
	b = appendBytesField(b, 4, u.Macaddr)
	b = appendVarintField(b, 5, uint64(u.HwModel))
	b = appendBoolField(b, 6, u.IsLicensed)
	b = appendVarintField(b, 7, uint64(u.Role))
	b = appendBytesField(b, 8, u.PublicKey)
	b = appendBoolField(b, 9, u.IsUnmessagable)

	return b
}

// UnmarshalUser decodes a node-info identity record.
func UnmarshalUser(b []byte) (*User, error) {
	u := &User{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			var s []byte
			s, b, err = consumeBytes(b)
			u.ID = string(s)
		case num == 2 && typ == protowire.BytesType:
			var s []byte
			s, b, err = consumeBytes(b)
			u.LongName = string(s)
		case num == 3 && typ == protowire.BytesType:
			var s []byte
			s, b, err = consumeBytes(b)
			u.ShortName = string(s)
		case num == 4 && typ == protowire.BytesType:
			u.Macaddr, b, err = consumeBytes(b)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			u.HwModel = uint32(v)
		case num == 6 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			u.IsLicensed = v != 0
		case num == 7 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			u.Role = uint32(v)
		case num == 8 && typ == protowire.BytesType:
			u.PublicKey, b, err = consumeBytes(b)
		case num == 9 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			u.IsUnmessagable = v != 0
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return u, nil
}

// Marshal encodes the position report.
func (p *Position) Marshal() []byte {
	var b []byte
	if p.LatitudeI != nil {
		b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(*p.LatitudeI))
	}

	if p.LongitudeI != nil {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, uint32(*p.LongitudeI))
	}

	b = appendVarintField(b, 3, uint64(int64(p.Altitude)))
	b = appendFixed32Field(b, 4, p.Time)
	b = appendVarintField(b, 5, uint64(p.LocationSource))
	b = appendVarintField(b, 14, uint64(p.GpsAccuracy))
	b = appendVarintField(b, 22, uint64(p.SeqNumber))

	return b
}

// UnmarshalPosition decodes a position report.
func UnmarshalPosition(b []byte) (*Position, error) {
	p := &Position{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			lat := int32(v)
			p.LatitudeI = &lat
		case num == 2 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			lon := int32(v)
			p.LongitudeI = &lon
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.Altitude = int32(v)
		case num == 4 && typ == protowire.Fixed32Type:
			p.Time, b, err = consumeFixed32(b)
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.LocationSource = uint32(v)
		case num == 14 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.GpsAccuracy = uint32(v)
		case num == 22 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			p.SeqNumber = uint32(v)
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return p, nil
}

func appendOptionalVarint(b []byte, num protowire.Number, v *uint32) []byte {
	if v == nil {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, uint64(*v))
}

func appendOptionalFloat(b []byte, num protowire.Number, v *float32) []byte {
	if v == nil {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.Fixed32Type)

	return protowire.AppendFixed32(b, math.Float32bits(*v))
}

// Marshal encodes the telemetry wrapper.
func (t *Telemetry) Marshal() []byte {
	var b []byte
	b = appendFixed32Field(b, 1, t.Time)

	if t.DeviceMetrics != nil {
		b = appendMessageField(b, 2, t.DeviceMetrics.Marshal())
	}

	if t.EnvironmentMetrics != nil {
		b = appendMessageField(b, 3, t.EnvironmentMetrics.Marshal())
	}

	return b
}

// UnmarshalTelemetry decodes a telemetry wrapper.
func UnmarshalTelemetry(b []byte) (*Telemetry, error) {
	t := &Telemetry{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			t.Time, b, err = consumeFixed32(b)
		case num == 2 && typ == protowire.BytesType:
			var body []byte
			body, b, err = consumeBytes(b)
			if err == nil {
				t.DeviceMetrics, err = unmarshalDeviceMetrics(body)
			}
		case num == 3 && typ == protowire.BytesType:
			var body []byte
			body, b, err = consumeBytes(b)
			if err == nil {
				t.EnvironmentMetrics, err = unmarshalEnvironmentMetrics(body)
			}
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return t, nil
}

// Marshal encodes the device metrics variant.
func (m *DeviceMetrics) Marshal() []byte {
	var b []byte
	b = appendOptionalVarint(b, 1, m.BatteryLevel)
	b = appendOptionalFloat(b, 2, m.Voltage)
	b = appendOptionalFloat(b, 3, m.ChannelUtilization)
	b = appendOptionalFloat(b, 4, m.AirUtilTx)
	b = appendOptionalVarint(b, 5, m.UptimeSeconds)

	return b
}

func unmarshalDeviceMetrics(b []byte) (*DeviceMetrics, error) {
	m := &DeviceMetrics{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			lvl := uint32(v)
			m.BatteryLevel = &lvl
		case num == 2 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			f := math.Float32frombits(v)
			m.Voltage = &f
		case num == 3 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			f := math.Float32frombits(v)
			m.ChannelUtilization = &f
		case num == 4 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			f := math.Float32frombits(v)
			m.AirUtilTx = &f
		case num == 5 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			up := uint32(v)
			m.UptimeSeconds = &up
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Marshal encodes the environment metrics variant.
func (m *EnvironmentMetrics) Marshal() []byte {
	var b []byte
	b = appendOptionalFloat(b, 1, m.Temperature)
	b = appendOptionalFloat(b, 2, m.RelativeHumidity)
	b = appendOptionalFloat(b, 3, m.BarometricPressure)
	b = appendOptionalFloat(b, 4, m.GasResistance)
	b = appendOptionalVarint(b, 7, m.IAQ)

	return b
}

func unmarshalEnvironmentMetrics(b []byte) (*EnvironmentMetrics, error) {
	m := &EnvironmentMetrics{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			f := math.Float32frombits(v)
			m.Temperature = &f
		case num == 2 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			f := math.Float32frombits(v)
			m.RelativeHumidity = &f
		case num == 3 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			f := math.Float32frombits(v)
			m.BarometricPressure = &f
		case num == 4 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			f := math.Float32frombits(v)
			m.GasResistance = &f
		case num == 7 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			iaq := uint32(v)
			m.IAQ = &iaq
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Marshal encodes the neighbor table.
func (n *NeighborInfo) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(n.NodeID))
	b = appendVarintField(b, 2, uint64(n.LastSentByID))
	b = appendVarintField(b, 3, uint64(n.NodeBroadcastIntervalSecs))

	for i := range n.Neighbors {
		b = appendMessageField(b, 4, n.Neighbors[i].Marshal())
	}

	return b
}

// UnmarshalNeighborInfo decodes an advertised neighbor table.
func UnmarshalNeighborInfo(b []byte) (*NeighborInfo, error) {
	ni := &NeighborInfo{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			ni.NodeID = uint32(v)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			ni.LastSentByID = uint32(v)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			ni.NodeBroadcastIntervalSecs = uint32(v)
		case num == 4 && typ == protowire.BytesType:
			var body []byte
			body, b, err = consumeBytes(b)
			if err == nil {
				var nb *Neighbor
				nb, err = unmarshalNeighbor(body)
				if err == nil {
					ni.Neighbors = append(ni.Neighbors, *nb)
				}
			}
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return ni, nil
}

// Marshal encodes one neighbor entry.
func (n *Neighbor) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(n.NodeID))
	b = appendFloatField(b, 2, n.SNR)
	b = appendFixed32Field(b, 3, n.LastRxTime)
	b = appendVarintField(b, 4, uint64(n.NodeBroadcastIntervalSecs))

	return b
}

func unmarshalNeighbor(b []byte) (*Neighbor, error) {
	nb := &Neighbor{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			nb.NodeID = uint32(v)
		case num == 2 && typ == protowire.Fixed32Type:
			var v uint32
			v, b, err = consumeFixed32(b)
			nb.SNR = math.Float32frombits(v)
		case num == 3 && typ == protowire.Fixed32Type:
			nb.LastRxTime, b, err = consumeFixed32(b)
		case num == 4 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			nb.NodeBroadcastIntervalSecs = uint32(v)
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return nb, nil
}

// Marshal encodes the compressed wrapper.
func (c *Compressed) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(c.Portnum))
	b = appendBytesField(b, 2, c.Data)

	return b
}

// UnmarshalCompressed decodes a compressed wrapper.
func UnmarshalCompressed(b []byte) (*Compressed, error) {
	c := &Compressed{}

	var err error

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}

		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, b, err = consumeVarint(b)
			c.Portnum = PortNum(v)
		case num == 2 && typ == protowire.BytesType:
			c.Data, b, err = consumeBytes(b)
		default:
			b, err = skipField(b, num, typ)
		}

		if err != nil {
			return nil, err
		}
	}

	return c, nil
}
