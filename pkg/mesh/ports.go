// Package mesh models the LoRa mesh radio protocol: frame and payload
// messages, their binary wire codec, node identifiers, and application port
// numbers.
package mesh

import "fmt"

// PortNum identifies the application protocol carried in a Data payload.
type PortNum uint32

const (
	PortUnknown               PortNum = 0
	PortTextMessage           PortNum = 1
	PortPosition              PortNum = 3
	PortNodeInfo              PortNum = 4
	PortRouting               PortNum = 5
	PortAdmin                 PortNum = 6
	PortTextMessageCompressed PortNum = 7
	PortReply                 PortNum = 32
	PortTelemetry             PortNum = 67
	PortTraceroute            PortNum = 70
	PortNeighborInfo          PortNum = 71
)

var portNames = map[PortNum]string{
	PortUnknown:               "UNKNOWN_APP",
	PortTextMessage:           "TEXT_MESSAGE_APP",
	PortPosition:              "POSITION_APP",
	PortNodeInfo:              "NODEINFO_APP",
	PortRouting:               "ROUTING_APP",
	PortAdmin:                 "ADMIN_APP",
	PortTextMessageCompressed: "TEXT_MESSAGE_COMPRESSED_APP",
	PortReply:                 "REPLY_APP",
	PortTelemetry:             "TELEMETRY_APP",
	PortTraceroute:            "TRACEROUTE_APP",
	PortNeighborInfo:          "NEIGHBORINFO_APP",
}

// String returns the canonical port name, or UNKNOWN_N for ports this build
// does not know.
func (p PortNum) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN_%d", uint32(p))
}

// Broadcast is the placeholder node number used for broadcast destinations and
// for unknown hops in route discovery lists. It is never a real node.
const Broadcast uint32 = 0xffffffff

var priorityNames = map[uint32]string{
	0:   "UNSET",
	1:   "MIN",
	10:  "BACKGROUND",
	64:  "DEFAULT",
	70:  "RELIABLE",
	80:  "RESPONSE",
	100: "HIGH",
	110: "ALERT",
	120: "ACK",
	127: "MAX",
}

// PriorityName renders the frame priority enum.
func PriorityName(p uint32) string {
	if name, ok := priorityNames[p]; ok {
		return name
	}

	return fmt.Sprintf("PRIORITY_%d", p)
}
