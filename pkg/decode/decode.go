// Package decode turns application payload bytes into typed messages. Decode
// is total: any input yields at least one entry, falling back to an opaque
// record when the port is unknown or the payload does not parse.
package decode

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/meshsight/meshsight/pkg/mesh"
)

// Decoded is one interpretation of a payload. Msg holds the parsed message
// (a *mesh struct, or string for text); it is nil for opaque entries.
// Children carries the inner entries of a compressed wrapper.
type Decoded struct {
	TypeName string
	Bytes    []byte
	Msg      any
	Children []Decoded
}

// Opaque reports whether the entry carries no parsed message.
func (d *Decoded) Opaque() bool {
	return d.Msg == nil
}

type decoder func(payload []byte) (Decoded, bool)

var decoders map[mesh.PortNum][]decoder

func init() {
	decoders = map[mesh.PortNum][]decoder{
		mesh.PortTextMessage:           {decodeText},
		mesh.PortReply:                 {decodeText},
		mesh.PortPosition:              {decodePosition},
		mesh.PortNodeInfo:              {decodeUser},
		mesh.PortTelemetry:             {decodeTelemetry},
		mesh.PortRouting:               {decodeRouting},
		mesh.PortTraceroute:            {decodeRouteDiscovery},
		mesh.PortNeighborInfo:          {decodeNeighborInfo},
		mesh.PortTextMessageCompressed: {decodeCompressed},
	}
}

// Decode interprets payload according to port. Every candidate decoder for
// the port contributes its entry; when none succeed (or the port has no
// decoders) a single opaque entry is returned.
func Decode(port mesh.PortNum, payload []byte) []Decoded {
	var out []Decoded

	for _, d := range decoders[port] {
		if entry, ok := d(payload); ok {
			out = append(out, entry)
		}
	}

	if len(out) == 0 {
		out = append(out, opaque(port, payload))
	}

	return out
}

func opaque(port mesh.PortNum, payload []byte) Decoded {
	return Decoded{TypeName: "mesh.port." + port.String(), Bytes: payload}
}

func decodeText(payload []byte) (Decoded, bool) {
	return Decoded{TypeName: "mesh.Text", Bytes: payload, Msg: string(payload)}, true
}

func decodePosition(payload []byte) (Decoded, bool) {
	p, err := mesh.UnmarshalPosition(payload)
	if err != nil {
		return Decoded{}, false
	}

	return Decoded{TypeName: "mesh.Position", Bytes: payload, Msg: p}, true
}

func decodeUser(payload []byte) (Decoded, bool) {
	u, err := mesh.UnmarshalUser(payload)
	if err != nil {
		return Decoded{}, false
	}

	return Decoded{TypeName: "mesh.User", Bytes: payload, Msg: u}, true
}

func decodeTelemetry(payload []byte) (Decoded, bool) {
	t, err := mesh.UnmarshalTelemetry(payload)
	if err != nil {
		return Decoded{}, false
	}

	return Decoded{TypeName: "mesh.Telemetry", Bytes: payload, Msg: t}, true
}

func decodeRouting(payload []byte) (Decoded, bool) {
	r, err := mesh.UnmarshalRouting(payload)
	if err != nil {
		return Decoded{}, false
	}

	return Decoded{TypeName: "mesh.Routing", Bytes: payload, Msg: r}, true
}

func decodeRouteDiscovery(payload []byte) (Decoded, bool) {
	r, err := mesh.UnmarshalRouteDiscovery(payload)
	if err != nil {
		return Decoded{}, false
	}

	return Decoded{TypeName: "mesh.RouteDiscovery", Bytes: payload, Msg: r}, true
}

// decodeCompressed unwraps a zlib-deflated inner payload. The wrapper entry
// is always emitted; when the inner port is set the inflated bytes are fed
// back through Decode. A failed inflate falls back to the wrapped bytes as-is.
func decodeCompressed(payload []byte) (Decoded, bool) {
	c, err := mesh.UnmarshalCompressed(payload)
	if err != nil {
		return Decoded{}, false
	}

	inner := inflate(c.Data)

	entry := Decoded{TypeName: "mesh.Compressed", Bytes: payload, Msg: c}
	if c.Portnum == mesh.PortUnknown {
		return entry, true
	}

	// One level of recursion: the inner payload is a plain port payload.
	entry.Children = Decode(c.Portnum, inner)

	return entry, true
}

func inflate(data []byte) []byte {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return data
	}

	return out
}

func decodeNeighborInfo(payload []byte) (Decoded, bool) {
	n, err := mesh.UnmarshalNeighborInfo(payload)
	if err != nil {
		return Decoded{}, false
	}

	return Decoded{TypeName: "mesh.NeighborInfo", Bytes: payload, Msg: n}, true
}
