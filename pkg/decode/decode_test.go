package decode

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsight/meshsight/pkg/mesh"
)

func deflate(t *testing.T, b []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestDecodeText(t *testing.T) {
	out := Decode(mesh.PortTextMessage, []byte("hi there"))
	require.Len(t, out, 1)
	assert.Equal(t, "mesh.Text", out[0].TypeName)
	assert.Equal(t, "hi there", out[0].Msg)
	assert.False(t, out[0].Opaque())
}

func TestDecodeTelemetry(t *testing.T) {
	lvl := uint32(55)
	payload := (&mesh.Telemetry{
		Time:          1718000000,
		DeviceMetrics: &mesh.DeviceMetrics{BatteryLevel: &lvl},
	}).Marshal()

	out := Decode(mesh.PortTelemetry, payload)
	require.Len(t, out, 1)
	assert.Equal(t, "mesh.Telemetry", out[0].TypeName)

	tel, ok := out[0].Msg.(*mesh.Telemetry)
	require.True(t, ok)
	assert.Equal(t, uint32(55), *tel.DeviceMetrics.BatteryLevel)
}

func TestDecodeUnknownPort(t *testing.T) {
	out := Decode(mesh.PortNum(200), []byte{1, 2, 3})
	require.Len(t, out, 1)
	assert.Equal(t, "mesh.port.UNKNOWN_200", out[0].TypeName)
	assert.True(t, out[0].Opaque())
	assert.Equal(t, []byte{1, 2, 3}, out[0].Bytes)
}

func TestDecodeFailedParseFallsBack(t *testing.T) {
	// A lone tag byte with no value never parses as a Position.
	out := Decode(mesh.PortPosition, []byte{0x0d})
	require.Len(t, out, 1)
	assert.Equal(t, "mesh.port.POSITION_APP", out[0].TypeName)
	assert.True(t, out[0].Opaque())
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	for port := mesh.PortNum(0); port < 80; port++ {
		for _, payload := range [][]byte{nil, {0xff}, {0xff, 0xff, 0xff}, []byte("garbage")} {
			out := Decode(port, payload)
			assert.NotEmpty(t, out, "port %d", port)
		}
	}
}

func TestDecodeCompressed(t *testing.T) {
	t.Run("recurses into inner port", func(t *testing.T) {
		payload := (&mesh.Compressed{
			Portnum: mesh.PortTextMessage,
			Data:    deflate(t, []byte("squeezed")),
		}).Marshal()

		out := Decode(mesh.PortTextMessageCompressed, payload)
		require.Len(t, out, 1)
		assert.Equal(t, "mesh.Compressed", out[0].TypeName)

		require.Len(t, out[0].Children, 1)
		assert.Equal(t, "mesh.Text", out[0].Children[0].TypeName)
		assert.Equal(t, "squeezed", out[0].Children[0].Msg)
	})

	t.Run("inner port zero emits only the wrapper", func(t *testing.T) {
		payload := (&mesh.Compressed{Data: deflate(t, []byte("x"))}).Marshal()

		out := Decode(mesh.PortTextMessageCompressed, payload)
		require.Len(t, out, 1)
		assert.Empty(t, out[0].Children)
	})

	t.Run("bad deflate falls back to raw bytes", func(t *testing.T) {
		payload := (&mesh.Compressed{
			Portnum: mesh.PortTextMessage,
			Data:    []byte("not zlib"),
		}).Marshal()

		out := Decode(mesh.PortTextMessageCompressed, payload)
		require.Len(t, out, 1)
		require.Len(t, out[0].Children, 1)
		assert.Equal(t, "not zlib", out[0].Children[0].Msg)
	})
}

func TestDecodeRouteDiscovery(t *testing.T) {
	payload := (&mesh.RouteDiscovery{
		Route:      []uint32{0x10, 0x20},
		SNRTowards: []int32{-48, 26},
	}).Marshal()

	out := Decode(mesh.PortTraceroute, payload)
	require.Len(t, out, 1)

	rd, ok := out[0].Msg.(*mesh.RouteDiscovery)
	require.True(t, ok)
	assert.Equal(t, []uint32{0x10, 0x20}, rd.Route)
}
