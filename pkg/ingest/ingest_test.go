package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsight/meshsight/pkg/capture"
	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/mesh"
	"github.com/meshsight/meshsight/pkg/mesh/meshcrypto"
	"github.com/meshsight/meshsight/pkg/models"
	"github.com/meshsight/meshsight/pkg/topology"
)

func newTestStore(t *testing.T) db.Service {
	t.Helper()

	store, err := db.New(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func newTestEngine(t *testing.T, store db.Service) *Engine {
	t.Helper()

	engine := NewEngine(store, topology.NewBuilder(store, nil), nil)
	engine.now = func() time.Time {
		return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	}

	return engine
}

func telemetryData(battery uint32) *mesh.Data {
	tel := &mesh.Telemetry{DeviceMetrics: &mesh.DeviceMetrics{BatteryLevel: &battery}}

	return &mesh.Data{Portnum: mesh.PortTelemetry, Payload: tel.Marshal()}
}

func TestNormalizeMQTT(t *testing.T) {
	se := &mesh.ServiceEnvelope{
		Packet:    &mesh.MeshPacket{From: 5, To: 9, ID: 42, Decoded: telemetryData(80)},
		ChannelID: "LongFast",
		GatewayID: "!000000ff",
	}

	env, ok := NormalizeMQTT(se.Marshal())
	require.True(t, ok)
	assert.Equal(t, "!000000ff", env.GatewayNodeID)
	assert.Equal(t, "LongFast", env.ChannelID)
	assert.Equal(t, AdapterMQTT, env.AdapterID)
	assert.Equal(t, uint32(42), env.Packet.ID)

	_, ok = NormalizeMQTT([]byte{0xff, 0xff, 0xff})
	assert.False(t, ok, "malformed payload is dropped")

	empty := &mesh.ServiceEnvelope{ChannelID: "LongFast"}
	_, ok = NormalizeMQTT(empty.Marshal())
	assert.False(t, ok, "envelope without a frame is dropped")
}

func TestNormalizeSerial(t *testing.T) {
	pkt := &mesh.MeshPacket{From: 5, To: 9, ID: 7, Decoded: telemetryData(50)}

	env, ok := NormalizeSerial(pkt.Marshal())
	require.True(t, ok)
	assert.Equal(t, "0", env.ChannelID)
	assert.Empty(t, env.GatewayNodeID)
	assert.Equal(t, AdapterSerial, env.AdapterID)

	_, ok = NormalizeSerial([]byte{0xff, 0xff, 0xff})
	assert.False(t, ok)

	_, ok = NormalizeSerial(nil)
	assert.False(t, ok, "empty frame carries no payload")
}

func TestReadFrameResynchronizes(t *testing.T) {
	body := []byte{0x0d, 0x05, 0x00, 0x00, 0x00}

	// Noise, a false start, and an implausible length precede the real frame.
	var stream []byte
	stream = append(stream, 0x00, 0x94, 0x00)
	stream = append(stream, 0x94, 0xc3, 0xff, 0xff)
	stream = append(stream, frameBytes(body)...)

	got, err := readFrame(bufio.NewReader(bytes.NewReader(stream)))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestEngineDecodedTelemetry(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store)

	rx := time.Date(2026, 8, 1, 11, 30, 0, 0, time.UTC)

	err := engine.HandleEnvelope(&Envelope{
		GatewayNodeID: "!000000ff",
		ChannelID:     "LongFast",
		AdapterID:     AdapterMQTT,
		Packet: &mesh.MeshPacket{
			From:     5,
			To:       mesh.Broadcast,
			ID:       101,
			RxTime:   uint32(rx.Unix()),
			HopLimit: 3,
			HopStart: 3,
			Decoded:  telemetryData(88),
		},
	})
	require.NoError(t, err)

	row, err := store.GetPacketByRadioID(101)
	require.NoError(t, err)
	assert.Equal(t, "!000000ff", row.GatewayID)
	assert.Equal(t, AdapterMQTT, row.AdapterID)
	assert.WithinDuration(t, rx, row.Time, time.Second, "radio rx time wins over arrival time")

	records, err := store.ListPacketData(row.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "TELEMETRY_APP", records[0].Port)

	node, err := store.GetNode(5)
	require.NoError(t, err)
	require.NotNil(t, node.BatteryLevel)
	assert.Equal(t, int32(88), *node.BatteryLevel)

	// Zero hops used plus a known gateway proves a direct edge.
	edges, err := store.ListEdges()
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, int64(5), edges[0].SourceNum)
	assert.Equal(t, int64(0xff), edges[0].TargetNum)
}

func TestEngineChannelDecrypt(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store)

	pkt := &mesh.MeshPacket{From: 5, To: mesh.Broadcast, ID: 202, Decoded: telemetryData(61)}
	require.NoError(t, meshcrypto.EncryptChannel("LongFast", "AQ==", pkt))
	require.Nil(t, pkt.Decoded)

	err := engine.HandleEnvelope(&Envelope{
		ChannelID: "LongFast",
		AdapterID: AdapterMQTT,
		Packet:    pkt,
	})
	require.NoError(t, err)

	row, err := store.GetPacketByRadioID(202)
	require.NoError(t, err)

	records, err := store.ListPacketData(row.ID)
	require.NoError(t, err)
	require.Len(t, records, 1, "placeholder key decrypts against the default PSK")
	assert.Equal(t, "TELEMETRY_APP", records[0].Port)
}

func TestEngineChannelDecryptWrongKey(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store)

	pkt := &mesh.MeshPacket{From: 5, To: mesh.Broadcast, ID: 203, Decoded: telemetryData(61)}
	require.NoError(t, meshcrypto.EncryptChannel("LongFast", "AgICAgICAgICAgICAgICAg==", pkt))

	err := engine.HandleEnvelope(&Envelope{
		ChannelID: "LongFast",
		AdapterID: AdapterMQTT,
		Packet:    pkt,
	})
	require.NoError(t, err, "an undecryptable frame still persists")

	row, err := store.GetPacketByRadioID(203)
	require.NoError(t, err)

	records, err := store.ListPacketData(row.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEnginePKIDecrypt(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store)

	seen := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// The receiving node is one this deployment holds a private key for.
	_, err := store.GetOrCreateNode(0x0aa0, seen)
	require.NoError(t, err)
	require.NoError(t, store.SetNodeKeys(0x0aa0, "",
		"a00330633e63522f8a4d81ec6d9d1e6617f6c8ffd3a4c698229537d44e522277"))

	senderPub, err := hex.DecodeString("db18fc50eea47f00251cb784819a3cf5fc361882597f589f0d7ff820e8064457")
	require.NoError(t, err)

	encrypted, err := hex.DecodeString("40df24abfcc30a17a3d9046726099e796a1c036a792b")
	require.NoError(t, err)

	err = engine.HandleEnvelope(&Envelope{
		ChannelID: "0",
		AdapterID: AdapterSerial,
		Packet: &mesh.MeshPacket{
			From:         0x0929,
			To:           0x0aa0,
			ID:           0x13b2d662,
			Encrypted:    encrypted,
			PublicKey:    senderPub,
			PKIEncrypted: true,
		},
	})
	require.NoError(t, err)

	row, err := store.GetPacketByRadioID(0x13b2d662)
	require.NoError(t, err)
	assert.True(t, row.PKIEncrypted)

	records, err := store.ListPacketData(row.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "TEXT_MESSAGE_APP", records[0].Port)
	assert.Equal(t, []byte("test"), records[0].RawPayload)
}

func TestEngineReplyAcksRequest(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store)

	_, err := store.InsertPacket(&models.Packet{
		Time:     time.Date(2026, 8, 1, 11, 59, 0, 0, time.UTC),
		FromNum:  99,
		ToNum:    9,
		PacketID: 777,
		WantAck:  true,
	})
	require.NoError(t, err)

	err = engine.HandleEnvelope(&Envelope{
		ChannelID: "LongFast",
		AdapterID: AdapterMQTT,
		Packet: &mesh.MeshPacket{
			From: 9,
			To:   99,
			ID:   888,
			Decoded: &mesh.Data{
				Portnum:   mesh.PortReply,
				Payload:   []byte("pong"),
				RequestID: 777,
			},
		},
	})
	require.NoError(t, err)

	request, err := store.GetPacketByRadioID(777)
	require.NoError(t, err)
	assert.True(t, request.Ackd)
}

func TestEngineRejectsEmptyFrame(t *testing.T) {
	engine := newTestEngine(t, newTestStore(t))

	err := engine.HandleEnvelope(&Envelope{ChannelID: "0", AdapterID: AdapterSerial})
	require.ErrorIs(t, err, errEmptyFrame)

	err = engine.HandleEnvelope(&Envelope{
		ChannelID: "0",
		AdapterID: AdapterSerial,
		Packet:    &mesh.MeshPacket{From: 5, To: 9, ID: 1},
	})
	require.ErrorIs(t, err, errEmptyFrame)
}

func TestEngineCaptureFanOut(t *testing.T) {
	store := newTestStore(t)
	pcap := capture.NewService(store, capture.Config{Directory: t.TempDir()}, nil)

	session, err := pcap.Start(context.Background(), "everything", capture.StartOptions{})
	require.NoError(t, err)

	engine := NewEngine(store, topology.NewBuilder(store, nil), pcap)

	err = engine.HandleEnvelope(&Envelope{
		GatewayNodeID: "!000000ff",
		ChannelID:     "LongFast",
		AdapterID:     AdapterMQTT,
		Packet:        &mesh.MeshPacket{From: 5, To: 9, ID: 303, Decoded: telemetryData(42)},
	})
	require.NoError(t, err)

	stored, err := store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.PacketCount)
	assert.Positive(t, stored.ByteCount)
}
