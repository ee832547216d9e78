// Package ingest normalizes transport envelopes into persisted mesh traffic.
// Adapters (MQTT, serial, websocket) turn their wire formats into Envelope
// values; the Engine persists the frame, decrypts when needed, decodes the
// application payload, and fans the result out to topology, reachability, and
// capture.
package ingest

import (
	"log"
	"strconv"
	"time"

	"github.com/meshsight/meshsight/pkg/capture"
	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/decode"
	"github.com/meshsight/meshsight/pkg/mesh"
	"github.com/meshsight/meshsight/pkg/mesh/meshcrypto"
	"github.com/meshsight/meshsight/pkg/models"
	"github.com/meshsight/meshsight/pkg/topology"
)

// Adapter identifiers stamped on persisted packets and matched by capture
// session filters.
const (
	AdapterMQTT      = "mqtt"
	AdapterSerial    = "serial"
	AdapterWebsocket = "websocket"
)

// defaultPSK is the protocol's well-known placeholder key; channels without
// configured key material decrypt against it.
const defaultPSK = "AQ=="

// Envelope is the normalized form of one received frame, independent of the
// transport it arrived on. GatewayNodeID is empty when the transport does not
// identify the reporting gateway.
type Envelope struct {
	GatewayNodeID string
	ChannelID     string
	Packet        *mesh.MeshPacket
	AdapterID     string
}

// Handler consumes normalized envelopes from transport adapters.
type Handler interface {
	HandleEnvelope(env *Envelope) error
}

// Engine applies one envelope at a time to the store and downstream
// consumers. It is safe for concurrent use by multiple adapters.
type Engine struct {
	store db.Service
	topo  *topology.Builder
	pcap  *capture.Service

	// now is a test seam.
	now func() time.Time
}

// NewEngine returns an Engine over the store. pcap may be nil when no capture
// subsystem is wired.
func NewEngine(store db.Service, topo *topology.Builder, pcap *capture.Service) *Engine {
	return &Engine{store: store, topo: topo, pcap: pcap, now: time.Now}
}

// HandleEnvelope persists and fans out one frame. Failures in downstream
// consumers are logged, not returned: the packet row is already durable and
// one bad handler must not suppress the others.
func (e *Engine) HandleEnvelope(env *Envelope) error {
	pkt := env.Packet
	if pkt == nil || (pkt.Decoded == nil && len(pkt.Encrypted) == 0) {
		return errEmptyFrame
	}

	rxTime := e.receiveTime(pkt)

	channel, err := e.store.GetOrCreateChannel(env.ChannelID, rxTime)
	if err != nil {
		return err
	}

	row := packetRow(env, rxTime)

	rowID, err := e.store.InsertPacket(row)
	if err != nil {
		return err
	}

	row.ID = rowID

	if err := e.topo.ObserveReception(row, gatewayNum(env.GatewayNodeID), channel.ID); err != nil {
		log.Printf("Reception observation failed for packet %d: %v", row.PacketID, err)
	}

	data := pkt.Decoded
	if data == nil {
		data = decryptFrame(e.store, pkt, channel)
	}

	var fragments []decode.Decoded
	if data != nil {
		fragments = e.handleData(row, data)
	}

	if e.pcap != nil {
		e.pcap.HandleFrame(row, pkt.Marshal(), fragments)
	}

	return nil
}

// receiveTime prefers the radio's own receive timestamp over arrival time.
func (e *Engine) receiveTime(pkt *mesh.MeshPacket) time.Time {
	if pkt.RxTime != 0 {
		return time.Unix(int64(pkt.RxTime), 0).UTC()
	}

	return e.now().UTC()
}

// decryptFrame recovers the application payload of an encrypted frame. All
// failures yield nil: decryption is best-effort and an undecryptable frame is
// still worth persisting.
func decryptFrame(store db.Service, pkt *mesh.MeshPacket, channel *models.Channel) *mesh.Data {
	if pkt.PKIEncrypted {
		return decryptPKI(store, pkt)
	}

	psk := channel.PSK
	if psk == "" {
		psk = defaultPSK
	}

	// A numeric channel id is an index, not a name; there is nothing to
	// hash-check against.
	name := channel.ChannelID
	if _, err := strconv.Atoi(name); err == nil {
		name = ""
	}

	return meshcrypto.DecryptChannel(name, psk, pkt)
}

// decryptPKI handles direct messages addressed to a node whose private key
// the store holds. The sender public key comes off the frame when present,
// otherwise from the sender's node row.
func decryptPKI(store db.Service, pkt *mesh.MeshPacket) *mesh.Data {
	receiver, err := store.GetNode(int64(pkt.To))
	if err != nil || receiver.PrivateKey == "" {
		return nil
	}

	priv, err := meshcrypto.DecodeKey(receiver.PrivateKey)
	if err != nil {
		return nil
	}

	senderPub := pkt.PublicKey
	if len(senderPub) == 0 {
		sender, err := store.GetNode(int64(pkt.From))
		if err != nil || sender.PublicKey == "" {
			return nil
		}

		senderPub, err = meshcrypto.DecodeKey(sender.PublicKey)
		if err != nil {
			return nil
		}
	}

	plain, err := meshcrypto.DecryptPKI(pkt.Encrypted, senderPub, priv, pkt.From, pkt.ID)
	if err != nil {
		return nil
	}

	data, err := mesh.UnmarshalData(plain)
	if err != nil || data.Portnum == mesh.PortUnknown {
		return nil
	}

	return data
}

// handleData persists the decoded application record, decodes the payload,
// and routes every fragment to its topology handler. Returns the fragments
// for capture annotation.
func (e *Engine) handleData(row *models.Packet, data *mesh.Data) []decode.Decoded {
	pd := packetDataRow(row, data)

	pdID, err := e.store.InsertPacketData(pd)
	if err != nil {
		log.Printf("Failed to persist packet data for packet %d: %v", row.PacketID, err)
		return nil
	}

	pd.ID = pdID

	fragments := decode.Decode(data.Portnum, data.Payload)
	for i := range fragments {
		e.dispatch(row, pd, &fragments[i])
	}

	return fragments
}

// dispatch routes one decoded fragment. Compressed wrappers recurse into
// their children so an inner position or node-info still reaches its handler.
func (e *Engine) dispatch(row *models.Packet, pd *models.PacketData, frag *decode.Decoded) {
	var err error

	switch msg := frag.Msg.(type) {
	case *mesh.Telemetry:
		err = e.topo.HandleTelemetry(row, pd.ID, msg)
	case *mesh.Position:
		err = e.topo.HandlePosition(row, pd.ID, msg)
	case *mesh.User:
		err = e.topo.HandleNodeInfo(row, pd.ID, msg)
	case *mesh.NeighborInfo:
		err = e.topo.HandleNeighborInfo(row, pd.ID, msg)
	case *mesh.Routing:
		err = e.topo.HandleRouting(row, pd, msg)
	case *mesh.RouteDiscovery:
		isResponse := pd.RequestID != 0
		err = e.topo.HandleRouteDiscovery(row, pd, msg, isResponse)

		if isResponse {
			e.topo.HandleAck(row, pd.RequestID)
		}
	case string:
		// A text reply answering an earlier request acknowledges it.
		if pd.RequestID != 0 {
			e.topo.HandleAck(row, pd.RequestID)
		}
	}

	if err != nil {
		log.Printf("%s handler failed for packet %d: %v", frag.TypeName, row.PacketID, err)
	}

	for i := range frag.Children {
		e.dispatch(row, pd, &frag.Children[i])
	}
}

// packetRow maps the wire frame onto the persisted packet record. Zero-valued
// signal fields become nil: the wire format cannot distinguish absent from
// zero, and absent is the common case.
func packetRow(env *Envelope, rxTime time.Time) *models.Packet {
	pkt := env.Packet

	row := &models.Packet{
		Time:         rxTime,
		FromNum:      int64(pkt.From),
		ToNum:        int64(pkt.To),
		GatewayID:    env.GatewayNodeID,
		ChannelID:    env.ChannelID,
		AdapterID:    env.AdapterID,
		PacketID:     int64(pkt.ID),
		RxTime:       int64(pkt.RxTime),
		WantAck:      pkt.WantAck,
		ViaMQTT:      pkt.ViaMQTT,
		PKIEncrypted: pkt.PKIEncrypted,
	}

	if pkt.Priority != 0 {
		row.Priority = mesh.PriorityName(pkt.Priority)
	}

	if pkt.RxRSSI != 0 {
		v := pkt.RxRSSI
		row.RxRSSI = &v
	}

	if pkt.RxSNR != 0 {
		v := float64(pkt.RxSNR)
		row.RxSNR = &v
	}

	if pkt.HopLimit != 0 {
		v := int32(pkt.HopLimit)
		row.HopLimit = &v
	}

	if pkt.HopStart != 0 {
		v := int32(pkt.HopStart)
		row.HopStart = &v
	}

	if pkt.NextHop != 0 {
		v := int32(pkt.NextHop)
		row.NextHop = &v
	}

	if pkt.RelayNode != 0 {
		v := int32(pkt.RelayNode)
		row.RelayNode = &v
	}

	return row
}

func packetDataRow(row *models.Packet, data *mesh.Data) *models.PacketData {
	return &models.PacketData{
		PacketRowID:  row.ID,
		Time:         row.Time,
		Portnum:      uint32(data.Portnum),
		Port:         data.Portnum.String(),
		RawPayload:   data.Payload,
		Source:       int64(data.Source),
		Dest:         int64(data.Dest),
		RequestID:    int64(data.RequestID),
		ReplyID:      int64(data.ReplyID),
		WantResponse: data.WantResponse,
	}
}

// gatewayNum resolves a gateway node id string, 0 when absent or malformed.
func gatewayNum(id string) int64 {
	if id == "" {
		return 0
	}

	num, err := mesh.IDToNum(id)
	if err != nil {
		return 0
	}

	return int64(num)
}
