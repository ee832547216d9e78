// Package topology turns decoded mesh traffic into graph state: nodes,
// directed edges, undirected node links, and route knowledge.
package topology

import (
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/mesh"
	"github.com/meshsight/meshsight/pkg/models"
)

// ProbeSink receives acknowledged-request notifications so reachability state
// can be correlated with in-flight probes.
type ProbeSink interface {
	HandleProbeResponse(nodeNum, probeMessageID int64, respondedAt time.Time)
}

// Builder applies traffic observations to the store.
type Builder struct {
	store  db.Service
	probes ProbeSink
}

// NewBuilder returns a Builder over the store. probes may be nil when no
// reachability tracking is wired.
func NewBuilder(store db.Service, probes ProbeSink) *Builder {
	return &Builder{store: store, probes: probes}
}

// ObserveReception records what a frame's arrival proves: both endpoints
// exist, traffic flowed from sender towards destination, and, when the hop
// counters show zero hops used, a direct edge from the sender to the
// receiving gateway.
func (b *Builder) ObserveReception(pkt *models.Packet, gatewayNum int64, channelRowID int64) error {
	if !realNode(pkt.FromNum) {
		return fmt.Errorf("%w: packet %d", errNoEndpoints, pkt.PacketID)
	}

	if _, err := b.store.GetOrCreateNode(pkt.FromNum, pkt.Time); err != nil {
		return err
	}

	if realNode(pkt.ToNum) {
		if _, err := b.store.GetOrCreateNode(pkt.ToNum, pkt.Time); err != nil {
			return err
		}

		if _, err := b.RecordActivity(pkt.FromNum, pkt.ToNum, pkt.PacketID, pkt.Time, channelRowID); err != nil {
			return err
		}
	}

	if gatewayNum != 0 && gatewayNum != pkt.FromNum && directReception(pkt) {
		if _, err := b.store.GetOrCreateNode(gatewayNum, pkt.Time); err != nil {
			return err
		}

		_, err := b.store.UpsertEdge(&models.Edge{
			SourceNum:    pkt.FromNum,
			TargetNum:    gatewayNum,
			LastRxRSSI:   pkt.RxRSSI,
			LastRxSNR:    pkt.RxSNR,
			LastHops:     0,
			LastPacketID: pkt.PacketID,
			LastSeen:     pkt.Time,
		})
		if err != nil {
			return err
		}

		if _, err := b.RecordActivity(pkt.FromNum, gatewayNum, pkt.PacketID, pkt.Time, channelRowID); err != nil {
			return err
		}
	}

	return nil
}

// directReception reports whether the frame was heard straight off the air:
// hop counters present and no hop consumed.
func directReception(pkt *models.Packet) bool {
	return pkt.HopStart != nil && pkt.HopLimit != nil && *pkt.HopStart == *pkt.HopLimit
}

func realNode(num int64) bool {
	return num != 0 && num != int64(mesh.Broadcast)
}

// HandleTelemetry persists a telemetry payload and mirrors the readings onto
// the sender's node row.
func (b *Builder) HandleTelemetry(pkt *models.Packet, pdID int64, t *mesh.Telemetry) error {
	payload := flattenTelemetry(pdID, t)

	if err := b.store.InsertTelemetryPayload(payload); err != nil {
		return err
	}

	return b.store.UpdateNodeTelemetry(pkt.FromNum, payload, pkt.Time)
}

func flattenTelemetry(pdID int64, t *mesh.Telemetry) *models.TelemetryPayload {
	p := &models.TelemetryPayload{PacketDataID: pdID}

	if dm := t.DeviceMetrics; dm != nil {
		if dm.BatteryLevel != nil {
			v := int32(*dm.BatteryLevel)
			p.BatteryLevel = &v
		}

		p.Voltage = f32(dm.Voltage)
		p.ChannelUtilization = f32(dm.ChannelUtilization)
		p.AirUtilTx = f32(dm.AirUtilTx)

		if dm.UptimeSeconds != nil {
			v := int64(*dm.UptimeSeconds)
			p.UptimeSeconds = &v
		}
	}

	if em := t.EnvironmentMetrics; em != nil {
		p.Temperature = f32(em.Temperature)
		p.RelativeHumidity = f32(em.RelativeHumidity)
		p.BarometricPressure = f32(em.BarometricPressure)
		p.GasResistance = f32(em.GasResistance)

		if em.IAQ != nil {
			v := int32(*em.IAQ)
			p.IAQ = &v
		}
	}

	return p
}

func f32(v *float32) *float64 {
	if v == nil {
		return nil
	}

	f := float64(*v)

	return &f
}

// HandlePosition persists a position payload and mirrors it onto the node.
func (b *Builder) HandlePosition(pkt *models.Packet, pdID int64, pos *mesh.Position) error {
	payload := &models.PositionPayload{
		PacketDataID:   pdID,
		Latitude:       pos.Latitude(),
		Longitude:      pos.Longitude(),
		LocationSource: pos.LocationSourceName(),
	}

	if pos.Altitude != 0 {
		alt := pos.Altitude
		payload.Altitude = &alt
	}

	if pos.GpsAccuracy != 0 {
		acc := int32(pos.GpsAccuracy)
		payload.Accuracy = &acc
	}

	if pos.SeqNumber != 0 {
		seq := int32(pos.SeqNumber)
		payload.SeqNumber = &seq
	}

	if err := b.store.InsertPositionPayload(payload); err != nil {
		return err
	}

	return b.store.UpdateNodePosition(pkt.FromNum, payload, pkt.Time)
}

// HandleNodeInfo persists an identity payload and mirrors it onto the node.
func (b *Builder) HandleNodeInfo(pkt *models.Packet, pdID int64, u *mesh.User) error {
	payload := &models.NodeInfoPayload{
		PacketDataID:   pdID,
		ShortName:      u.ShortName,
		LongName:       u.LongName,
		HwModel:        u.HwModelName(),
		Role:           u.RoleName(),
		PublicKey:      encodeKey(u.PublicKey),
		IsLicensed:     u.IsLicensed,
		IsUnmessagable: u.IsUnmessagable,
	}

	if err := b.store.InsertNodeInfoPayload(payload); err != nil {
		return err
	}

	return b.store.UpdateNodeInfo(pkt.FromNum, payload, pkt.Time)
}

// HandleNeighborInfo persists an advertised neighbor table, replacing the
// reporter's previous set, and creates any nodes it names.
func (b *Builder) HandleNeighborInfo(pkt *models.Packet, pdID int64, ni *mesh.NeighborInfo) error {
	reporter := int64(ni.NodeID)
	if reporter == 0 {
		reporter = pkt.FromNum
	}

	payload := &models.NeighborInfoPayload{
		PacketDataID:      pdID,
		ReportingNodeNum:  reporter,
		LastSentByNodeNum: int64(ni.LastSentByID),
	}

	if ni.NodeBroadcastIntervalSecs != 0 {
		v := int32(ni.NodeBroadcastIntervalSecs)
		payload.BroadcastIntervalSecs = &v
	}

	for i := range ni.Neighbors {
		nb := &ni.Neighbors[i]
		if !realNode(int64(nb.NodeID)) {
			continue
		}

		if _, err := b.store.GetOrCreateNode(int64(nb.NodeID), pkt.Time); err != nil {
			return err
		}

		entry := models.NeighborEntry{NeighborNum: int64(nb.NodeID)}

		if nb.SNR != 0 {
			snr := float64(nb.SNR)
			entry.SNR = &snr
		}

		if nb.LastRxTime != 0 {
			rx := time.Unix(int64(nb.LastRxTime), 0).UTC()
			entry.LastRxTime = &rx
		}

		if nb.NodeBroadcastIntervalSecs != 0 {
			v := int32(nb.NodeBroadcastIntervalSecs)
			entry.BroadcastIntervalSecs = &v
		}

		payload.Neighbors = append(payload.Neighbors, entry)
	}

	return b.store.ReplaceNeighborInfo(payload)
}

// HandleRouting persists a routing control record and runs acknowledgement
// correlation. Route variants inside the message reuse the discovery walker.
func (b *Builder) HandleRouting(pkt *models.Packet, pd *models.PacketData, r *mesh.Routing) error {
	payload := &models.RoutingPayload{PacketDataID: pd.ID}
	if r.HasError {
		payload.ErrorReason = r.ErrorReason.String()
	}

	if err := b.store.InsertRoutingPayload(payload); err != nil {
		return err
	}

	if r.RouteRequest != nil {
		if err := b.HandleRouteDiscovery(pkt, pd, r.RouteRequest, false); err != nil {
			return err
		}
	}

	if r.RouteReply != nil {
		if err := b.HandleRouteDiscovery(pkt, pd, r.RouteReply, true); err != nil {
			return err
		}
	}

	if pd.RequestID != 0 {
		b.HandleAck(pkt, pd.RequestID)
	}

	return nil
}

// HandleAck marks the referenced request acknowledged and notifies the probe
// sink. Correlation failures are logged, not fatal: the triggering packet is
// already persisted.
func (b *Builder) HandleAck(pkt *models.Packet, requestID int64) {
	if err := b.store.MarkRequestAcked(requestID); err != nil {
		log.Printf("Failed to mark request %d acked: %v", requestID, err)
	}

	if b.probes != nil {
		b.probes.HandleProbeResponse(pkt.FromNum, requestID, pkt.Time)
	}
}

func encodeKey(key []byte) string {
	if len(key) == 0 {
		return ""
	}

	return base64.StdEncoding.EncodeToString(key)
}
