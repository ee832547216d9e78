package topology

import (
	"github.com/meshsight/meshsight/pkg/mesh"
	"github.com/meshsight/meshsight/pkg/models"
)

// snrDB converts the protocol's quarter-dB SNR readings.
func snrDB(raw []int32) []float64 {
	if len(raw) == 0 {
		return nil
	}

	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v) / 4
	}

	return out
}

// HandleRouteDiscovery applies a traceroute payload. Requests carry the
// partial forward route walked so far; responses carry the full forward route
// bracketed by the response endpoints plus the return route.
//
// Unknown hops appear as the broadcast placeholder. They never become nodes
// or edges; instead a run of them collapses into a single inferred edge
// between the surrounding real nodes, hop-counted by the run length. SNR is
// only attached to adjacent (gap-free) edges.
func (b *Builder) HandleRouteDiscovery(pkt *models.Packet, pd *models.PacketData, rd *mesh.RouteDiscovery, isResponse bool) error {
	if isResponse {
		return b.handleRouteResponse(pkt, pd, rd)
	}

	return b.handleRouteRequest(pkt, pd, rd)
}

// handleRouteRequest walks the in-progress forward path: the sender followed
// by the hops recorded so far. No terminal hop is appended; the request has
// not reached its destination yet. The route record is persisted even when
// every hop is unknown.
func (b *Builder) handleRouteRequest(pkt *models.Packet, pd *models.PacketData, rd *mesh.RouteDiscovery) error {
	path := append([]uint32{uint32(pkt.FromNum)}, rd.Route...)

	if err := b.walkRoute(path, rd.SNRTowards, pkt); err != nil {
		return err
	}

	routeID, err := b.store.InsertRoute(&models.RouteDiscoveryRoute{
		NodeList: realNodes(rd.Route),
		Hops:     len(rd.Route),
	})
	if err != nil {
		return err
	}

	return b.store.InsertRouteDiscoveryPayload(&models.RouteDiscoveryPayload{
		PacketDataID:   pd.ID,
		RouteTowardsID: &routeID,
		SNRTowards:     snrDB(rd.SNRTowards),
	})
}

// handleRouteResponse walks both directions. The forward path is bracketed by
// the response endpoints (original requester first, responder last); the
// return path is prefixed by the responder only. The payload is persisted
// only when at least one real hop appears in either recorded list.
func (b *Builder) handleRouteResponse(pkt *models.Packet, pd *models.PacketData, rd *mesh.RouteDiscovery) error {
	towards := make([]uint32, 0, len(rd.Route)+2)
	towards = append(towards, uint32(pkt.ToNum))
	towards = append(towards, rd.Route...)
	towards = append(towards, uint32(pkt.FromNum))

	if err := b.walkRoute(towards, rd.SNRTowards, pkt); err != nil {
		return err
	}

	back := append([]uint32{uint32(pkt.FromNum)}, rd.RouteBack...)

	if err := b.walkRoute(back, rd.SNRBack, pkt); err != nil {
		return err
	}

	realTowards := realNodes(rd.Route)
	realBack := realNodes(rd.RouteBack)

	if len(realTowards) == 0 && len(realBack) == 0 {
		return nil
	}

	payload := &models.RouteDiscoveryPayload{
		PacketDataID: pd.ID,
		SNRTowards:   snrDB(rd.SNRTowards),
		SNRBack:      snrDB(rd.SNRBack),
	}

	towardsID, err := b.store.InsertRoute(&models.RouteDiscoveryRoute{
		NodeList: realTowards,
		Hops:     len(rd.Route),
	})
	if err != nil {
		return err
	}

	payload.RouteTowardsID = &towardsID

	backID, err := b.store.InsertRoute(&models.RouteDiscoveryRoute{
		NodeList: realBack,
		Hops:     len(rd.RouteBack),
	})
	if err != nil {
		return err
	}

	payload.RouteBackID = &backID

	return b.store.InsertRouteDiscoveryPayload(payload)
}

func realNodes(route []uint32) []int64 {
	var out []int64

	for _, num := range route {
		if num != mesh.Broadcast {
			out = append(out, int64(num))
		}
	}

	return out
}

// walkRoute creates nodes, edges, and link activity along one hop list. snr
// is parallel to path[1:]: snr[i-1] is the reading for the hop into path[i].
func (b *Builder) walkRoute(path []uint32, snr []int32, pkt *models.Packet) error {
	var (
		prev     int64
		havePrev bool
		gap      int
	)

	for i, num := range path {
		if num == mesh.Broadcast || num == 0 {
			if havePrev {
				gap++
			}

			continue
		}

		node := int64(num)

		if _, err := b.store.GetOrCreateNode(node, pkt.Time); err != nil {
			return err
		}

		if !havePrev {
			prev = node
			havePrev = true

			continue
		}

		if node == prev {
			gap = 0

			continue
		}

		edge := &models.Edge{
			SourceNum:    prev,
			TargetNum:    node,
			LastHops:     gap,
			LastPacketID: pkt.PacketID,
			LastSeen:     pkt.Time,
		}

		if gap == 0 && i-1 < len(snr) && snr[i-1] != 0 {
			v := float64(snr[i-1]) / 4
			edge.LastRxSNR = &v
		}

		if _, err := b.store.UpsertEdge(edge); err != nil {
			return err
		}

		if _, err := b.RecordActivity(prev, node, pkt.PacketID, pkt.Time, 0); err != nil {
			return err
		}

		prev = node
		gap = 0
	}

	return nil
}
