package reach

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/mesh"
	"github.com/meshsight/meshsight/pkg/models"
)

const (
	tickInterval        = time.Minute
	defaultOfflineAfter = time.Hour

	keepaliveAdapterID = "keepalive"
)

// Publisher sends a mesh packet towards the radio network. The ingest side's
// uplink adapter satisfies this.
type Publisher interface {
	Publish(ctx context.Context, pkt *mesh.MeshPacket) error
}

// Scheduler runs the keepalive loop: once per configured interval it records
// presence transitions and probes nodes that fell silent. All configuration
// lives in the store's singleton row, so changes apply on the next tick
// without a restart.
type Scheduler struct {
	store   db.Service
	tracker *Tracker
	pub     Publisher

	// test seam
	now func() time.Time
}

// NewScheduler returns a Scheduler. pub may be nil; presence bookkeeping
// still runs, probes are skipped with an error recorded on the config row.
func NewScheduler(store db.Service, tracker *Tracker, pub Publisher) *Scheduler {
	return &Scheduler{
		store:   store,
		tracker: tracker,
		pub:     pub,
		now:     time.Now,
	}
}

// Run ticks until the context is cancelled. Run failures are recorded on the
// config row and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.runOnce(ctx); err != nil {
				log.Printf("Keepalive run failed: %v", err)
			}
		}
	}
}

// runOnce executes a single keepalive pass: load config, honor the interval,
// record presence transitions for in-scope nodes, probe the ones that just
// went offline.
func (s *Scheduler) runOnce(ctx context.Context) error {
	now := s.now().UTC()

	cfg, err := s.store.GetKeepaliveConfig()
	if err != nil {
		return err
	}

	if !cfg.Enabled {
		return nil
	}

	if cfg.LastRunAt != nil && now.Sub(*cfg.LastRunAt) < time.Duration(cfg.IntervalSecs)*time.Second {
		return nil
	}

	nodes, err := s.store.ListNodes()
	if err != nil {
		return err
	}

	offline, err := s.trackPresence(scopedNodes(nodes, cfg), cfg, now)
	if err != nil {
		return err
	}

	runErr := s.probeOffline(ctx, cfg, offline, now)

	var errText string
	if runErr != nil {
		errText = runErr.Error()
	}

	return s.store.RecordKeepaliveRun(now, errText)
}

// trackPresence compares each node's current online state against its last
// recorded presence event and writes a row for every transition. It returns
// the nodes that transitioned offline on this pass; nodes already recorded
// offline are not returned again, so each outage is probed once.
func (s *Scheduler) trackPresence(nodes []models.Node, cfg *models.KeepaliveConfig, now time.Time) ([]models.Node, error) {
	offlineAfter := time.Duration(cfg.OfflineAfter) * time.Second
	if offlineAfter <= 0 {
		offlineAfter = defaultOfflineAfter
	}

	cutoff := now.Add(-offlineAfter)

	var offline []models.Node

	for i := range nodes {
		n := &nodes[i]
		online := !n.LastSeen.Before(cutoff)

		wasOnline := true

		last, err := s.store.GetLastPresenceEvent(n.NodeNum)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		} else if err == nil {
			wasOnline = last.Online
		}

		if online == wasOnline {
			continue
		}

		event := &models.PresenceEvent{NodeNum: n.NodeNum, Online: online, SeenAt: now}
		if err := s.store.InsertPresenceEvent(event); err != nil {
			return nil, err
		}

		if !online {
			offline = append(offline, *n)
		}
	}

	return offline, nil
}

// scopedNodes filters the node list down to what the configured scope names.
func scopedNodes(nodes []models.Node, cfg *models.KeepaliveConfig) []models.Node {
	switch cfg.Scope {
	case models.ScopeSelected:
		selected := make(map[int64]bool, len(cfg.SelectedNodes))
		for _, num := range cfg.SelectedNodes {
			selected[num] = true
		}

		var out []models.Node

		for i := range nodes {
			if selected[nodes[i].NodeNum] {
				out = append(out, nodes[i])
			}
		}

		return out
	case models.ScopeVirtualOnly:
		var out []models.Node

		for i := range nodes {
			if nodes[i].IsVirtual {
				out = append(out, nodes[i])
			}
		}

		return out
	default:
		return nodes
	}
}

// probeOffline publishes a probe to every node that just went offline,
// subject to the per-node rate limit. The first failure is returned for the
// config row; later nodes are still attempted.
func (s *Scheduler) probeOffline(ctx context.Context, cfg *models.KeepaliveConfig, offline []models.Node, now time.Time) error {
	if len(offline) == 0 {
		return nil
	}

	if cfg.FromNodeNum == 0 {
		return errNoSender
	}

	if s.pub == nil {
		return errNoPublisher
	}

	var firstErr error

	for i := range offline {
		node := &offline[i]
		msgID := randomPacketID()

		err := s.tracker.RecordProbeSent(node.NodeNum, int64(msgID), cfg.Method, now)
		if errors.Is(err, errRateLimited) {
			continue
		} else if err != nil {
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		pkt := buildProbe(cfg, node.NodeNum, msgID)

		if err := s.pub.Publish(ctx, pkt); err != nil {
			log.Printf("Failed to publish probe to node %d: %v", node.NodeNum, err)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		// Mirror the outbound frame as a packet row so the routing ack
		// path can mark it acknowledged by radio id.
		_, err = s.store.InsertPacket(&models.Packet{
			Time:      now,
			FromNum:   cfg.FromNodeNum,
			ToNum:     node.NodeNum,
			AdapterID: keepaliveAdapterID,
			PacketID:  int64(msgID),
			WantAck:   true,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// buildProbe constructs the outbound frame for the configured method. A reply
// probe asks for an echo; a traceroute additionally maps the path taken. The
// configured hop budget is stamped on the frame; an unset hop start mirrors
// the hop limit, the way a radio originates a frame.
func buildProbe(cfg *models.KeepaliveConfig, nodeNum int64, msgID uint32) *mesh.MeshPacket {
	data := &mesh.Data{Portnum: mesh.PortReply, WantResponse: true}

	if cfg.Method == models.MethodTraceroute {
		data.Portnum = mesh.PortTraceroute
		data.Payload = (&mesh.RouteDiscovery{}).Marshal()
	}

	hopStart := cfg.HopStart
	if hopStart == 0 {
		hopStart = cfg.HopLimit
	}

	return &mesh.MeshPacket{
		From:     uint32(cfg.FromNodeNum),
		To:       uint32(nodeNum),
		ID:       msgID,
		Channel:  uint32(cfg.ChannelIndex),
		HopLimit: uint32(cfg.HopLimit),
		HopStart: uint32(hopStart),
		WantAck:  true,
		Decoded:  data,
	}
}

func randomPacketID() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}
