// Package db pkg/db/interfaces.go
package db

import (
	"time"

	"github.com/meshsight/meshsight/pkg/models"
)

//go:generate mockgen -destination=mock_db.go -package=db github.com/meshsight/meshsight/pkg/db Service

// Service represents all database operations of the mesh store.
type Service interface {
	Close() error

	// Node operations.

	GetOrCreateNode(nodeNum int64, seen time.Time) (*models.Node, error)
	GetNode(nodeNum int64) (*models.Node, error)
	ListNodes() ([]models.Node, error)
	UpdateNodeInfo(nodeNum int64, info *models.NodeInfoPayload, seen time.Time) error
	UpdateNodePosition(nodeNum int64, pos *models.PositionPayload, seen time.Time) error
	UpdateNodeTelemetry(nodeNum int64, tel *models.TelemetryPayload, seen time.Time) error
	UpdateNodeLatency(nodeNum int64, reachable bool, latencyMs *uint32) error
	SetNodeKeys(nodeNum int64, publicKey, privateKey string) error

	// Edge operations.

	UpsertEdge(edge *models.Edge) (*models.Edge, error)
	ListEdges() ([]models.Edge, error)

	// Node link operations. Links are stored in the canonical orientation the
	// caller provides; counter increments are atomic and the bidirectional
	// flag flips monotonically inside the same statement.

	GetOrCreateNodeLink(nodeANum, nodeBNum int64, seen time.Time) (*models.NodeLink, error)
	IncrementNodeLinkCounter(linkID int64, dir models.LinkDirection, packetID int64, seen time.Time) (*models.NodeLink, error)
	AttachNodeLinkChannel(linkID, channelRowID int64) error

	// Channel operations.

	GetOrCreateChannel(channelID string, seen time.Time) (*models.Channel, error)
	SetChannelPSK(channelID, psk string) error
	ListChannels() ([]models.Channel, error)

	// Packet persistence.

	InsertPacket(p *models.Packet) (int64, error)
	InsertPacketData(d *models.PacketData) (int64, error)
	ListPacketData(packetRowID int64) ([]models.PacketData, error)
	GetPacketByRadioID(radioID int64) (*models.Packet, error)
	MarkRequestAcked(radioID int64) error

	// Payload persistence.

	InsertTelemetryPayload(p *models.TelemetryPayload) error
	InsertPositionPayload(p *models.PositionPayload) error
	InsertNodeInfoPayload(p *models.NodeInfoPayload) error
	ReplaceNeighborInfo(p *models.NeighborInfoPayload) error
	InsertRoute(r *models.RouteDiscoveryRoute) (int64, error)
	InsertRouteDiscoveryPayload(p *models.RouteDiscoveryPayload) error
	InsertRoutingPayload(p *models.RoutingPayload) error

	// Capture sessions.

	CreateCaptureSession(s *models.CaptureSession) (int64, error)
	GetCaptureSession(id int64) (*models.CaptureSession, error)
	ListCaptureSessions(status *models.CaptureStatus) ([]models.CaptureSession, error)
	IncrementCaptureCounters(id, deltaPackets, deltaBytes int64) error
	FinishCaptureSession(id int64, status models.CaptureStatus, errText string, notes map[string]any) error
	DeleteCaptureSession(id int64) error

	// Reachability history.

	InsertLatencyProbe(p *models.LatencyProbe) (int64, error)
	ResolveLatencyProbe(nodeNum, probeMessageID int64, latencyMs uint32, respondedAt time.Time) (bool, error)
	GetLatencyHistory(nodeNum int64, limit int) ([]models.LatencyProbe, error)
	InsertPresenceEvent(e *models.PresenceEvent) error
	GetLastPresenceEvent(nodeNum int64) (*models.PresenceEvent, error)

	// Keepalive scheduler configuration (singleton row).

	GetKeepaliveConfig() (*models.KeepaliveConfig, error)
	UpdateKeepaliveConfig(cfg *models.KeepaliveConfig) error
	RecordKeepaliveRun(ranAt time.Time, lastError string) error
}
