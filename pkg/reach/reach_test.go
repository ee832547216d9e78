package reach

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/mesh"
	"github.com/meshsight/meshsight/pkg/models"
)

func newTestStore(t *testing.T) db.Service {
	t.Helper()

	store, err := db.New(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func TestProbeResolvedInPlace(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, 0, 0)

	now := fixedNow()
	_, err := store.GetOrCreateNode(7, now.Add(-2*time.Hour))
	require.NoError(t, err)

	sent := now.Add(-250 * time.Millisecond)
	require.NoError(t, tracker.RecordProbeSent(7, 0xbeef, models.MethodProbe, sent))

	tracker.HandleProbeResponse(7, 0xbeef, now)

	history, err := store.GetLatencyHistory(7, 10)
	require.NoError(t, err)
	require.Len(t, history, 1, "response should resolve the pending row, not add one")

	probe := history[0]
	assert.True(t, probe.Reachable)
	require.NotNil(t, probe.LatencyMs)
	assert.Equal(t, uint32(250), *probe.LatencyMs)
	require.NotNil(t, probe.RespondedAt)
	assert.WithinDuration(t, now, *probe.RespondedAt, time.Second)
	assert.Equal(t, string(models.MethodProbe), probe.Method)

	node, err := store.GetNode(7)
	require.NoError(t, err)
	require.NotNil(t, node.LatencyReachable)
	assert.True(t, *node.LatencyReachable)
	require.NotNil(t, node.LatencyMs)
	assert.Equal(t, uint32(250), *node.LatencyMs)
}

func TestUnsolicitedResponseStillRecorded(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, 0, 0)

	now := fixedNow()
	_, err := store.GetOrCreateNode(9, now)
	require.NoError(t, err)

	tracker.HandleProbeResponse(9, 0x1234, now)

	history, err := store.GetLatencyHistory(9, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Reachable)
	assert.Nil(t, history[0].LatencyMs, "no send time means no latency figure")
	require.NotNil(t, history[0].RespondedAt)
	assert.WithinDuration(t, now, *history[0].RespondedAt, time.Second)

	node, err := store.GetNode(9)
	require.NoError(t, err)
	require.NotNil(t, node.LatencyReachable)
	assert.True(t, *node.LatencyReachable)
	assert.Nil(t, node.LatencyMs)
}

func TestProbeRateLimit(t *testing.T) {
	store := newTestStore(t)
	tracker := NewTracker(store, 2, time.Hour)

	now := fixedNow()
	require.NoError(t, tracker.RecordProbeSent(3, 1, models.MethodProbe, now))
	require.NoError(t, tracker.RecordProbeSent(3, 2, models.MethodProbe, now))

	err := tracker.RecordProbeSent(3, 3, models.MethodProbe, now)
	require.ErrorIs(t, err, errRateLimited)

	// A different node has its own budget.
	require.NoError(t, tracker.RecordProbeSent(4, 4, models.MethodProbe, now))

	history, err := store.GetLatencyHistory(3, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func newTestScheduler(store db.Service, pub Publisher) *Scheduler {
	s := NewScheduler(store, NewTracker(store, 0, 0), pub)
	s.now = fixedNow

	return s
}

func enableKeepalive(t *testing.T, store db.Service, mutate func(*models.KeepaliveConfig)) {
	t.Helper()

	cfg, err := store.GetKeepaliveConfig()
	require.NoError(t, err)

	cfg.Enabled = true
	cfg.IntervalSecs = 300
	cfg.OfflineAfter = 3600
	cfg.Scope = models.ScopeAll
	cfg.Method = models.MethodProbe
	cfg.FromNodeNum = 99

	if mutate != nil {
		mutate(cfg)
	}

	require.NoError(t, store.UpdateKeepaliveConfig(cfg))
}

func TestKeepaliveDisabledDoesNothing(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(store, nil)

	_, err := store.GetOrCreateNode(7, fixedNow().Add(-3*time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.runOnce(context.Background()))

	cfg, err := store.GetKeepaliveConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg.LastRunAt, "a disabled scheduler should not stamp runs")

	history, err := store.GetLatencyHistory(7, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestKeepaliveHonorsInterval(t *testing.T) {
	store := newTestStore(t)

	ctrl := gomock.NewController(t)
	pub := NewMockPublisher(ctrl)

	s := newTestScheduler(store, pub)

	_, err := store.GetOrCreateNode(7, fixedNow().Add(-3*time.Hour))
	require.NoError(t, err)

	enableKeepalive(t, store, nil)
	require.NoError(t, store.RecordKeepaliveRun(fixedNow().Add(-time.Minute), ""))

	// No Publish expectation: a run inside the interval must not probe.
	require.NoError(t, s.runOnce(context.Background()))
}

func TestKeepaliveWithoutSenderRecordsError(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(store, nil)

	_, err := store.GetOrCreateNode(7, fixedNow().Add(-3*time.Hour))
	require.NoError(t, err)

	enableKeepalive(t, store, func(cfg *models.KeepaliveConfig) {
		cfg.FromNodeNum = 0
	})

	require.NoError(t, s.runOnce(context.Background()))

	cfg, err := store.GetKeepaliveConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg.LastRunAt)
	assert.Equal(t, errNoSender.Error(), cfg.LastError)

	history, err := store.GetLatencyHistory(7, 10)
	require.NoError(t, err)
	assert.Empty(t, history, "no probes without a sender node")

	// The offline transition is still recorded.
	event, err := store.GetLastPresenceEvent(7)
	require.NoError(t, err)
	assert.False(t, event.Online)
}

func TestKeepaliveProbesOfflineNodes(t *testing.T) {
	store := newTestStore(t)

	ctrl := gomock.NewController(t)
	pub := NewMockPublisher(ctrl)

	s := newTestScheduler(store, pub)

	now := fixedNow()
	_, err := store.GetOrCreateNode(7, now.Add(-3*time.Hour))
	require.NoError(t, err)
	_, err = store.GetOrCreateNode(8, now.Add(-time.Minute))
	require.NoError(t, err)

	enableKeepalive(t, store, func(cfg *models.KeepaliveConfig) {
		cfg.HopLimit = 5
	})

	var published *mesh.MeshPacket

	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, pkt *mesh.MeshPacket) error {
			published = pkt
			return nil
		})

	require.NoError(t, s.runOnce(context.Background()))

	require.NotNil(t, published, "the stale node should be probed, the fresh one not")
	assert.Equal(t, uint32(99), published.From)
	assert.Equal(t, uint32(7), published.To)
	assert.NotZero(t, published.ID)
	assert.Equal(t, uint32(5), published.HopLimit)
	assert.Equal(t, uint32(5), published.HopStart, "unset hop start mirrors the hop limit")
	assert.True(t, published.WantAck)
	require.NotNil(t, published.Decoded)
	assert.Equal(t, mesh.PortReply, published.Decoded.Portnum)
	assert.True(t, published.Decoded.WantResponse)

	history, err := store.GetLatencyHistory(7, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(published.ID), history[0].ProbeMessageID)
	assert.False(t, history[0].Reachable)

	// The outbound frame lands as a packet row so a later routing ack can
	// find it by radio id.
	out, err := store.GetPacketByRadioID(int64(published.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(99), out.FromNum)
	assert.Equal(t, int64(7), out.ToNum)
	assert.True(t, out.WantAck)
	assert.False(t, out.Ackd)

	cfg, err := store.GetKeepaliveConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg.LastRunAt)
	assert.Empty(t, cfg.LastError)
}

func TestKeepaliveProbesTransitionsOnly(t *testing.T) {
	store := newTestStore(t)

	ctrl := gomock.NewController(t)
	pub := NewMockPublisher(ctrl)

	s := newTestScheduler(store, pub)

	now := fixedNow()
	_, err := store.GetOrCreateNode(7, now.Add(-3*time.Hour))
	require.NoError(t, err)

	// An earlier run already recorded the outage.
	require.NoError(t, store.InsertPresenceEvent(&models.PresenceEvent{
		NodeNum: 7, Online: false, SeenAt: now.Add(-2 * time.Hour),
	}))

	enableKeepalive(t, store, nil)

	// No Publish expectation: a node that stayed offline is not re-probed.
	require.NoError(t, s.runOnce(context.Background()))

	history, err := store.GetLatencyHistory(7, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	cfg, err := store.GetKeepaliveConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg.LastRunAt)
	assert.Empty(t, cfg.LastError)
}

func TestKeepaliveScopeSelected(t *testing.T) {
	store := newTestStore(t)

	ctrl := gomock.NewController(t)
	pub := NewMockPublisher(ctrl)

	s := newTestScheduler(store, pub)

	now := fixedNow()
	_, err := store.GetOrCreateNode(7, now.Add(-3*time.Hour))
	require.NoError(t, err)
	_, err = store.GetOrCreateNode(11, now.Add(-3*time.Hour))
	require.NoError(t, err)

	enableKeepalive(t, store, func(cfg *models.KeepaliveConfig) {
		cfg.Scope = models.ScopeSelected
		cfg.SelectedNodes = []int64{11}
	})

	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, pkt *mesh.MeshPacket) error {
			assert.Equal(t, uint32(11), pkt.To)
			return nil
		})

	require.NoError(t, s.runOnce(context.Background()))

	history, err := store.GetLatencyHistory(7, 10)
	require.NoError(t, err)
	assert.Empty(t, history, "out-of-scope nodes are untouched")
}

func TestPresenceTransitions(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(store, nil)

	now := fixedNow()

	// Node 5 was marked offline on an earlier run and has since been heard.
	_, err := store.GetOrCreateNode(5, now.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.InsertPresenceEvent(&models.PresenceEvent{
		NodeNum: 5, Online: false, SeenAt: now.Add(-time.Hour),
	}))

	offline, err := s.trackPresence([]models.Node{{NodeNum: 5, LastSeen: now.Add(-time.Minute)}},
		&models.KeepaliveConfig{OfflineAfter: 3600}, now)
	require.NoError(t, err)
	assert.Empty(t, offline)

	event, err := store.GetLastPresenceEvent(5)
	require.NoError(t, err)
	assert.True(t, event.Online)
	assert.WithinDuration(t, now, event.SeenAt, time.Second)

	// A second pass in the same state writes nothing.
	_, err = s.trackPresence([]models.Node{{NodeNum: 5, LastSeen: now.Add(-time.Minute)}},
		&models.KeepaliveConfig{OfflineAfter: 3600}, now)
	require.NoError(t, err)

	again, err := store.GetLastPresenceEvent(5)
	require.NoError(t, err)
	assert.Equal(t, event.ID, again.ID)
}

func TestBuildProbeTraceroute(t *testing.T) {
	cfg := &models.KeepaliveConfig{
		FromNodeNum:  99,
		ChannelIndex: 2,
		HopLimit:     7,
		HopStart:     3,
		Method:       models.MethodTraceroute,
	}

	pkt := buildProbe(cfg, 7, 0xabcd)

	assert.Equal(t, uint32(2), pkt.Channel)
	assert.Equal(t, uint32(7), pkt.HopLimit)
	assert.Equal(t, uint32(3), pkt.HopStart)
	require.NotNil(t, pkt.Decoded)
	assert.Equal(t, mesh.PortTraceroute, pkt.Decoded.Portnum)
	assert.True(t, pkt.Decoded.WantResponse)
}
