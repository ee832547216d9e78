package capture

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/decode"
	"github.com/meshsight/meshsight/pkg/models"
)

func newTestStore(t *testing.T) db.Service {
	t.Helper()

	store, err := db.New(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func newLocalService(t *testing.T, store db.Service) *Service {
	t.Helper()

	return NewService(store, Config{Directory: t.TempDir()}, nil)
}

func captureFrame() (*models.Packet, []byte, []decode.Decoded) {
	pkt := &models.Packet{
		Time:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		FromNum:   5,
		ToNum:     9,
		AdapterID: "mqtt",
		PacketID:  0xc0ffee,
	}

	frame := []byte{0x0d, 0x05, 0x00, 0x00, 0x00}
	fragments := []decode.Decoded{
		{TypeName: "mesh.Data", Bytes: []byte{0x08, 0x01}},
		{TypeName: "mesh.Text", Bytes: []byte("hi")},
	}

	return pkt, frame, fragments
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "field-test-2", slugify("Field Test #2"))
	assert.Equal(t, "capture", slugify("!!!"))
	assert.Equal(t, "night-run", slugify("--Night  Run--"))
}

func TestUniqueFilenameDedupes(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	first := uniqueFilename(dir, ts, "walk")
	assert.Equal(t, "20260801-120000-walk.pcapng", first)

	require.NoError(t, os.WriteFile(filepath.Join(dir, first), nil, 0o644))

	second := uniqueFilename(dir, ts, "walk")
	assert.Equal(t, "20260801-120000-walk-1.pcapng", second)
}

func TestLocalSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	svc := newLocalService(t, store)
	ctx := context.Background()

	session, err := svc.Start(ctx, "Walk Around The Block", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.CaptureRunning, session.Status)

	_, err = os.Stat(filepath.Join(svc.cfg.Directory, session.Filename))
	require.NoError(t, err, "starting opens the capture file")

	pkt, frame, fragments := captureFrame()
	svc.HandleFrame(pkt, frame, fragments)

	stored, err := store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.PacketCount)
	assert.Positive(t, stored.ByteCount)

	require.NoError(t, svc.Stop(ctx, session.ID))

	stored, err = store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaptureCompleted, stored.Status)
	assert.NotNil(t, stored.EndedAt)

	// Terminal sessions refuse further transitions.
	err = svc.Stop(ctx, session.ID)
	require.ErrorIs(t, err, db.ErrSessionTerminal)
}

func TestCancelFinalizesAsCancelled(t *testing.T) {
	store := newTestStore(t)
	svc := newLocalService(t, store)
	ctx := context.Background()

	session, err := svc.Start(ctx, "short", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, session.ID))

	stored, err := store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaptureCancelled, stored.Status)
}

func TestAdapterFilter(t *testing.T) {
	store := newTestStore(t)
	svc := newLocalService(t, store)
	ctx := context.Background()

	session, err := svc.Start(ctx, "mqtt only", StartOptions{AdapterFilter: "mqtt"})
	require.NoError(t, err)

	pkt, frame, fragments := captureFrame()
	pkt.AdapterID = "serial"
	svc.HandleFrame(pkt, frame, fragments)

	stored, err := store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.PacketCount, "non-matching adapter is ignored")

	pkt.AdapterID = "mqtt"
	svc.HandleFrame(pkt, frame, fragments)

	stored, err = store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.PacketCount)
}

func TestMaxBytesTruncation(t *testing.T) {
	store := newTestStore(t)
	svc := newLocalService(t, store)
	ctx := context.Background()

	session, err := svc.Start(ctx, "tiny", StartOptions{MaxBytes: 1})
	require.NoError(t, err)

	pkt, frame, fragments := captureFrame()
	svc.HandleFrame(pkt, frame, fragments)

	stored, err := store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaptureCompleted, stored.Status)
	assert.Equal(t, true, stored.Notes["max_size_reached"])
	assert.Equal(t, int64(1), stored.PacketCount, "the triggering write is kept")

	// The writer is detached; further frames leave the session untouched.
	svc.HandleFrame(pkt, frame, fragments)

	stored, err = store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.PacketCount)
}

func TestOnDemandActivation(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()

	first := NewService(store, Config{Directory: dir}, nil)

	session, err := first.Start(context.Background(), "resumable", StartOptions{})
	require.NoError(t, err)

	// A fresh service instance has no writer attached for the persisted
	// RUNNING session and must activate it on demand.
	second := NewService(store, Config{Directory: dir}, nil)

	pkt, frame, fragments := captureFrame()
	second.HandleFrame(pkt, frame, fragments)

	stored, err := store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.PacketCount)
	assert.NotNil(t, second.lookupWriter(session.ID))
}

func TestStopAllAndDeleteAll(t *testing.T) {
	store := newTestStore(t)
	svc := newLocalService(t, store)
	ctx := context.Background()

	a, err := svc.Start(ctx, "one", StartOptions{})
	require.NoError(t, err)
	b, err := svc.Start(ctx, "two", StartOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.StopAll(ctx))

	for _, id := range []int64{a.ID, b.ID} {
		stored, err := store.GetCaptureSession(id)
		require.NoError(t, err)
		assert.Equal(t, models.CaptureCompleted, stored.Status)
	}

	require.NoError(t, svc.DeleteAll(ctx))

	sessions, err := store.ListCaptureSessions(nil)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	_, err = os.Stat(filepath.Join(svc.cfg.Directory, a.Filename))
	assert.ErrorIs(t, err, os.ErrNotExist, "delete removes the capture file")
}

func TestWorkerExecute(t *testing.T) {
	store := newTestStore(t)
	svc := newLocalService(t, store)
	worker := NewWorker(svc)
	ctx := context.Background()

	session, err := svc.Start(ctx, "dispatched", StartOptions{})
	require.NoError(t, err)

	body, err := json.Marshal(&Request{Command: CommandStop, SessionID: session.ID})
	require.NoError(t, err)

	resp, err := worker.Execute(ctx, body)
	require.NoError(t, err)
	assert.True(t, resp.OK)

	stored, err := store.GetCaptureSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaptureCompleted, stored.Status)

	// A second stop is an execution failure, reported inside the response.
	resp, err = worker.Execute(ctx, body)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)

	_, err = worker.Execute(ctx, []byte(`{"command":"reboot"}`))
	require.ErrorIs(t, err, errUnknownCommand)
}

type fakeDispatcher struct {
	send func(ctx context.Context, req *Request) (*Response, error)
}

func (f *fakeDispatcher) Send(ctx context.Context, req *Request) (*Response, error) {
	return f.send(ctx, req)
}

func TestStartDispatchTimeout(t *testing.T) {
	store := newTestStore(t)

	dispatcher := &fakeDispatcher{
		send: func(ctx context.Context, _ *Request) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	svc := NewService(store, Config{Directory: t.TempDir(), DispatchTimeout: 20 * time.Millisecond}, dispatcher)

	_, err := svc.Start(context.Background(), "slow worker", StartOptions{})
	require.ErrorIs(t, err, errDispatchTimeout)

	sessions, err := store.ListCaptureSessions(nil)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.CaptureError, sessions[0].Status)
}

func TestStartDispatchExecutionFailure(t *testing.T) {
	store := newTestStore(t)

	dispatcher := &fakeDispatcher{
		send: func(_ context.Context, _ *Request) (*Response, error) {
			return &Response{Error: "no disk"}, nil
		},
	}

	svc := NewService(store, Config{Directory: t.TempDir()}, dispatcher)

	_, err := svc.Start(context.Background(), "full worker", StartOptions{})
	require.ErrorIs(t, err, errActivationFailed)
	assert.Contains(t, err.Error(), "no disk")

	sessions, err := store.ListCaptureSessions(nil)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.CaptureError, sessions[0].Status)
}

func TestWriteFailureIsolatedPerSession(t *testing.T) {
	store := newTestStore(t)
	svc := newLocalService(t, store)
	ctx := context.Background()

	healthy, err := svc.Start(ctx, "healthy", StartOptions{})
	require.NoError(t, err)
	broken, err := svc.Start(ctx, "broken", StartOptions{})
	require.NoError(t, err)

	// Close the broken session's writer underneath the service so its next
	// write fails.
	require.NoError(t, svc.lookupWriter(broken.ID).Close())

	pkt, frame, fragments := captureFrame()
	svc.HandleFrame(pkt, frame, fragments)

	stored, err := store.GetCaptureSession(broken.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaptureError, stored.Status)

	stored, err = store.GetCaptureSession(healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CaptureRunning, stored.Status)
	assert.Equal(t, int64(1), stored.PacketCount)
}
