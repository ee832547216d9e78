package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meshsight/meshsight/pkg/db"
	"github.com/meshsight/meshsight/pkg/decode"
	"github.com/meshsight/meshsight/pkg/models"
)

const defaultDispatchTimeout = 10 * time.Second

// Config controls where capture files land and how worker delegation
// behaves.
type Config struct {
	Directory       string        `json:"directory"`
	DefaultMaxBytes int64         `json:"default_max_bytes,omitempty"`
	DispatchTimeout time.Duration `json:"-"`
}

// StartOptions tunes one session at start time.
type StartOptions struct {
	MaxBytes      int64
	AdapterFilter string
}

// Service manages capture sessions. With a Dispatcher it delegates writer
// ownership to a worker process; without one it owns the writers itself.
//
// The writer table mutex guards only map manipulation. File writes and
// dispatch calls happen outside it.
type Service struct {
	store      db.Service
	cfg        Config
	dispatcher Dispatcher

	mu      sync.Mutex
	writers map[int64]*Writer
}

// NewService returns a Service. dispatcher may be nil for same-process
// writer ownership.
func NewService(store db.Service, cfg Config, dispatcher Dispatcher) *Service {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}

	return &Service{
		store:      store,
		cfg:        cfg,
		dispatcher: dispatcher,
		writers:    make(map[int64]*Writer),
	}
}

// Start creates a RUNNING session and attaches its writer, locally or via
// the worker. Activation failure rolls the session to ERROR.
func (s *Service) Start(ctx context.Context, name string, opts StartOptions) (*models.CaptureSession, error) {
	now := time.Now().UTC()

	maxBytes := opts.MaxBytes
	if maxBytes == 0 {
		maxBytes = s.cfg.DefaultMaxBytes
	}

	session := &models.CaptureSession{
		Name:          name,
		Filename:      uniqueFilename(s.cfg.Directory, now, slugify(name)),
		Status:        models.CaptureRunning,
		AdapterFilter: opts.AdapterFilter,
		StartedAt:     now,
		MaxBytes:      maxBytes,
	}

	id, err := s.store.CreateCaptureSession(session)
	if err != nil {
		return nil, err
	}

	session.ID = id

	if s.dispatcher == nil {
		err = s.ActivateLocal(id)
	} else {
		err = s.dispatch(ctx, &Request{Command: CommandActivate, SessionID: id})
	}

	if err != nil {
		if ferr := s.store.FinishCaptureSession(id, models.CaptureError, err.Error(), nil); ferr != nil {
			log.Printf("Failed to mark session %d errored: %v", id, ferr)
		}

		return nil, err
	}

	log.Printf("Started capture session %d (%s)", id, session.Filename)

	return session, nil
}

// ActivateLocal opens the writer for a persisted RUNNING session in this
// process. Idempotent for already-attached sessions.
func (s *Service) ActivateLocal(sessionID int64) error {
	session, err := s.store.GetCaptureSession(sessionID)
	if err != nil {
		return err
	}

	if session.Status != models.CaptureRunning {
		return fmt.Errorf("%w: session %d is %s", db.ErrSessionTerminal, sessionID, session.Status)
	}

	s.mu.Lock()

	if _, ok := s.writers[sessionID]; ok {
		s.mu.Unlock()
		return nil
	}

	s.mu.Unlock()

	w, err := NewWriter(filepath.Join(s.cfg.Directory, session.Filename))
	if err != nil {
		return fmt.Errorf("%w: %w", errActivationFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.writers[sessionID]; ok {
		// lost the race to another activation
		_ = w.Close()
		return nil
	}

	s.writers[sessionID] = w

	return nil
}

// Stop finalizes a session as COMPLETED.
func (s *Service) Stop(ctx context.Context, sessionID int64) error {
	return s.finalize(ctx, sessionID, CommandStop, models.CaptureCompleted, "", nil)
}

// Cancel finalizes a session as CANCELLED.
func (s *Service) Cancel(ctx context.Context, sessionID int64) error {
	return s.finalize(ctx, sessionID, CommandCancel, models.CaptureCancelled, "", nil)
}

// finalize closes the writer first (locally or via the worker), then moves
// the session row to its terminal status.
func (s *Service) finalize(ctx context.Context, sessionID int64, cmd Command, status models.CaptureStatus, errText string, notes map[string]any) error {
	if w := s.detachWriter(sessionID); w != nil {
		if err := w.Close(); err != nil {
			log.Printf("Failed to close writer for session %d: %v", sessionID, err)
		}

		return s.store.FinishCaptureSession(sessionID, status, errText, notes)
	}

	if s.dispatcher != nil {
		return s.dispatch(ctx, &Request{Command: cmd, SessionID: sessionID})
	}

	// No writer attached anywhere; fix up the row alone.
	return s.store.FinishCaptureSession(sessionID, status, errText, notes)
}

// Delete removes a session, finalizing it first when still running, along
// with its capture file. In worker mode the whole operation runs on the
// worker, which owns both the writer and the file.
func (s *Service) Delete(ctx context.Context, sessionID int64) error {
	session, err := s.store.GetCaptureSession(sessionID)
	if err != nil {
		return err
	}

	if s.dispatcher != nil && s.lookupWriter(sessionID) == nil {
		return s.dispatch(ctx, &Request{Command: CommandDelete, SessionID: sessionID})
	}

	if session.Status == models.CaptureRunning {
		if w := s.detachWriter(sessionID); w != nil {
			_ = w.Close()
		}

		if err := s.store.FinishCaptureSession(sessionID, models.CaptureCancelled, "", nil); err != nil {
			return err
		}
	}

	if session.Filename != "" {
		path := filepath.Join(s.cfg.Directory, session.Filename)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Failed to remove capture file %s: %v", path, err)
		}
	}

	return s.store.DeleteCaptureSession(sessionID)
}

// StopAll finalizes every RUNNING session. Per-session failures are
// collected, not short-circuited.
func (s *Service) StopAll(ctx context.Context) error {
	return s.forEachRunning(func(id int64) error { return s.Stop(ctx, id) })
}

// DeleteAll deletes every session, running ones included.
func (s *Service) DeleteAll(ctx context.Context) error {
	sessions, err := s.store.ListCaptureSessions(nil)
	if err != nil {
		return err
	}

	var firstErr error

	for i := range sessions {
		if err := s.Delete(ctx, sessions[i].ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (s *Service) forEachRunning(fn func(id int64) error) error {
	running := models.CaptureRunning

	sessions, err := s.store.ListCaptureSessions(&running)
	if err != nil {
		return err
	}

	var firstErr error

	for i := range sessions {
		if err := fn(sessions[i].ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// HandleFrame fans one received frame out to every matching RUNNING
// session: the raw frame on the first interface, each decoded fragment on
// the second. A write failure affects only its own session.
func (s *Service) HandleFrame(pkt *models.Packet, frame []byte, fragments []decode.Decoded) {
	if s.dispatcher != nil {
		// writer ownership lives in the worker process
		return
	}

	running := models.CaptureRunning

	sessions, err := s.store.ListCaptureSessions(&running)
	if err != nil {
		log.Printf("Failed to list capture sessions: %v", err)
		return
	}

	for i := range sessions {
		session := &sessions[i]

		if session.AdapterFilter != "" && session.AdapterFilter != pkt.AdapterID {
			continue
		}

		w := s.lookupWriter(session.ID)
		if w == nil {
			if err := s.ActivateLocal(session.ID); err != nil {
				log.Printf("Failed to attach capture session %d: %v", session.ID, err)
				continue
			}

			w = s.lookupWriter(session.ID)
			if w == nil {
				continue
			}
		}

		s.writeSession(session, w, pkt, frame, fragments)
	}
}

func (s *Service) writeSession(session *models.CaptureSession, w *Writer, pkt *models.Packet, frame []byte, fragments []decode.Decoded) {
	before := w.BytesWritten()

	err := w.WritePacket(InterfaceRawFrame, pkt.Time, frame, "mesh.MeshPacket")

	for _, frag := range flattenFragments(fragments) {
		if err != nil {
			break
		}

		err = w.WritePacket(InterfaceAppData, pkt.Time, frag.Bytes, frag.TypeName)
	}

	if err != nil {
		s.failSession(session.ID, w, err)
		return
	}

	written := w.BytesWritten()

	if err := s.store.IncrementCaptureCounters(session.ID, 1, written-before); err != nil {
		log.Printf("Failed to bump counters for session %d: %v", session.ID, err)
	}

	if session.MaxBytes > 0 && written >= session.MaxBytes {
		s.truncateSession(session.ID, w)
	}
}

func (s *Service) failSession(sessionID int64, w *Writer, writeErr error) {
	log.Printf("Capture write failed for session %d: %v", sessionID, writeErr)

	s.detachWriter(sessionID)
	_ = w.Close()

	err := s.store.FinishCaptureSession(sessionID, models.CaptureError,
		fmt.Errorf("%w: %w", errWriteFailed, writeErr).Error(), nil)
	if err != nil {
		log.Printf("Failed to mark session %d errored: %v", sessionID, err)
	}
}

func (s *Service) truncateSession(sessionID int64, w *Writer) {
	log.Printf("Capture session %d reached its size limit", sessionID)

	s.detachWriter(sessionID)

	if err := w.Close(); err != nil {
		log.Printf("Failed to close writer for session %d: %v", sessionID, err)
	}

	err := s.store.FinishCaptureSession(sessionID, models.CaptureCompleted, "",
		map[string]any{"max_size_reached": true})
	if err != nil {
		log.Printf("Failed to complete session %d: %v", sessionID, err)
	}
}

func (s *Service) lookupWriter(sessionID int64) *Writer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.writers[sessionID]
}

func (s *Service) detachWriter(sessionID int64) *Writer {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.writers[sessionID]
	delete(s.writers, sessionID)

	return w
}

// dispatch sends one command to the worker under the configured timeout. A
// deadline hit and a worker-side failure are distinct errors.
func (s *Service) dispatch(ctx context.Context, req *Request) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	resp, err := s.dispatcher.Send(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", errDispatchTimeout, req.Command)
		}

		return err
	}

	if !resp.OK {
		return fmt.Errorf("%w: %s: %s", errActivationFailed, req.Command, resp.Error)
	}

	return nil
}

// flattenFragments walks fragment trees depth first, parents before
// children.
func flattenFragments(fragments []decode.Decoded) []decode.Decoded {
	var out []decode.Decoded

	for i := range fragments {
		out = append(out, fragments[i])

		if len(fragments[i].Children) > 0 {
			out = append(out, flattenFragments(fragments[i].Children)...)
		}
	}

	return out
}

// slugify reduces a session name to filename-safe characters.
func slugify(name string) string {
	var b strings.Builder

	lastDash := true

	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)

			lastDash = false
		case !lastDash:
			b.WriteByte('-')

			lastDash = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "capture"
	}

	return slug
}

// uniqueFilename builds {timestamp}-{slug}.pcapng, appending -N until the
// name is free.
func uniqueFilename(dir string, ts time.Time, slug string) string {
	base := fmt.Sprintf("%s-%s", ts.Format("20060102-150405"), slug)

	for n := 0; ; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s-%d", base, n)
		}

		name += ".pcapng"

		if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, os.ErrNotExist) {
			return name
		}
	}
}
