// Package db pkg/db/capture.go: capture session rows.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meshsight/meshsight/pkg/models"
)

// CreateCaptureSession stores a new RUNNING session row.
func (db *DB) CreateCaptureSession(s *models.CaptureSession) (int64, error) {
	notes, err := marshalNotes(s.Notes)
	if err != nil {
		return 0, err
	}

	status := s.Status
	if status == "" {
		status = models.CaptureRunning
	}

	res, err := db.Exec(`INSERT INTO capture_sessions
		(name, filename, status, adapter_filter, started_at, packet_count, byte_count, max_bytes, error, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.Filename, status, s.AdapterFilter, s.StartedAt, s.PacketCount, s.ByteCount,
		s.MaxBytes, s.ErrorText, notes)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFailedToInsert, err)
	}

	return res.LastInsertId()
}

func marshalNotes(notes map[string]any) (string, error) {
	if notes == nil {
		return "{}", nil
	}

	b, err := json.Marshal(notes)
	if err != nil {
		return "", fmt.Errorf("%w: notes: %w", ErrFailedToInsert, err)
	}

	return string(b), nil
}

const sessionColumns = `id, name, filename, status, adapter_filter, started_at, ended_at,
	packet_count, byte_count, max_bytes, error, notes`

func scanSession(row rowScanner) (*models.CaptureSession, error) {
	var (
		s     models.CaptureSession
		ended sql.NullTime
		notes string
	)

	err := row.Scan(&s.ID, &s.Name, &s.Filename, &s.Status, &s.AdapterFilter, &s.StartedAt, &ended,
		&s.PacketCount, &s.ByteCount, &s.MaxBytes, &s.ErrorText, &notes)
	if err != nil {
		return nil, err
	}

	if ended.Valid {
		s.EndedAt = &ended.Time
	}

	if notes != "" && notes != "{}" {
		if err := json.Unmarshal([]byte(notes), &s.Notes); err != nil {
			return nil, err
		}
	}

	return &s, nil
}

// GetCaptureSession fetches one session row.
func (db *DB) GetCaptureSession(id int64) (*models.CaptureSession, error) {
	row := db.QueryRow(`SELECT `+sessionColumns+` FROM capture_sessions WHERE id = ?`, id)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: capture session %d", ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
	}

	return s, nil
}

// ListCaptureSessions returns sessions, optionally filtered by status.
func (db *DB) ListCaptureSessions(status *models.CaptureStatus) ([]models.CaptureSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM capture_sessions ORDER BY id`

	var args []any

	if status != nil {
		query = `SELECT ` + sessionColumns + ` FROM capture_sessions WHERE status = ? ORDER BY id`
		args = append(args, *status)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []models.CaptureSession

	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToScan, err)
		}

		out = append(out, *s)
	}

	return out, rows.Err()
}

// IncrementCaptureCounters bumps the packet and byte counters of a running
// session in one statement. Terminal sessions are left untouched.
func (db *DB) IncrementCaptureCounters(id, deltaPackets, deltaBytes int64) error {
	_, err := db.Exec(`UPDATE capture_sessions
		SET packet_count = packet_count + ?, byte_count = byte_count + ?
		WHERE id = ? AND status = ?`,
		deltaPackets, deltaBytes, id, models.CaptureRunning)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	return nil
}

// FinishCaptureSession moves a running session to a terminal status. A
// session already finished returns ErrSessionTerminal.
func (db *DB) FinishCaptureSession(id int64, status models.CaptureStatus, errText string, notes map[string]any) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not terminal", ErrFailedToUpdate, status)
	}

	existing, err := db.GetCaptureSession(id)
	if err != nil {
		return err
	}

	merged := existing.Notes
	if merged == nil {
		merged = map[string]any{}
	}

	for k, v := range notes {
		merged[k] = v
	}

	notesJSON, err := marshalNotes(merged)
	if err != nil {
		return err
	}

	res, err := db.Exec(`UPDATE capture_sessions
		SET status = ?, error = ?, notes = ?, ended_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`,
		status, errText, notesJSON, id, models.CaptureRunning)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToUpdate, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: session %d", ErrSessionTerminal, id)
	}

	return nil
}

// DeleteCaptureSession removes one session row.
func (db *DB) DeleteCaptureSession(id int64) error {
	_, err := db.Exec(`DELETE FROM capture_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToDelete, err)
	}

	return nil
}
