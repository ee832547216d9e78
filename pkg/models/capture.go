package models

import "time"

// CaptureStatus is the lifecycle state of a capture session. RUNNING is the
// only non-terminal state; the others never transition again.
type CaptureStatus string

const (
	CaptureRunning   CaptureStatus = "RUNNING"
	CaptureCompleted CaptureStatus = "COMPLETED"
	CaptureError     CaptureStatus = "ERROR"
	CaptureCancelled CaptureStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s CaptureStatus) Terminal() bool {
	return s != CaptureRunning
}

// CaptureSession is a single pcapng recording of mesh traffic.
type CaptureSession struct {
	ID       int64         `json:"id"`
	Name     string        `json:"name"`
	Filename string        `json:"filename"`
	Status   CaptureStatus `json:"status"`

	// AdapterFilter limits the session to frames from one transport
	// adapter; empty matches everything.
	AdapterFilter string `json:"adapter_filter,omitempty"`

	StartedAt   time.Time      `json:"started_at"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	PacketCount int64          `json:"packet_count"`
	ByteCount   int64          `json:"byte_count"`
	MaxBytes    int64          `json:"max_bytes,omitempty"`
	ErrorText   string         `json:"error,omitempty"`
	Notes       map[string]any `json:"notes,omitempty"`
}
