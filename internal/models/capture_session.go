package models

import "time"

// SessionStatus represents the lifecycle state of a capture session.
type SessionStatus string

const (
	SessionStatusCapturing SessionStatus = "capturing"
	SessionStatusStopped   SessionStatus = "stopped"
	SessionStatusError     SessionStatus = "error"
)

// CaptureSession represents one open-to-close run against a serial device.
// A session is never reused: Stop (or a disconnect) is terminal and a new
// Start creates a new session.
type CaptureSession struct {
	ID         string        `json:"id"`
	Device     string        `json:"device"`
	Baud       int           `json:"baud"`
	Status     SessionStatus `json:"status"`
	StartedAt  time.Time     `json:"startedAt"`
	StoppedAt  *time.Time    `json:"stoppedAt,omitempty"`
	DebugLines int           `json:"debugLines"`
	LogLines   int           `json:"logLines"`
	Error      string        `json:"error,omitempty"`
}

// NewCaptureSession creates a session in capturing state.
func NewCaptureSession(id, device string, baud int) *CaptureSession {
	return &CaptureSession{
		ID:        id,
		Device:    device,
		Baud:      baud,
		Status:    SessionStatusCapturing,
		StartedAt: time.Now(),
	}
}
