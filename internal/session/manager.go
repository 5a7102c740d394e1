// Package session ties a port session to the capture router: Start opens the
// device and begins consuming, Stop closes it. One session is active at a
// time; sessions are never reused after they stop.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/esp-monitor/backend/internal/capture"
	"github.com/esp-monitor/backend/internal/models"
	"github.com/esp-monitor/backend/internal/serialport"
	"github.com/google/uuid"
)

var (
	// ErrSessionActive is returned by Start while a capture is running.
	ErrSessionActive = errors.New("a capture session is already active")
	// ErrNoSession is returned by Stop when nothing was ever started.
	ErrNoSession = errors.New("no capture session")
)

// MaxPastSessions bounds the retained session history.
const MaxPastSessions = 20

// stopWait bounds how long Stop waits for the read loop to drain after the
// port is closed. The port read timeout guarantees the loop notices well
// within this.
const stopWait = 5 * time.Second

// OpenFunc opens a serial port. Injectable so tests can supply a fake device.
type OpenFunc func(serialport.Config) (serialport.Port, error)

// Options configure the manager.
type Options struct {
	Open        OpenFunc      // defaults to serialport.Open
	ReadTimeout time.Duration // per-read block bound passed to the port
	ChunkSize   int           // device read buffer size
}

// Manager owns the capture session lifecycle.
type Manager struct {
	router *capture.Router
	open   OpenFunc
	opts   Options

	mu      sync.RWMutex
	active  *activeCapture
	current *models.CaptureSession
	past    []*models.CaptureSession
}

type activeCapture struct {
	reader *serialport.Reader
	done   chan struct{}
}

// NewManager creates a manager feeding the given router.
func NewManager(router *capture.Router, opts Options) *Manager {
	open := opts.Open
	if open == nil {
		open = serialport.Open
	}
	return &Manager{router: router, open: open, opts: opts}
}

// Start opens the device and begins capturing. The config is immutable for
// the session's lifetime; changing device or baud means Stop then Start.
func (m *Manager) Start(device string, baud int) (*models.CaptureSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrSessionActive
	}

	port, err := m.open(serialport.Config{
		Device:      device,
		Baud:        baud,
		ReadTimeout: m.opts.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}

	sess := models.NewCaptureSession(uuid.New().String(), device, baud)
	reader := serialport.NewReader(port, m.opts.ChunkSize)
	ac := &activeCapture{reader: reader, done: make(chan struct{})}

	m.current = sess
	m.active = ac
	m.router.BindSession(sess.ID)

	reader.Start()
	go m.consume(sess.ID, ac)

	fmt.Printf("[Session %s] Capturing %s @ %d baud\n", sess.ID[:8], device, baud)
	m.router.EmitStatus(snapshotSession(sess))
	return snapshotSession(sess), nil
}

// consume is the single consumer of the reader's chunk channel. It exits when
// the channel closes, either from Stop or from a device failure.
func (m *Manager) consume(sessionID string, ac *activeCapture) {
	defer close(ac.done)

	for chunk := range ac.reader.Chunks() {
		m.router.OnChunk(chunk)
	}
	// Unconditional: a trailing unterminated line belongs to this session,
	// not the next one. Runs before finalize so it archives under this ID.
	m.router.FlushPartial()
	m.finalize(sessionID, ac.reader.Err())
}

func (m *Manager) finalize(sessionID string, readErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.ID != sessionID {
		return
	}

	now := time.Now()
	m.current.StoppedAt = &now
	m.current.DebugLines, m.current.LogLines = m.router.Counts()
	if readErr != nil {
		m.current.Status = models.SessionStatusError
		m.current.Error = readErr.Error()
		fmt.Printf("[Session %s] Read failed: %v\n", sessionID[:8], readErr)
	} else {
		m.current.Status = models.SessionStatusStopped
		fmt.Printf("[Session %s] Stopped\n", sessionID[:8])
	}

	m.router.BindSession("")
	m.active = nil

	m.past = append(m.past, m.current)
	if len(m.past) > MaxPastSessions {
		m.past = m.past[len(m.past)-MaxPastSessions:]
	}

	m.router.EmitStatus(snapshotSession(m.current))
}

// Stop ends the active session. Idempotent in effect: stopping when nothing
// is running returns the last session's final state. Stop never waits on the
// device itself, so it completes even when the device is unplugged.
func (m *Manager) Stop() (*models.CaptureSession, error) {
	m.mu.Lock()
	ac := m.active
	cur := m.current
	m.mu.Unlock()

	if cur == nil {
		return nil, ErrNoSession
	}
	if ac == nil {
		return snapshotSession(cur), nil
	}

	ac.reader.Stop()
	select {
	case <-ac.done:
	case <-time.After(stopWait):
		fmt.Printf("[Session %s] Stop timed out waiting for reader drain\n", cur.ID[:8])
	}

	return m.Status(), nil
}

// Status returns a copy of the most recent session, or nil if none started.
func (m *Manager) Status() *models.CaptureSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	sess := snapshotSession(m.current)
	if m.active != nil {
		// Live counts for the UI while capturing.
		sess.DebugLines, sess.LogLines = m.router.Counts()
	}
	return sess
}

// Capturing reports whether a session is currently consuming.
func (m *Manager) Capturing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active != nil
}

// Past returns finished sessions, oldest first.
func (m *Manager) Past() []*models.CaptureSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.CaptureSession, len(m.past))
	for i, s := range m.past {
		out[i] = snapshotSession(s)
	}
	return out
}

// RunPartialFlusher periodically flushes a stale unterminated line so it
// still renders. Blocks until stop closes; run it from a goroutine.
func (m *Manager) RunPartialFlusher(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.Capturing() {
				m.router.FlushStale()
			}
		case <-stop:
			return
		}
	}
}

func snapshotSession(s *models.CaptureSession) *models.CaptureSession {
	copied := *s
	return &copied
}
