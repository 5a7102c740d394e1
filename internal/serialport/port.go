// Package serialport owns the connection to the serial device: open, blocking
// chunk reads, idempotent close, and enumeration of present devices.
package serialport

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Open/read failures, classified so the API layer can surface a stable code
// instead of a platform-specific message.
var (
	ErrInvalidBaud        = errors.New("unsupported baud rate")
	ErrDeviceNotFound     = errors.New("serial device not found")
	ErrDeviceBusy         = errors.New("serial device busy")
	ErrDeviceDisconnected = errors.New("serial device disconnected")
	ErrPortClosed         = errors.New("serial port closed")
)

// supportedBauds mirrors the rate selector of the original monitor.
var supportedBauds = map[int]struct{}{
	300: {}, 600: {}, 1200: {}, 2400: {}, 4800: {}, 9600: {},
	14400: {}, 19200: {}, 38400: {}, 57600: {}, 115200: {},
	230400: {}, 250000: {}, 500000: {}, 1000000: {}, 2000000: {},
	3000000: {}, 4000000: {},
}

// DefaultBaud is the rate preselected in the UI.
const DefaultBaud = 115200

// SupportedBauds returns the allowed baud rates in ascending order.
func SupportedBauds() []int {
	bauds := make([]int, 0, len(supportedBauds))
	for b := range supportedBauds {
		bauds = append(bauds, b)
	}
	sort.Ints(bauds)
	return bauds
}

// ValidBaud reports whether b is one of the supported rates.
func ValidBaud(b int) bool {
	_, ok := supportedBauds[b]
	return ok
}

// Config holds the parameters for opening a port. Immutable once a session
// starts; changing device or baud requires a new session.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration // upper bound on how long a read may block
}

// Port is a claimed serial device. Reads block until bytes arrive, the
// configured timeout elapses (n == 0, err == nil), or the port closes.
type Port interface {
	ReadChunk(buf []byte) (int, error)
	Close() error
}

// Open claims the device described by cfg. The baud rate is validated before
// the OS open is attempted so an unsupported rate never reaches the driver.
func Open(cfg Config) (Port, error) {
	if !ValidBaud(cfg.Baud) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBaud, cfg.Baud)
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("%w: no device given", ErrDeviceNotFound)
	}

	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, classifyOpenError(cfg.Device, err)
	}

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Device, err)
	}

	return &devicePort{port: p, device: cfg.Device}, nil
}

// List enumerates serial devices currently present on the system. The order
// is platform-dependent and not stable across calls.
func List() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerating serial ports: %w", err)
	}
	return ports, nil
}

func classifyOpenError(device string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortBusy:
			return fmt.Errorf("%w: %s", ErrDeviceBusy, device)
		case serial.PortNotFound:
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
		case serial.InvalidSpeed:
			return fmt.Errorf("%w: %s", ErrInvalidBaud, device)
		case serial.PermissionDenied:
			return fmt.Errorf("%w: %s (permission denied)", ErrDeviceBusy, device)
		}
	}
	return fmt.Errorf("open %s: %w", device, err)
}

// devicePort wraps a go.bug.st/serial port with the error classification and
// idempotent close the session layer relies on.
type devicePort struct {
	port      serial.Port
	device    string
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (d *devicePort) ReadChunk(buf []byte) (int, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, ErrPortClosed
	}

	n, err := d.port.Read(buf)
	if err == nil {
		// n == 0 means the read timeout elapsed with no data.
		return n, nil
	}

	d.mu.Lock()
	closed = d.closed
	d.mu.Unlock()
	if closed {
		return n, ErrPortClosed
	}

	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return n, ErrPortClosed
	}
	// Any other mid-read failure means the device went away underneath us.
	return n, fmt.Errorf("%w: %s: %v", ErrDeviceDisconnected, d.device, err)
}

// Close releases the device. Safe to call multiple times; it never requires a
// device round-trip, so it works even when the device is already unplugged.
func (d *devicePort) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		err = d.port.Close()
	})
	return err
}
