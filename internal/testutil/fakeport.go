// fakeport.go - Fake serial port implementation for testing
package testutil

import (
	"sync"
	"time"

	"github.com/esp-monitor/backend/internal/serialport"
)

// FakePort implements serialport.Port against in-memory channels so session
// and API tests can run without a device. Feed queues a chunk for the next
// read; Fail makes the next read return an error, simulating a disconnect.
type FakePort struct {
	data      chan []byte
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// NewFakePort creates a fake port ready for reads.
func NewFakePort() *FakePort {
	return &FakePort{
		data: make(chan []byte, 64),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// Feed queues one chunk. Chunks must fit the reader's buffer (4 KiB default).
func (p *FakePort) Feed(b []byte) {
	p.data <- b
}

// FeedString queues a string chunk.
func (p *FakePort) FeedString(s string) {
	p.Feed([]byte(s))
}

// Fail makes the next read return err, as an unplugged device would.
func (p *FakePort) Fail(err error) {
	p.errs <- err
}

// ReadChunk returns the next queued chunk, a queued error, or (0, nil) after
// a short timeout, mirroring the real port's read-timeout behavior.
func (p *FakePort) ReadChunk(buf []byte) (int, error) {
	select {
	case <-p.done:
		return 0, serialport.ErrPortClosed
	default:
	}

	select {
	case b := <-p.data:
		return copy(buf, b), nil
	case err := <-p.errs:
		return 0, err
	case <-p.done:
		return 0, serialport.ErrPortClosed
	case <-time.After(20 * time.Millisecond):
		return 0, nil
	}
}

// Close is idempotent and unblocks a pending ReadChunk.
func (p *FakePort) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}

// Closed reports whether Close has been called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Open returns a serialport open function that always hands out this port.
func (p *FakePort) Open() func(serialport.Config) (serialport.Port, error) {
	return func(serialport.Config) (serialport.Port, error) {
		return p, nil
	}
}
