package serialport

import (
	"errors"
	"sync"
)

// Reader pumps byte chunks from a Port into a channel. It is the single
// producer for a capture session: chunks arrive on Chunks() in receive order,
// and the channel closes when the port closes or the device disconnects.
type Reader struct {
	port      Port
	chunkSize int
	chunks    chan []byte
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewReader creates a reader for an open port. chunkSize bounds a single
// device read; 0 picks a sensible default.
func NewReader(port Port, chunkSize int) *Reader {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return &Reader{
		port:      port,
		chunkSize: chunkSize,
		chunks:    make(chan []byte, 64),
		done:      make(chan struct{}),
	}
}

// Chunks returns the channel of received byte chunks. It is closed when the
// reader stops for any reason; check Err afterwards.
func (r *Reader) Chunks() <-chan []byte {
	return r.chunks
}

// Start launches the read loop. Calling Start more than once is a no-op.
func (r *Reader) Start() {
	r.startOnce.Do(func() {
		go r.loop()
	})
}

func (r *Reader) loop() {
	defer close(r.chunks)

	buf := make([]byte, r.chunkSize)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, err := r.port.ReadChunk(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case r.chunks <- chunk:
			case <-r.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, ErrPortClosed) {
				r.mu.Lock()
				r.err = err
				r.mu.Unlock()
			}
			return
		}
	}
}

// Stop closes the port, which unblocks a pending read, and ends the loop.
// Idempotent. Stop never waits on the device itself, so it works even when
// the device is physically gone.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.port.Close()
	})
}

// Err returns the terminal read error, if any, once Chunks has closed.
// A nil result means the reader stopped because of a local Stop.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
