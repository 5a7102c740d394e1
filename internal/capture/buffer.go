package capture

import (
	"sync"

	"github.com/esp-monitor/backend/internal/models"
)

// Buffer is the ordered record sequence behind one pane. It has a single
// writer (the Router); the API layer and save path only ever read snapshots,
// so a concurrent reader observes either the pre- or post-append state, never
// a half-appended record.
type Buffer struct {
	mu       sync.RWMutex
	tag      models.OriginTag
	records  []models.LineRecord
	maxLines int
	dropped  uint64
}

// NewBuffer creates a buffer for one pane. maxLines bounds retention; once
// exceeded the oldest records are dropped. 0 means a 50k-line default.
func NewBuffer(tag models.OriginTag, maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = 50000
	}
	return &Buffer{tag: tag, maxLines: maxLines}
}

// Tag returns the pane this buffer backs.
func (b *Buffer) Tag() models.OriginTag {
	return b.tag
}

func (b *Buffer) append(rec models.LineRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	if len(b.records) > b.maxLines {
		over := len(b.records) - b.maxLines
		b.records = append(b.records[:0:0], b.records[over:]...)
		b.dropped += uint64(over)
	}
}

// Snapshot returns a copy of the buffer contents in append order.
func (b *Buffer) Snapshot() []models.LineRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.LineRecord, len(b.records))
	copy(out, b.records)
	return out
}

// SnapshotSince returns records with Seq greater than seq, for incremental
// frontend fetches after a reconnect.
func (b *Buffer) SnapshotSince(seq uint64) []models.LineRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i := 0
	for i < len(b.records) && b.records[i].Seq <= seq {
		i++
	}
	out := make([]models.LineRecord, len(b.records)-i)
	copy(out, b.records[i:])
	return out
}

// Len returns the number of retained records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Dropped returns how many records retention has discarded.
func (b *Buffer) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Clear empties the buffer. Atomic from a reader's point of view: a snapshot
// taken concurrently sees either all records or none.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.dropped = 0
}
