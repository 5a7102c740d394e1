// Package capture turns raw serial bytes into classified, bufferable text
// records and fans appended records out to live observers.
package capture

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/esp-monitor/backend/internal/models"
)

// Event types delivered to observers.
const (
	EventLine    = "line"
	EventCleared = "cleared"
	EventStatus  = "status"
)

// Event is one observer notification. Line events carry the appended record;
// cleared events name the emptied pane; status events carry the session.
type Event struct {
	Type    string                 `json:"type"`
	Record  *models.LineRecord     `json:"record,omitempty"`
	Tag     models.OriginTag       `json:"tag,omitempty"`
	Session *models.CaptureSession `json:"session,omitempty"`
}

// Archive receives every routed record for long-term storage. Append must not
// block the router for long; batching is the archive's concern.
type Archive interface {
	Append(sessionID string, rec models.LineRecord)
}

// Options tune the router's line assembly.
type Options struct {
	MaxBufferLines  int           // per-pane retention cap
	MaxPartialBytes int           // flush a terminator-less line beyond this size
	PartialMaxAge   time.Duration // flush a stale partial after this long
}

// Router is the capture router: it decodes chunks, splits them into lines,
// classifies each line, and appends it to the matching pane buffer. It is the
// single writer for both buffers. A Router outlives capture sessions; buffers
// persist across Stop/Start until explicitly cleared, matching the original
// monitor's behavior.
type Router struct {
	classifier *Classifier
	debug      *Buffer
	log        *Buffer
	archive    Archive

	mu           sync.Mutex
	seq          uint64
	partial      []byte
	partialSince time.Time
	stamped      bool
	sessionID    string

	maxPartial    int
	partialMaxAge time.Duration

	obsMu     sync.Mutex
	observers map[int]chan Event
	nextObsID int
}

// NewRouter creates a router with empty buffers. archive may be nil.
func NewRouter(classifier *Classifier, archive Archive, opts Options) *Router {
	if opts.MaxPartialBytes <= 0 {
		opts.MaxPartialBytes = 16 * 1024
	}
	if opts.PartialMaxAge <= 0 {
		opts.PartialMaxAge = 2 * time.Second
	}
	return &Router{
		classifier:    classifier,
		debug:         NewBuffer(models.TagDebug, opts.MaxBufferLines),
		log:           NewBuffer(models.TagLog, opts.MaxBufferLines),
		archive:       archive,
		maxPartial:    opts.MaxPartialBytes,
		partialMaxAge: opts.PartialMaxAge,
		observers:     make(map[int]chan Event),
	}
}

// Classifier returns the router's classifier, for rules inspection/reload.
func (r *Router) Classifier() *Classifier {
	return r.classifier
}

// Buffer returns the buffer for a pane, or nil for an unknown tag.
func (r *Router) Buffer(tag models.OriginTag) *Buffer {
	switch tag {
	case models.TagDebug:
		return r.debug
	case models.TagLog:
		return r.log
	}
	return nil
}

// Counts returns the retained line count per pane.
func (r *Router) Counts() (debug, log int) {
	return r.debug.Len(), r.log.Len()
}

// SetTimestamps toggles timestamping for records created from now on.
// Existing records are never restamped.
func (r *Router) SetTimestamps(on bool) {
	r.mu.Lock()
	r.stamped = on
	r.mu.Unlock()
}

// Timestamps reports the current toggle state.
func (r *Router) Timestamps() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stamped
}

// BindSession associates subsequently routed records with a capture session
// (for the archive). An empty id unbinds.
func (r *Router) BindSession(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// OnChunk ingests one chunk of raw bytes from the device. It never fails:
// malformed byte sequences become U+FFFD in the decoded text, and a line
// without a terminator is carried until the next chunk completes it or the
// partial bounds flush it.
func (r *Router) OnChunk(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.partial) == 0 {
		r.partialSince = time.Now()
	}
	r.partial = append(r.partial, chunk...)

	for {
		idx := bytes.IndexByte(r.partial, '\n')
		if idx < 0 {
			break
		}
		line := r.partial[:idx]
		r.partial = r.partial[idx+1:]
		r.emitLocked(decodeLine(line))
		r.partialSince = time.Now()
	}

	if len(r.partial) > r.maxPartial {
		r.emitLocked(decodeLine(r.partial))
		r.partial = nil
	}
}

// FlushStale emits the pending partial line as a record if it has been
// sitting without a terminator for longer than the configured age. Called
// periodically by the session layer so a final unterminated line still shows
// up.
func (r *Router) FlushStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.partial) == 0 {
		return
	}
	if time.Since(r.partialSince) < r.partialMaxAge {
		return
	}
	r.flushPartialLocked()
}

// FlushPartial emits the pending partial line regardless of age. Called when
// a session ends so trailing bytes never bleed into the next session's first
// line.
func (r *Router) FlushPartial() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushPartialLocked()
}

func (r *Router) flushPartialLocked() {
	if len(r.partial) == 0 {
		return
	}
	r.emitLocked(decodeLine(r.partial))
	r.partial = nil
}

// emitLocked turns one decoded line into a record. Caller holds r.mu.
func (r *Router) emitLocked(line string) {
	if line == "" {
		return
	}

	r.seq++
	rec := models.LineRecord{
		Seq:        r.seq,
		Text:       line,
		Tag:        r.classifier.Classify(line),
		Severity:   SeverityOf(line),
		CapturedAt: time.Now(),
		Stamped:    r.stamped,
	}

	r.Buffer(rec.Tag).append(rec)
	if r.archive != nil && r.sessionID != "" {
		r.archive.Append(r.sessionID, rec)
	}
	r.notify(Event{Type: EventLine, Record: &rec, Tag: rec.Tag})
}

// Clear empties one pane. The other pane and the sequence counter are
// untouched; capture continues into the emptied buffer.
func (r *Router) Clear(tag models.OriginTag) bool {
	buf := r.Buffer(tag)
	if buf == nil {
		return false
	}
	buf.Clear()
	r.notify(Event{Type: EventCleared, Tag: tag})
	return true
}

// EmitStatus pushes a session state change to observers.
func (r *Router) EmitStatus(sess *models.CaptureSession) {
	r.notify(Event{Type: EventStatus, Session: sess})
}

// Subscribe registers a live observer. Events arrive in append order per
// pane; a subscriber that falls behind has events dropped rather than
// stalling the router.
func (r *Router) Subscribe() (int, <-chan Event) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.nextObsID++
	id := r.nextObsID
	ch := make(chan Event, 256)
	r.observers[id] = ch
	return id, ch
}

// Unsubscribe removes an observer and closes its channel.
func (r *Router) Unsubscribe(id int) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	if ch, ok := r.observers[id]; ok {
		close(ch)
		delete(r.observers, id)
	}
}

func (r *Router) notify(ev Event) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	for _, ch := range r.observers {
		select {
		case ch <- ev:
		default:
			// Slow observer; drop rather than block the capture path.
		}
	}
}

// decodeLine strips a trailing CR and replaces invalid UTF-8 with U+FFFD so
// a bad byte never aborts the stream.
func decodeLine(raw []byte) string {
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		raw = raw[:n-1]
	}
	return strings.ToValidUTF8(string(raw), "�")
}
