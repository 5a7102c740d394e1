package models

import "time"

// OriginTag classifies which pane a captured line belongs to.
type OriginTag string

const (
	TagDebug OriginTag = "debug"
	TagLog   OriginTag = "log"
)

// Severity is a display hint derived from the line content. It only drives
// coloring in the frontend and has no routing effect.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityDebug   Severity = "debug"
	SeverityVerbose Severity = "verbose"
	SeverityDefault Severity = "default"
)

// LineRecord is one captured line. Records are immutable after creation;
// Stamped reflects the timestamp toggle at capture time and is never changed
// retroactively.
type LineRecord struct {
	Seq        uint64    `json:"seq" msgpack:"seq"`
	Text       string    `json:"text" msgpack:"text"`
	Tag        OriginTag `json:"tag" msgpack:"tag"`
	Severity   Severity  `json:"severity" msgpack:"severity"`
	CapturedAt time.Time `json:"capturedAt" msgpack:"capturedAt"`
	Stamped    bool      `json:"stamped" msgpack:"stamped"`
}

// DisplayText returns the line as it is written to saved files:
// "[HH:MM:SS] <text>" when the record was captured with timestamps on,
// the bare text otherwise.
func (r LineRecord) DisplayText() string {
	if !r.Stamped {
		return r.Text
	}
	return "[" + r.CapturedAt.Format("15:04:05") + "] " + r.Text
}
