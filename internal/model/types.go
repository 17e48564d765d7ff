package model

import "time"

// PlaceholderTime labels the empty slots a window is pre-filled with.
const PlaceholderTime = "--:--"

type Reading struct {
	Time string   `json:"time"`
	BPM  *float64 `json:"bpm"`
}

func NewReading(ts string, bpm float64) Reading {
	return Reading{Time: ts, BPM: &bpm}
}

func Placeholder() Reading {
	return Reading{Time: PlaceholderTime}
}

// Value returns the bpm, or 0 and false for a placeholder.
func (r Reading) Value() (float64, bool) {
	if r.BPM == nil {
		return 0, false
	}
	return *r.BPM, true
}

type Stats struct {
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Avg        int     `json:"avg"`
	AlertCount int     `json:"alertCount"`
}

type AlertKind string

const (
	AlertBradycardia  AlertKind = "bradycardia"
	AlertTachycardia  AlertKind = "tachycardia"
	AlertSuddenChange AlertKind = "sudden_change"
)

type Alert struct {
	Kind    AlertKind `json:"kind"`
	Message string    `json:"message"`
	Time    string    `json:"time"`
}

type EventKind string

const (
	EventOpen           EventKind = "open"
	EventInitialReading EventKind = "initial_reading"
	EventNewReading     EventKind = "new_reading"
	EventError          EventKind = "error"
	EventClosed         EventKind = "closed"
)

// StreamEvent is one delivery from a transport. Payload is whatever the
// transport could make of the wire bytes: a decoded object, a string or raw bytes.
type StreamEvent struct {
	Kind     EventKind `json:"kind"`
	Payload  any       `json:"payload,omitempty"`
	Err      error     `json:"-"`
	Received time.Time `json:"received"`
}

type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosed     ConnState = "closed"
	ConnErrored    ConnState = "errored"
)

// Snapshot is the view handed to the rendering layer.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	// Seq grows with every change of one session's view.
	Seq       uint64    `json:"seq"`
	State     ConnState `json:"state"`
	Window    []Reading `json:"window"`
	Stats     Stats     `json:"stats"`
	Alert     *Alert    `json:"alert"`
	HasData   bool      `json:"has_data"`
	Loading   bool      `json:"loading"`
	Error     string    `json:"error,omitempty"`
}
