package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hrwatch/internal/model"
)

// ErrDecode marks a string payload that is not valid JSON. The event is
// dropped; the stream stays up.
var ErrDecode = errors.New("decode reading payload")

type Outcome int

const (
	Accepted Outcome = iota
	// Discarded is an initial snapshot event that produced no reading.
	Discarded
	// Fallback is an unrecognized shape mapped to wall clock time and bpm 0.
	Fallback
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Discarded:
		return "discarded"
	case Fallback:
		return "fallback"
	}
	return "unknown"
}

type Result struct {
	Reading model.Reading
	Outcome Outcome
}

const (
	initialSnapshotType = "initial_reading"
	defaultClock        = "00:00:00"
	clockLayout         = "15:04:05"
)

var (
	timestampKeys = []string{"timestamp", "time", "ts"}
	bpmKeys       = []string{"bpm", "heart_rate", "hr"}
)

// Normalize maps one stream event onto a canonical reading. The caller owns
// firstMount and clears it after any call that does not return an error.
func Normalize(ev model.StreamEvent, firstMount bool, now time.Time, loc *time.Location) (Result, error) {
	if loc == nil {
		loc = time.Local
	}
	if ev.Kind == model.EventInitialReading {
		return Result{Outcome: Discarded}, nil
	}
	switch payload := ev.Payload.(type) {
	case map[string]any:
		if firstMount && isInitialSnapshot(payload) {
			return Result{Outcome: Discarded}, nil
		}
		if data, ok := payload["data"].(map[string]any); ok {
			if r, ok := strictReading(data, loc); ok {
				return Result{Reading: r, Outcome: Accepted}, nil
			}
		}
		if r, ok := strictReading(payload, loc); ok {
			return Result{Reading: r, Outcome: Accepted}, nil
		}
		return fallback(payload, now, loc), nil
	case string:
		return decodeString([]byte(payload), firstMount, now, loc)
	case []byte:
		return decodeString(payload, firstMount, now, loc)
	case json.RawMessage:
		return decodeString(payload, firstMount, now, loc)
	}
	return fallback(nil, now, loc), nil
}

// FromRecord maps a stored or fetched record ({data:{timestamp,bpm}} or flat)
// onto a reading. Records without a usable bpm are rejected.
func FromRecord(rec map[string]any, loc *time.Location) (model.Reading, bool) {
	if loc == nil {
		loc = time.Local
	}
	if data, ok := rec["data"].(map[string]any); ok {
		if r, ok := strictReading(data, loc); ok {
			return r, true
		}
	}
	return strictReading(rec, loc)
}

// ErrNullPayload is a payload that decodes to JSON null. There is no reading
// to read fields from, so it is dropped like undecodable text.
var ErrNullPayload = fmt.Errorf("%w: null payload", ErrDecode)

func decodeString(raw []byte, firstMount bool, now time.Time, loc *time.Location) (Result, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if decoded == nil {
		return Result{}, ErrNullPayload
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		// Arrays, numbers and booleans carry no fields.
		return fallback(nil, now, loc), nil
	}
	if firstMount && isInitialSnapshot(obj) {
		return Result{Outcome: Discarded}, nil
	}
	src := obj
	if data, ok := obj["data"].(map[string]any); ok {
		src = data
	}
	ts := defaultClock
	if v, ok := lookup(src, timestampKeys); ok {
		if clock := FormatClock(v, loc); clock != "" {
			ts = clock
		}
	}
	bpm, _ := lookupBPM(src)
	return Result{Reading: model.NewReading(ts, bpm), Outcome: Accepted}, nil
}

func strictReading(obj map[string]any, loc *time.Location) (model.Reading, bool) {
	tsVal, ok := lookup(obj, timestampKeys)
	if !ok {
		return model.Reading{}, false
	}
	ts := FormatClock(tsVal, loc)
	if ts == "" {
		return model.Reading{}, false
	}
	bpm, ok := lookupBPM(obj)
	if !ok {
		return model.Reading{}, false
	}
	return model.NewReading(ts, bpm), true
}

func fallback(obj map[string]any, now time.Time, loc *time.Location) Result {
	bpm, _ := lookupBPM(obj)
	return Result{
		Reading: model.NewReading(now.In(loc).Format(clockLayout), bpm),
		Outcome: Fallback,
	}
}

func isInitialSnapshot(obj map[string]any) bool {
	if obj == nil {
		return false
	}
	t, _ := obj["type"].(string)
	return strings.EqualFold(strings.TrimSpace(t), initialSnapshotType)
}

func lookup(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func lookupBPM(obj map[string]any) (float64, bool) {
	v, ok := lookup(obj, bpmKeys)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}
