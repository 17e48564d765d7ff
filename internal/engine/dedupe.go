package engine

import (
	"strconv"
	"time"

	"hrwatch/internal/model"
)

// replayFilter remembers recently accepted readings so that a transport which
// redelivers after a reconnect does not double-count them. Entries expire in
// arrival order. Not safe for concurrent use.
type replayFilter struct {
	seen  map[string]time.Time
	order []string
}

func newReplayFilter() *replayFilter {
	return &replayFilter{seen: make(map[string]time.Time)}
}

// Duplicate reports whether r was already accepted within ttl of now. A new
// reading is remembered.
func (f *replayFilter) Duplicate(r model.Reading, now time.Time, ttl time.Duration) bool {
	key := replayKey(r)
	if ts, ok := f.seen[key]; ok && now.Sub(ts) <= ttl {
		return true
	}
	f.seen[key] = now
	f.order = append(f.order, key)
	f.expire(now, ttl)
	return false
}

func (f *replayFilter) expire(now time.Time, ttl time.Duration) {
	n := 0
	for ; n < len(f.order); n++ {
		key := f.order[n]
		ts, ok := f.seen[key]
		if ok && now.Sub(ts) <= ttl {
			break
		}
		delete(f.seen, key)
	}
	f.order = f.order[n:]
}

func (f *replayFilter) Len() int {
	return len(f.seen)
}

func replayKey(r model.Reading) string {
	v, ok := r.Value()
	if !ok {
		return r.Time + "|null"
	}
	return r.Time + "|" + strconv.FormatFloat(v, 'f', -1, 64)
}
