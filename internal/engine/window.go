package engine

import "hrwatch/internal/model"

const DefaultCapacity = 10

// Window is a fixed-capacity FIFO of readings. It is not safe for concurrent
// use; the owning session serializes access.
type Window struct {
	capacity int
	readings []model.Reading
	head     int
}

// NewWindow returns a window pre-filled with capacity placeholders.
func NewWindow(capacity int) *Window {
	w := &Window{}
	w.Reset(capacity)
	return w
}

func (w *Window) Reset(capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	w.capacity = capacity
	w.readings = make([]model.Reading, capacity, capacity*2)
	for i := range w.readings {
		w.readings[i] = model.Placeholder()
	}
	w.head = 0
}

// Replace drops everything, placeholders included, and keeps only r.
func (w *Window) Replace(r model.Reading) {
	w.readings = append(w.readings[:0], r)
	w.head = 0
}

func (w *Window) Append(r model.Reading) {
	w.readings = append(w.readings, r)
	if over := w.Len() - w.capacity; over > 0 {
		w.head += over
	}
	if w.head > 0 && w.head >= w.capacity {
		w.readings = append([]model.Reading{}, w.readings[w.head:]...)
		w.head = 0
	}
}

// Seed loads oldest-first readings, keeping the newest capacity of them.
func (w *Window) Seed(readings []model.Reading) {
	if len(readings) > w.capacity {
		readings = readings[len(readings)-w.capacity:]
	}
	w.readings = append(make([]model.Reading, 0, w.capacity*2), readings...)
	w.head = 0
}

func (w *Window) Readings() []model.Reading {
	out := make([]model.Reading, w.Len())
	copy(out, w.readings[w.head:])
	return out
}

func (w *Window) Len() int {
	return len(w.readings) - w.head
}

func (w *Window) Capacity() int {
	return w.capacity
}
