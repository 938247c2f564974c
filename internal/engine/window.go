package engine

import (
	"time"
)

// WindowState holds event timestamps in arrival order and evicts from the
// head once they fall out of the trailing window.
type WindowState struct {
	duration time.Duration
	events   []time.Time
	head     int
}

func NewWindowState(duration time.Duration) *WindowState {
	return &WindowState{
		duration: duration,
		events:   make([]time.Time, 0, 32),
	}
}

func (w *WindowState) Add(ts time.Time) {
	w.events = append(w.events, ts)
}

func (w *WindowState) Evict(now time.Time) {
	if w.duration <= 0 {
		return
	}
	cutoff := now.Add(-w.duration)
	for w.head < len(w.events) {
		if !w.events[w.head].Before(cutoff) {
			break
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.events) {
		w.events = append([]time.Time{}, w.events[w.head:]...)
		w.head = 0
	}
}

func (w *WindowState) Count() int {
	return len(w.events) - w.head
}

// Each visits live timestamps oldest first.
func (w *WindowState) Each(fn func(time.Time)) {
	for i := w.head; i < len(w.events); i++ {
		fn(w.events[i])
	}
}

func (w *WindowState) Reset() {
	w.events = w.events[:0]
	w.head = 0
}
