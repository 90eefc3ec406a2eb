// Package notifytest provides a dispatcher that records events for tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/streamcity/coin-engine/notify"
)

// Recorder keeps every dispatched event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *Recorder) Dispatch(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events in dispatch order.
func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t notify.EventType) []notify.Event {
	var out []notify.Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
