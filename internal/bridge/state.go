package bridge

import "sync"

type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Closed       State = "closed"
)

// watchers fans state changes out to subscribers. Slow subscribers miss
// intermediate states rather than blocking the client.
type watchers struct {
	mu    sync.Mutex
	state State
	next  int
	subs  map[int]chan State
}

func (w *watchers) get() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *watchers) set(s State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == s {
		return false
	}
	w.state = s
	for _, ch := range w.subs {
		select {
		case ch <- s:
		default:
		}
	}
	return true
}

func (w *watchers) subscribe() (<-chan State, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subs == nil {
		w.subs = map[int]chan State{}
	}
	id := w.next
	w.next++
	ch := make(chan State, 16)
	ch <- w.state
	w.subs[id] = ch
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}
}
