package trend

import "github.com/maastricht-university/edmo-fusion/emotion"

// History is a bounded list of published states, most recent first.
// It is not safe for concurrent use; each session actor owns its own.
type History struct {
	cap    int
	states []emotion.State
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 10
	}
	return &History{cap: capacity, states: make([]emotion.State, 0, capacity)}
}

// Push records st as the most recent state, dropping the oldest beyond capacity.
func (h *History) Push(st emotion.State) {
	if len(h.states) < h.cap {
		h.states = append(h.states, emotion.State{})
	}
	copy(h.states[1:], h.states)
	h.states[0] = st.Clone()
}

// Seed loads states given most recent first, keeping at most capacity.
func (h *History) Seed(states []emotion.State) {
	for i := len(states) - 1; i >= 0; i-- {
		h.Push(states[i])
	}
}

// Recent returns a copy of the stored states, most recent first.
func (h *History) Recent() []emotion.State {
	out := make([]emotion.State, len(h.states))
	for i := range h.states {
		out[i] = h.states[i].Clone()
	}
	return out
}

func (h *History) Len() int { return len(h.states) }

// Last returns the most recent state.
func (h *History) Last() (emotion.State, bool) {
	if len(h.states) == 0 {
		return emotion.State{}, false
	}
	return h.states[0], true
}
