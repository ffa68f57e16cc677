// Package window keeps the recent emotion signals of every live session.
package window

import (
	"sort"
	"sync"
	"time"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

const (
	DefaultCapacity  = 5
	DefaultRetention = 120 * time.Second
)

type Config struct {
	Capacity  int           // per modality
	Retention time.Duration // signals older than this are evicted on access
}

// View is a point-in-time copy of one session window. Signals of each
// modality are ordered oldest first.
type View struct {
	SessionID   string
	At          time.Time
	Signals     map[emotion.Modality][]emotion.Signal
	LastFusedAt time.Time
}

func (v View) Empty() bool {
	for _, s := range v.Signals {
		if len(s) > 0 {
			return false
		}
	}
	return true
}

// Latest returns the most recent signal of m.
func (v View) Latest(m emotion.Modality) (emotion.Signal, bool) {
	s := v.Signals[m]
	if len(s) == 0 {
		return emotion.Signal{}, false
	}
	return s[len(s)-1], true
}

// Len counts signals across all modalities.
func (v View) Len() int {
	n := 0
	for _, s := range v.Signals {
		n += len(s)
	}
	return n
}

type sessionWindow struct {
	mu          sync.Mutex
	slots       map[emotion.Modality][]emotion.Signal
	lastFusedAt time.Time
}

// Store owns every SessionWindow. The registry lock only guards the map;
// each window has its own mutex so sessions never contend with each other.
type Store struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionWindow
}

func NewStore(cfg Config) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Store{cfg: cfg, now: time.Now, sessions: make(map[string]*sessionWindow)}
}

// WithClock replaces the clock used for eviction and snapshot stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Retention() time.Duration { return s.cfg.Retention }

func (s *Store) get(id string) *sessionWindow {
	s.mu.RLock()
	w := s.sessions[id]
	s.mu.RUnlock()
	return w
}

func (s *Store) getOrCreate(id string) *sessionWindow {
	if w := s.get(id); w != nil {
		return w
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.sessions[id]; ok {
		return w
	}
	w := &sessionWindow{slots: make(map[emotion.Modality][]emotion.Signal, len(emotion.Modalities))}
	s.sessions[id] = w
	return w
}

// Append stores sig in its session window, creating the window on first use.
// Expired signals are dropped from the whole window first; the oldest
// same-modality entry is evicted when the slot is over capacity. It reports
// false when sig itself is already past the retention horizon.
func (s *Store) Append(sig emotion.Signal) bool {
	now := s.now()
	w := s.getOrCreate(sig.SessionID)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now.Add(-s.cfg.Retention))
	if sig.ObservedAt.Before(now.Add(-s.cfg.Retention)) {
		return false
	}

	slot := w.slots[sig.Modality]
	i := sort.Search(len(slot), func(i int) bool { return slot[i].ObservedAt.After(sig.ObservedAt) })
	slot = append(slot, emotion.Signal{})
	copy(slot[i+1:], slot[i:])
	slot[i] = sig.Clone()
	if over := len(slot) - s.cfg.Capacity; over > 0 {
		slot = append(slot[:0:0], slot[over:]...)
	}
	w.slots[sig.Modality] = slot
	return true
}

func (w *sessionWindow) evict(cutoff time.Time) {
	for m, slot := range w.slots {
		n := 0
		for n < len(slot) && slot[n].ObservedAt.Before(cutoff) {
			n++
		}
		switch {
		case n == len(slot):
			delete(w.slots, m)
		case n > 0:
			w.slots[m] = append(slot[:0:0], slot[n:]...)
		}
	}
}

// Snapshot returns a deep copy of the session window; the live structure is
// never handed out. ok is false for an unknown session.
func (s *Store) Snapshot(id string) (View, bool) {
	now := s.now()
	v := View{SessionID: id, At: now, Signals: map[emotion.Modality][]emotion.Signal{}}
	w := s.get(id)
	if w == nil {
		return v, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now.Add(-s.cfg.Retention))
	for m, slot := range w.slots {
		cp := make([]emotion.Signal, len(slot))
		for i := range slot {
			cp[i] = slot[i].Clone()
		}
		v.Signals[m] = cp
	}
	v.LastFusedAt = w.lastFusedAt
	return v, true
}

// MarkFused records the time of the latest fusion run for id.
func (s *Store) MarkFused(id string, at time.Time) {
	if w := s.get(id); w != nil {
		w.mu.Lock()
		if at.After(w.lastFusedAt) {
			w.lastFusedAt = at
		}
		w.mu.Unlock()
	}
}

// Close discards the session window.
func (s *Store) Close(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len is the number of open windows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
