package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

// Subscription is one live consumer of a session's states.
type Subscription struct {
	// C yields states in publish order and is closed when the subscription ends.
	C <-chan emotion.State

	id        uint64
	sessionID string
	ch        chan emotion.State
	done      chan struct{}
	detach    func()

	// sendMu keeps close(ch) from racing a delivery in flight.
	sendMu sync.Mutex
	once   sync.Once
	closed bool
	err    error
}

func newSubscription(id uint64, sessionID string, buffer int) *Subscription {
	ch := make(chan emotion.State, buffer)
	return &Subscription{C: ch, id: id, sessionID: sessionID, ch: ch, done: make(chan struct{})}
}

func (s *Subscription) SessionID() string { return s.sessionID }

// Err reports why the subscription ended: nil while live or after a normal
// close, ErrDispatchTimeout when it was dropped for being too slow.
func (s *Subscription) Err() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.err
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes. Safe to call more than once and concurrently with Publish.
func (s *Subscription) Close() {
	if s.detach != nil {
		s.detach()
	}
	s.shutdown(nil)
}

func (s *Subscription) shutdown(err error) {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		s.closed = true
		s.err = err
		close(s.ch)
		s.sendMu.Unlock()
	})
}

func (s *Subscription) deliver(ctx context.Context, st emotion.State, timeout time.Duration) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- st:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- st:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("subscriber %d of %s: no read within %s: %w", s.id, s.sessionID, timeout, emotion.ErrDispatchTimeout)
	}
}
