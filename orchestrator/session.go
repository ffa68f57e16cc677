package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/maastricht-university/edmo-fusion/emotion"
	"github.com/maastricht-university/edmo-fusion/trend"
)

// session is the actor state of one live session. Only its run goroutine
// touches history and fused.
type session struct {
	id       string
	trigger  chan struct{}
	requests chan fuseRequest
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
	history  *trend.History

	mu       sync.Mutex
	sealed   bool
	received uint64 // signals admitted so far
	fused    uint64 // value of received at the last published fusion
}

func newSession(id string, lookback int) *session {
	return &session{
		id:       id,
		trigger:  make(chan struct{}, 1),
		requests: make(chan fuseRequest),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		history:  trend.NewHistory(lookback),
	}
}

// poke asks for a fusion run. Bursts collapse into one pending run.
func (s *session) poke() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// admit runs add unless the session is sealed. add runs under the session
// lock so a signal lands either before the final drain or not at all.
func (s *session) admit(add func() bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	if add() {
		s.received++
	}
	return true
}

// seal refuses every later admit.
func (s *session) seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

func (s *session) admitted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *session) close() { s.once.Do(func() { close(s.quit) }) }

func (s *session) closing() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// run serializes fusion for one session. Each run is triggered by a new
// signal, a FuseNow request or the tick; the tick goes idle while the
// window has nothing to fuse.
func (p *Pipeline) run(s *session) {
	defer p.wg.Done()
	defer close(s.done)
	defer p.forget(s)

	p.seed(s)

	var timer *time.Timer
	var tickC <-chan time.Time
	arm := func() {
		if p.tick <= 0 || p.manual {
			return
		}
		if timer == nil {
			timer = time.NewTimer(p.tick)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.tick)
		}
		tickC = timer.C
	}
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		tickC = nil
	}
	defer disarm()

	schedule := func(err error) {
		if errors.Is(err, emotion.ErrInsufficientData) {
			disarm()
			return
		}
		arm()
	}

	for {
		select {
		case <-s.trigger:
			_, err := p.fuse(s)
			p.logFailure(s, err)
			schedule(err)
		case <-tickC:
			tickC = nil
			_, err := p.fuse(s)
			p.logFailure(s, err)
			schedule(err)
		case req := <-s.requests:
			st, err := p.fuse(s)
			req.reply <- fuseResult{state: st, err: err}
			schedule(err)
		case <-s.quit:
			s.seal()
			select {
			case <-s.trigger:
				_, err := p.fuse(s)
				p.logFailure(s, err)
			default:
			}
			return
		}
	}
}
