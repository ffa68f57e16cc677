// Package orchestrator wires normalization, windowing, fusion, trend
// classification and dispatch into one per-session pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	cfg "github.com/maastricht-university/edmo-fusion/config"
	"github.com/maastricht-university/edmo-fusion/dispatch"
	"github.com/maastricht-university/edmo-fusion/emotion"
	"github.com/maastricht-university/edmo-fusion/fusion"
	"github.com/maastricht-university/edmo-fusion/trend"
	"github.com/maastricht-university/edmo-fusion/window"
)

const seedTimeout = 2 * time.Second

type Option func(*Pipeline)

// WithClock replaces the wall clock used for window ages.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithHistorySource seeds trend history of new sessions from hs.
func WithHistorySource(hs HistorySource) Option {
	return func(p *Pipeline) { p.history = hs }
}

// ManualFusion disables fusion on submit and on tick. States are then only
// produced by FuseNow.
func ManualFusion() Option {
	return func(p *Pipeline) { p.manual = true }
}

type Pipeline struct {
	store      *window.Store
	engine     *fusion.Engine
	classifier *trend.Classifier
	vocab      *emotion.Vocabulary
	hub        *dispatch.Hub
	history    HistorySource
	log        logrus.FieldLogger
	now        func() time.Time
	tick       time.Duration
	lookback   int
	manual     bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	stopped  bool
	wg       sync.WaitGroup
}

// NewPipeline builds the fusion stack from c. The pipeline owns hub and
// stops it in Stop.
func NewPipeline(c *cfg.Root, hub *dispatch.Hub, log logrus.FieldLogger, opts ...Option) (*Pipeline, error) {
	vocab, err := c.Vocab()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		engine:     fusion.New(c.FusionConfig()),
		classifier: trend.NewClassifier(c.TrendConfig(), vocab),
		vocab:      vocab,
		hub:        hub,
		log:        log.WithField("component", "orchestrator"),
		now:        time.Now,
		tick:       c.Fusion.Tick,
		lookback:   c.Trend.Lookback,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
	}
	for _, o := range opts {
		o(p)
	}
	p.store = window.NewStore(c.WindowConfig()).WithClock(p.now)
	return p, nil
}

// SubmitSignal validates raw and adds it to its session window. Fusion runs
// asynchronously; SubmitSignal never waits for it.
func (p *Pipeline) SubmitSignal(ctx context.Context, raw emotion.RawSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sig, err := emotion.Normalize(raw, p.vocab)
	if err != nil {
		return err
	}
	log := p.log.WithFields(logrus.Fields{"session_id": sig.SessionID, "modality": sig.Modality})
	if sig.Suspect {
		log.WithField("label", sig.PrimaryLabel).Debug("suspect signal accepted")
	}

	s, err := p.session(sig.SessionID)
	if err != nil {
		return err
	}
	var stored bool
	if !s.admit(func() bool {
		if stored = p.store.Append(sig); stored && !p.manual {
			s.poke()
		}
		return stored
	}) {
		return fmt.Errorf("%w: %s", ErrSessionClosed, sig.SessionID)
	}
	if !stored {
		log.WithField("observed_at", sig.ObservedAt).Debug("signal older than retention, ignored")
	}
	return nil
}

// Subscribe attaches a live consumer to a session's states.
func (p *Pipeline) Subscribe(sessionID string) *dispatch.Subscription {
	return p.hub.Subscribe(sessionID)
}

// FuseNow runs one fusion for the session on its actor and returns the
// published state. A session without signals yields ErrInsufficientData.
func (p *Pipeline) FuseNow(ctx context.Context, sessionID string) (emotion.State, error) {
	p.mu.Lock()
	s := p.sessions[sessionID]
	p.mu.Unlock()
	if s == nil {
		return emotion.State{}, fmt.Errorf("%w: unknown session %q", emotion.ErrInsufficientData, sessionID)
	}
	req := fuseRequest{reply: make(chan fuseResult, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return emotion.State{}, ErrSessionClosed
	case <-ctx.Done():
		return emotion.State{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.state, r.err
	case <-ctx.Done():
		return emotion.State{}, ctx.Err()
	}
}

// CloseSession lets a pending fusion of the session finish and publish,
// then drops its window and closes its subscribers. Closing an unknown
// session is a no-op.
func (p *Pipeline) CloseSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	s := p.sessions[sessionID]
	p.mu.Unlock()
	if s == nil {
		p.store.Close(sessionID)
		p.hub.CloseSession(sessionID)
		return nil
	}
	s.close()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions is the number of live sessions.
func (p *Pipeline) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Stop closes every session, waits for their actors and stops the hub.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	live := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		live = append(live, s)
	}
	p.mu.Unlock()

	for _, s := range live {
		s.close()
	}
	p.wg.Wait()
	p.cancel()
	p.hub.Stop()
}

func (p *Pipeline) session(id string) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrStopped
	}
	if s, ok := p.sessions[id]; ok {
		if s.closing() {
			return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
		}
		return s, nil
	}
	s := newSession(id, p.lookback)
	p.sessions[id] = s
	p.wg.Add(1)
	go p.run(s)
	return s, nil
}

func (p *Pipeline) forget(s *session) {
	p.store.Close(s.id)
	p.hub.CloseSession(s.id)
	p.mu.Lock()
	if p.sessions[s.id] == s {
		delete(p.sessions, s.id)
	}
	p.mu.Unlock()
}

func (p *Pipeline) seed(s *session) {
	if p.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, seedTimeout)
	defer cancel()
	states, err := p.history.History(ctx, s.id, p.lookback)
	if err != nil {
		p.log.WithField("session_id", s.id).WithError(err).Warn("could not seed trend history")
		return
	}
	s.history.Seed(states)
}

// fuse runs one fusion and publishes the result. Panics are turned into
// errors so one broken session never takes the process down.
func (p *Pipeline) fuse(s *session) (st emotion.State, err error) {
	log := p.log.WithField("session_id", s.id)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fusion panic: %v", r)
			log.WithError(err).Error("fusion run recovered")
		}
	}()

	seq := s.admitted()
	view, _ := p.store.Snapshot(s.id)
	st, err = p.engine.Fuse(view)
	if err != nil {
		return emotion.State{}, err
	}
	hist := s.history.Recent()
	st.Trend, st.RiskLevel = p.classifier.Classify(st, hist)
	p.store.MarkFused(s.id, st.ProducedAt)
	p.hub.Publish(p.ctx, st, hist)
	// A re-fusion of the same signals is not new evidence for the trend.
	if seq != s.fused {
		s.history.Push(st)
		s.fused = seq
	}

	log.WithFields(logrus.Fields{
		"emotion":   st.UnifiedEmotion,
		"intensity": st.Intensity,
		"trend":     st.Trend,
		"risk":      st.RiskLevel,
	}).Debug("state published")
	return st, nil
}

func (p *Pipeline) logFailure(s *session, err error) {
	if err == nil || errors.Is(err, emotion.ErrInsufficientData) {
		return
	}
	p.log.WithField("session_id", s.id).WithError(err).Warn("fusion failed")
}
