// Package dispatch fans fused emotion states out to live subscribers and
// hands them to the persistence and recommendation collaborators.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

// Persister accepts a state for best-effort storage. Enqueue must not block;
// retries belong to the implementation.
type Persister interface {
	Enqueue(emotion.State) bool
	EnqueueAdvice(emotion.Advice) bool
}

// Advisor is the recommendation collaborator.
type Advisor interface {
	GenerateAdvice(ctx context.Context, st emotion.State, history []emotion.State) (string, error)
}

type TriggerPolicy string

const (
	OnChange    TriggerPolicy = "on-change"
	OnRiskLevel TriggerPolicy = "on-risk-level"
	Both        TriggerPolicy = "both"
)

func ParseTriggerPolicy(s string) (TriggerPolicy, error) {
	switch p := TriggerPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case OnChange, OnRiskLevel, Both:
		return p, nil
	case "":
		return Both, nil
	}
	return "", fmt.Errorf("unknown recommendation trigger policy %q", s)
}

type Config struct {
	FanoutTimeout    time.Duration
	SubscriberBuffer int
	Policy           TriggerPolicy
	AdviceTimeout    time.Duration
	AdviceWorkers    int
	AdviceQueue      int
}

func DefaultConfig() Config {
	return Config{
		FanoutTimeout:    250 * time.Millisecond,
		SubscriberBuffer: 16,
		Policy:           Both,
		AdviceTimeout:    20 * time.Second,
		AdviceWorkers:    2,
		AdviceQueue:      64,
	}
}

type adviceJob struct {
	state   emotion.State
	history []emotion.State
}

type topic struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	last    *emotion.State
	closed  bool
	dropped bool
}

// Hub is safe for concurrent use. Publish calls for one session must be
// serialized by the caller to keep states in order.
type Hub struct {
	cfg       Config
	log       logrus.FieldLogger
	persister Persister
	advisor   Advisor

	mu     sync.RWMutex
	topics map[string]*topic
	nextID uint64

	qmu     sync.RWMutex
	adviceQ chan adviceJob
	stopped bool
	wg      sync.WaitGroup
	stop    sync.Once
}

// NewHub starts the advice workers when advisor is non-nil. persister may be nil.
func NewHub(cfg Config, persister Persister, advisor Advisor, log logrus.FieldLogger) *Hub {
	def := DefaultConfig()
	if cfg.FanoutTimeout <= 0 {
		cfg.FanoutTimeout = def.FanoutTimeout
	}
	if cfg.SubscriberBuffer < 0 {
		cfg.SubscriberBuffer = 0
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.AdviceTimeout <= 0 {
		cfg.AdviceTimeout = def.AdviceTimeout
	}
	if cfg.AdviceWorkers <= 0 {
		cfg.AdviceWorkers = def.AdviceWorkers
	}
	if cfg.AdviceQueue <= 0 {
		cfg.AdviceQueue = def.AdviceQueue
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &Hub{
		cfg:       cfg,
		log:       log.WithField("component", "dispatch"),
		persister: persister,
		advisor:   advisor,
		topics:    make(map[string]*topic),
	}
	if advisor != nil {
		h.adviceQ = make(chan adviceJob, cfg.AdviceQueue)
		for i := 0; i < cfg.AdviceWorkers; i++ {
			h.wg.Add(1)
			go h.adviceWorker()
		}
	}
	return h
}

func (h *Hub) topic(id string, create bool) *topic {
	h.mu.RLock()
	t := h.topics[id]
	h.mu.RUnlock()
	if t != nil || !create {
		return t
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t = h.topics[id]; t == nil {
		t = &topic{subs: make(map[uint64]*Subscription)}
		h.topics[id] = t
	}
	return t
}

// lockTopic returns the session topic with its lock held, creating it when
// missing. A topic dropped by remove in between is never returned.
func (h *Hub) lockTopic(id string) *topic {
	for {
		t := h.topic(id, true)
		t.mu.Lock()
		if !t.dropped {
			return t
		}
		t.mu.Unlock()
	}
}

// Subscribe registers a live subscriber for the session. The subscriber
// channel is closed when the session closes, the subscriber falls behind by
// more than the fan-out timeout, or Close is called.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	s := newSubscription(id, sessionID, h.cfg.SubscriberBuffer)
	s.detach = func() { h.remove(sessionID, id) }

	t := h.lockTopic(sessionID)
	defer t.mu.Unlock()
	if t.closed {
		// the session ended between lookup and registration
		s.shutdown(nil)
		return s
	}
	t.subs[id] = s
	return s
}

// remove detaches one subscriber. A topic left with no subscribers and no
// published state is dropped.
func (h *Hub) remove(sessionID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[sessionID]
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
	if len(t.subs) == 0 && t.last == nil && !t.closed {
		t.dropped = true
		delete(h.topics, sessionID)
	}
}

// Subscribers counts live subscribers of a session.
func (h *Hub) Subscribers(sessionID string) int {
	t := h.topic(sessionID, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish delivers st to every live subscriber concurrently, dropping those
// that do not accept it within the fan-out timeout, then hands it to the
// persistence collaborator and, when the trigger policy matches, queues a
// recommendation. history is most recent first and excludes st.
func (h *Hub) Publish(ctx context.Context, st emotion.State, history []emotion.State) {
	log := h.log.WithField("session_id", st.SessionID)

	t := h.lockTopic(st.SessionID)
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	prev := t.last
	cp := st.Clone()
	t.last = &cp
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			if err := s.deliver(ctx, st.Clone(), h.cfg.FanoutTimeout); err != nil {
				log.WithError(err).WithField("subscriber", s.id).Warn("dropping slow subscriber")
				h.remove(st.SessionID, s.id)
				s.shutdown(err)
			}
		}(s)
	}
	wg.Wait()

	if h.persister != nil && !h.persister.Enqueue(st.Clone()) {
		log.WithError(emotion.ErrCollaboratorUnavailable).Warn("persistence queue rejected state")
	}

	if h.shouldAdvise(st, prev) {
		h.requestAdvice(st, history, log)
	}
}

func (h *Hub) shouldAdvise(st emotion.State, prev *emotion.State) bool {
	if h.advisor == nil {
		return false
	}
	changed := prev == nil || prev.UnifiedEmotion != st.UnifiedEmotion
	risky := st.RiskLevel.Elevated() && (prev == nil || prev.RiskLevel != st.RiskLevel)
	switch h.cfg.Policy {
	case OnChange:
		return changed
	case OnRiskLevel:
		return risky
	}
	return changed || risky
}

func (h *Hub) requestAdvice(st emotion.State, history []emotion.State, log logrus.FieldLogger) {
	job := adviceJob{state: st.Clone(), history: make([]emotion.State, len(history))}
	for i := range history {
		job.history[i] = history[i].Clone()
	}
	h.qmu.RLock()
	defer h.qmu.RUnlock()
	if h.stopped {
		log.Warn("advice requested after hub stopped")
		return
	}
	select {
	case h.adviceQ <- job:
	default:
		log.WithError(emotion.ErrCollaboratorUnavailable).Warn("advice queue full, skipping recommendation")
	}
}

func (h *Hub) adviceWorker() {
	defer h.wg.Done()
	for job := range h.adviceQ {
		h.advise(job)
	}
}

func (h *Hub) advise(job adviceJob) {
	log := h.log.WithFields(logrus.Fields{
		"session_id": job.state.SessionID,
		"emotion":    job.state.UnifiedEmotion,
		"risk":       job.state.RiskLevel,
	})
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.AdviceTimeout)
	defer cancel()

	text, err := h.advisor.GenerateAdvice(ctx, job.state, job.history)
	if err != nil {
		log.WithError(fmt.Errorf("%w: %v", emotion.ErrCollaboratorUnavailable, err)).Warn("recommendation failed")
		return
	}
	log.Debug("recommendation generated")
	if h.persister == nil {
		return
	}
	adv := emotion.Advice{
		SessionID:   job.state.SessionID,
		StateAt:     job.state.ProducedAt,
		Emotion:     job.state.UnifiedEmotion,
		RiskLevel:   job.state.RiskLevel,
		Text:        text,
		GeneratedAt: time.Now(),
	}
	if !h.persister.EnqueueAdvice(adv) {
		log.WithError(emotion.ErrCollaboratorUnavailable).Warn("persistence queue rejected advice")
	}
}

// CloseSession closes every subscriber of the session and forgets it.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	t := h.topics[sessionID]
	delete(h.topics, sessionID)
	h.mu.Unlock()
	if t == nil {
		return
	}
	t.mu.Lock()
	t.closed = true
	subs := t.subs
	t.subs = map[uint64]*Subscription{}
	t.mu.Unlock()
	for _, s := range subs {
		s.shutdown(nil)
	}
}

// Stop closes remaining sessions and waits for queued recommendations.
func (h *Hub) Stop() {
	h.stop.Do(func() {
		h.mu.RLock()
		ids := make([]string, 0, len(h.topics))
		for id := range h.topics {
			ids = append(ids, id)
		}
		h.mu.RUnlock()
		for _, id := range ids {
			h.CloseSession(id)
		}
		h.qmu.Lock()
		h.stopped = true
		if h.adviceQ != nil {
			close(h.adviceQ)
		}
		h.qmu.Unlock()
		h.wg.Wait()
	})
}
