// Package persist is the persistence collaborator: a bounded async queue with
// its own retry discipline in front of a storage Writer.
package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/edmo-fusion/emotion"
)

// Writer stores states and advice. Implementations may block on I/O.
type Writer interface {
	WriteState(ctx context.Context, st emotion.State) error
	WriteAdvice(ctx context.Context, adv emotion.Advice) error
	Close() error
}

type QueueConfig struct {
	Workers      int           // background writers, default 1
	QueueSize    int           // buffered jobs, default 256
	MaxRetries   int           // attempts after the first failure, default 3
	Backoff      time.Duration // linear backoff step, default 200ms
	WriteTimeout time.Duration // per attempt, default 5s
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:      1,
		QueueSize:    256,
		MaxRetries:   3,
		Backoff:      200 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

type job struct {
	state  *emotion.State
	advice *emotion.Advice
}

func (j job) sessionID() string {
	if j.state != nil {
		return j.state.SessionID
	}
	return j.advice.SessionID
}

// Queue decouples storage from the fusion hot path. Enqueue never blocks;
// failed writes are retried by the workers, never by the caller.
type Queue struct {
	w   Writer
	cfg QueueConfig
	log logrus.FieldLogger

	mu      sync.RWMutex
	q       chan job
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnResult is called from a worker after each job settles. May be nil.
	OnResult func(sessionID string, err error)
}

func NewQueue(w Writer, cfg QueueConfig, log logrus.FieldLogger) *Queue {
	def := DefaultQueueConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		w:      w,
		cfg:    cfg,
		log:    log.WithField("component", "persist"),
		q:      make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue schedules st for storage. It returns false when the queue is full
// or stopped; the state is dropped in that case.
func (q *Queue) Enqueue(st emotion.State) bool {
	c := st.Clone()
	return q.push(job{state: &c})
}

func (q *Queue) EnqueueAdvice(adv emotion.Advice) bool {
	return q.push(job{advice: &adv})
}

func (q *Queue) push(j job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return false
	}
	select {
	case q.q <- j:
		return true
	default:
		q.log.WithField("session_id", j.sessionID()).Warn("persistence queue full, dropping")
		return false
	}
}

// Pending is the number of queued jobs.
func (q *Queue) Pending() int { return len(q.q) }

// Stop drains queued jobs, waits for the workers and closes the writer.
// Retry backoff is cut short once stopping.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	close(q.q)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
	return q.w.Close()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for j := range q.q {
		q.process(j)
	}
}

func (q *Queue) process(j job) {
	log := q.log.WithField("session_id", j.sessionID())
	var err error
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			q.mu.RLock()
			stopping := q.stopped
			q.mu.RUnlock()
			if stopping {
				// one more try without waiting
				err = q.write(j)
				break
			}
			time.Sleep(time.Duration(attempt) * q.cfg.Backoff)
		}
		if err = q.write(j); err == nil {
			break
		}
		log.WithError(err).WithField("attempt", attempt+1).Debug("persist attempt failed")
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", emotion.ErrCollaboratorUnavailable, err)
		log.WithError(err).Warn("giving up on persisted item")
	}
	if q.OnResult != nil {
		q.OnResult(j.sessionID(), err)
	}
}

func (q *Queue) write(j job) error {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.WriteTimeout)
	defer cancel()
	if j.state != nil {
		return q.w.WriteState(ctx, *j.state)
	}
	return q.w.WriteAdvice(ctx, *j.advice)
}
