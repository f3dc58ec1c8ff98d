package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-server/internal/obslog"
)

// LocalScheduler runs audits on a bounded in-process worker pool.
type LocalScheduler struct {
	runner  Runner
	workers int
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan string
	wg     sync.WaitGroup
}

func NewLocalScheduler(r Runner, workers, queueSize int) *LocalScheduler {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &LocalScheduler{
		runner:  r,
		workers: workers,
		timeout: 10 * time.Second,
		queue:   make(chan string, queueSize),
	}
}

// Start launches the workers. They exit when Close drains the queue.
func (s *LocalScheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for id := range s.queue {
				s.run(ctx, id)
			}
		}()
	}
}

func (s *LocalScheduler) run(parent context.Context, gameID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.timeout)
	defer cancel()
	if _, err := s.runner.Audit(ctx, gameID); err != nil {
		obslog.L().Warn("audit_failed", zap.String("game_id", gameID), zap.Error(err))
	}
}

// Schedule enqueues gameID without blocking; when the queue is full the
// audit is dropped.
func (s *LocalScheduler) Schedule(gameID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- gameID:
	default:
		obslog.L().Warn("audit_dropped", zap.String("game_id", gameID), zap.Int("queue_size", cap(s.queue)))
	}
}

// Close stops accepting work and waits for queued audits to finish.
func (s *LocalScheduler) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
