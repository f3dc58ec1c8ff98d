package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/chess-server/internal/obslog"
)

const defaultQueueKey = "audit:games"

// RedisQueue hands audits to any process consuming the same list, so the
// auditor can run apart from the request-serving instances.
type RedisQueue struct {
	rdb    *redis.Client
	runner Runner

	key          string
	pendingKey   string
	pushTimeout  time.Duration
	popTimeout   time.Duration
	auditTimeout time.Duration

	pushes sync.WaitGroup
}

// NewRedisClient parses REDIS_URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisQueue builds a queue on key (default "audit:games"). runner may be
// nil for producer-only instances.
func NewRedisQueue(rdb *redis.Client, key string, runner Runner) *RedisQueue {
	if strings.TrimSpace(key) == "" {
		key = defaultQueueKey
	}
	return &RedisQueue{
		rdb:          rdb,
		runner:       runner,
		key:          key,
		pendingKey:   key + ":pending",
		pushTimeout:  2 * time.Second,
		popTimeout:   time.Second,
		auditTimeout: 10 * time.Second,
	}
}

// Schedule pushes gameID in the background. A game already waiting in the
// queue is not pushed twice.
func (q *RedisQueue) Schedule(gameID string) {
	q.pushes.Add(1)
	go func() {
		defer q.pushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), q.pushTimeout)
		defer cancel()
		if err := q.push(ctx, gameID); err != nil {
			obslog.L().Warn("audit_enqueue_failed", zap.String("game_id", gameID), zap.Error(err))
		}
	}()
}

func (q *RedisQueue) push(ctx context.Context, gameID string) error {
	added, err := q.rdb.SAdd(ctx, q.pendingKey, gameID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	if err := q.rdb.LPush(ctx, q.key, gameID).Err(); err != nil {
		// a pending entry without a list entry would block the game forever
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.pushTimeout)
		defer cancel()
		if serr := q.rdb.SRem(cctx, q.pendingKey, gameID).Err(); serr != nil {
			return errors.Join(err, fmt.Errorf("clear pending: %w", serr))
		}
		return err
	}
	return nil
}

// Flush waits for in-flight Schedule pushes.
func (q *RedisQueue) Flush() { q.pushes.Wait() }

// Run consumes the queue until ctx is cancelled.
func (q *RedisQueue) Run(ctx context.Context) error {
	if q.runner == nil {
		return fmt.Errorf("audit: redis queue has no runner")
	}
	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := q.rdb.BRPop(ctx, q.popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			obslog.L().Warn("audit_dequeue_failed", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond
		if len(res) != 2 {
			continue
		}
		gameID := res[1]
		// cleared first so commits during the audit queue it again
		if err := q.rdb.SRem(ctx, q.pendingKey, gameID).Err(); err != nil {
			obslog.L().Warn("audit_pending_clear_failed", zap.String("game_id", gameID), zap.Error(err))
		}
		actx, cancel := context.WithTimeout(ctx, q.auditTimeout)
		if _, err := q.runner.Audit(actx, gameID); err != nil {
			obslog.L().Warn("audit_failed", zap.String("game_id", gameID), zap.Error(err))
		}
		cancel()
	}
}
