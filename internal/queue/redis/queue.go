package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/dispatch"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

// Delayed work items live in a sorted set scored by due time. Dequeue moves
// one due item to the in-flight set scored by its lease deadline; Ack removes
// it. Reap returns expired in-flight items to the ready set.
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
redis.call('ZREM', KEYS[1], items[1])
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), items[1])
return items[1]
`)

var reapScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[2], item)
	redis.call('ZADD', KEYS[1], ARGV[1], item)
end
return #items
`)

type Queue struct {
	client     redis.UniversalClient
	readyKey   string
	flightKey  string
	visibility time.Duration
	now        func() time.Time
}

type Option func(*Queue)

func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(client redis.UniversalClient, name string, opts ...Option) *Queue {
	q := &Queue{
		client:     client,
		readyKey:   name + ":ready",
		flightKey:  name + ":inflight",
		visibility: 5 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, item dispatch.WorkItem, delay time.Duration) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now().UTC()
	}
	if delay < 0 {
		delay = 0
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal work item: %w", err)
	}

	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.readyKey, redis.Z{Score: float64(due), Member: payload}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue work item: %w", err)
	}

	logger.Debug("Work item enqueued",
		zap.String("document_id", item.DocumentID.String()),
		zap.String("stage", item.Stage),
		zap.String("reason", string(item.Reason)),
		zap.Duration("delay", delay),
	)
	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (*dispatch.Delivery, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey, q.flightKey},
		q.now().UnixMilli(), q.visibility.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, dispatch.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}

	var item dispatch.WorkItem
	if err := json.Unmarshal([]byte(res), &item); err != nil {
		// Drop poison payloads so they do not loop through the reaper forever.
		q.client.ZRem(ctx, q.flightKey, res)
		return nil, fmt.Errorf("failed to decode work item: %w", err)
	}

	return &dispatch.Delivery{Item: item, Receipt: res}, nil
}

func (q *Queue) Ack(ctx context.Context, d *dispatch.Delivery) error {
	if err := q.client.ZRem(ctx, q.flightKey, d.Receipt).Err(); err != nil {
		return fmt.Errorf("failed to ack work item: %w", err)
	}
	return nil
}

// Reap requeues in-flight items whose lease expired without an ack.
func (q *Queue) Reap(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := reapScript.Run(ctx, q.client,
		[]string{q.readyKey, q.flightKey},
		q.now().UnixMilli(), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reap work items: %w", err)
	}
	if n > 0 {
		logger.Warn("Requeued expired work items", zap.Int("count", n))
	}
	return n, nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	ready, err := q.client.ZCard(ctx, q.readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count ready items: %w", err)
	}
	inflight, err := q.client.ZCard(ctx, q.flightKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight items: %w", err)
	}
	return ready + inflight, nil
}
