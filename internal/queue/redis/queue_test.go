package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-doc-processor/backend/internal/dispatch"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c := &clock{t: time.Unix(1700000000, 0)}
	return New(rdb, "test:stages", WithClock(c.Now), WithVisibilityTimeout(time.Minute)), c
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	doc := uuid.New()

	require.NoError(t, q.Enqueue(ctx, dispatch.WorkItem{DocumentID: doc, Stage: "intake", Reason: dispatch.ReasonIntake}, 0))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc, d.Item.DocumentID)
	assert.Equal(t, "intake", d.Item.Stage)
	assert.NotEmpty(t, d.Item.ID)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, dispatch.ErrEmpty)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "unacked delivery still counts")

	require.NoError(t, q.Ack(ctx, d))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDelayedItemsBecomeDue(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, dispatch.WorkItem{DocumentID: uuid.New(), Stage: "extraction", Reason: dispatch.ReasonRetry}, 30*time.Second))

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, dispatch.ErrEmpty)

	c.t = c.t.Add(31 * time.Second)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, dispatch.ReasonRetry, d.Item.Reason)
}

func TestDueOrder(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, dispatch.WorkItem{DocumentID: uuid.New(), Stage: "later"}, 10*time.Second))
	require.NoError(t, q.Enqueue(ctx, dispatch.WorkItem{DocumentID: uuid.New(), Stage: "sooner"}, 5*time.Second))

	c.t = c.t.Add(time.Minute)
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, "sooner", first.Item.Stage)
	assert.Equal(t, "later", second.Item.Stage)
}

func TestReapRedeliversExpiredLeases(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, dispatch.WorkItem{DocumentID: uuid.New(), Stage: "chunking"}, 0))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)

	n, err := q.Reap(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still valid")

	c.t = c.t.Add(2 * time.Minute)
	n, err = q.Reap(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, d.Item.ID, again.Item.ID)
}
