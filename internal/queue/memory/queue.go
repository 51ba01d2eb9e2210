package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/legal-doc-processor/backend/internal/dispatch"
)

type entry struct {
	item dispatch.WorkItem
	due  time.Time
	seq  uint64
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type inflight struct {
	entry    *entry
	deadline time.Time
}

// Queue is an in-process dispatch.Queue with delayed delivery and visibility
// leases. It is used for single-node runs and in tests.
type Queue struct {
	mu         sync.Mutex
	ready      entryHeap
	inflight   map[string]inflight
	seq        uint64
	visibility time.Duration
	now        func() time.Time
	failNext   error
}

func New() *Queue {
	return &Queue{
		inflight:   make(map[string]inflight),
		visibility: 5 * time.Minute,
		now:        time.Now,
	}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// FailNextEnqueue makes the next Enqueue return err. Used to exercise
// lost-enqueue recovery.
func (q *Queue) FailNextEnqueue(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failNext = err
}

func (q *Queue) Enqueue(_ context.Context, item dispatch.WorkItem, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failNext != nil {
		err := q.failNext
		q.failNext = nil
		return err
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := q.now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now.UTC()
	}
	if delay < 0 {
		delay = 0
	}

	q.seq++
	heap.Push(&q.ready, &entry{item: item, due: now.Add(delay), seq: q.seq})
	return nil
}

func (q *Queue) Dequeue(context.Context) (*dispatch.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reapLocked(now)

	if q.ready.Len() == 0 || q.ready[0].due.After(now) {
		return nil, dispatch.ErrEmpty
	}

	e := heap.Pop(&q.ready).(*entry)
	receipt := uuid.NewString()
	q.inflight[receipt] = inflight{entry: e, deadline: now.Add(q.visibility)}
	return &dispatch.Delivery{Item: e.item, Receipt: receipt}, nil
}

func (q *Queue) Ack(_ context.Context, d *dispatch.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, d.Receipt)
	return nil
}

func (q *Queue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.ready.Len() + len(q.inflight)), nil
}

// Pending returns a snapshot of queued items in delivery order, ignoring delays.
func (q *Queue) Pending() []dispatch.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make(entryHeap, len(q.ready))
	copy(cp, q.ready)
	out := make([]dispatch.WorkItem, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*entry).item)
	}
	return out
}

// PopAny removes and returns the next item regardless of its due time.
func (q *Queue) PopAny() (dispatch.WorkItem, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready.Len() == 0 {
		return dispatch.WorkItem{}, 0, false
	}
	e := heap.Pop(&q.ready).(*entry)
	return e.item, e.due.Sub(q.now()), true
}

func (q *Queue) reapLocked(now time.Time) {
	for receipt, f := range q.inflight {
		if !f.deadline.After(now) {
			delete(q.inflight, receipt)
			q.seq++
			f.entry.due = now
			f.entry.seq = q.seq
			heap.Push(&q.ready, f.entry)
		}
	}
}
