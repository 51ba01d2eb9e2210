// Package worker consumes the dispatch queue and hands each work item to the
// stage orchestrator on a bounded goroutine pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/dispatch"
	"github.com/legal-doc-processor/backend/internal/metrics"
	"github.com/legal-doc-processor/backend/internal/pipeline"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

type Handler interface {
	Handle(ctx context.Context, item dispatch.WorkItem) (pipeline.Outcome, error)
}

// Reaper is implemented by queues that recover expired leases out of band.
type Reaper interface {
	Reap(ctx context.Context, limit int) (int, error)
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
}

type Worker struct {
	queue   dispatch.Queue
	handler Handler
	pool    *ants.Pool
	cfg     Config
	wg      sync.WaitGroup
}

func New(queue dispatch.Queue, handler Handler, cfg Config) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}

	pool, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(p any) {
		logger.Error("Work item handler panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Worker{queue: queue, handler: handler, pool: pool, cfg: cfg}, nil
}

// Run consumes until ctx is cancelled, then waits for in-flight items. Items
// already dequeued are finished with a context that outlives ctx.
func (w *Worker) Run(ctx context.Context) error {
	defer w.pool.Release()

	var maintenance sync.WaitGroup
	maintenance.Add(1)
	go func() {
		defer maintenance.Done()
		w.maintain(ctx)
	}()

	logger.Info("Worker started", zap.Int("concurrency", w.cfg.Concurrency))
	work := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		if w.pool.Free() == 0 {
			w.sleep(ctx, w.cfg.PollInterval/10)
			continue
		}

		d, err := w.queue.Dequeue(ctx)
		if errors.Is(err, dispatch.ErrEmpty) {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Failed to dequeue work item", zap.Error(err))
				w.sleep(ctx, w.cfg.PollInterval)
			}
			continue
		}

		w.wg.Add(1)
		if err := w.pool.Submit(func() {
			defer w.wg.Done()
			w.process(work, d)
		}); err != nil {
			w.wg.Done()
			logger.Error("Failed to schedule work item; it will be redelivered",
				zap.String("item_id", d.Item.ID),
				zap.Error(err),
			)
		}
	}

	w.wg.Wait()
	maintenance.Wait()
	logger.Info("Worker stopped")
	return nil
}

func (w *Worker) process(ctx context.Context, d *dispatch.Delivery) {
	item := d.Item
	fields := []zap.Field{
		zap.String("item_id", item.ID),
		zap.String("document_id", item.DocumentID.String()),
		zap.String("stage", item.Stage),
		zap.Int64("generation", item.Generation),
		zap.String("reason", string(item.Reason)),
	}

	outcome, err := w.handler.Handle(ctx, item)
	if outcome == "" {
		// Not acked: the lease expires and the item is delivered again.
		logger.Error("Work item not handled", append(fields, zap.Error(err))...)
		return
	}

	switch {
	case err == nil:
		logger.Debug("Work item handled", append(fields, zap.String("outcome", string(outcome)))...)
	case outcome == pipeline.OutcomeSkipped:
		logger.Debug("Work item skipped", append(fields, zap.Error(err))...)
	default:
		logger.Warn("Work item handled with error",
			append(fields, zap.String("outcome", string(outcome)), zap.Error(err))...)
	}

	if err := w.queue.Ack(ctx, d); err != nil {
		logger.Warn("Failed to ack work item", append(fields, zap.Error(err))...)
	}
}

// maintain reaps expired leases and samples the queue depth.
func (w *Worker) maintain(ctx context.Context) {
	reaper, _ := w.queue.(Reaper)
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		if reaper != nil {
			if _, err := reaper.Reap(ctx, 100); err != nil && ctx.Err() == nil {
				logger.Warn("Failed to reap work items", zap.Error(err))
			}
		}
		if n, err := w.queue.Len(ctx); err == nil {
			metrics.QueueDepth.Set(float64(n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
