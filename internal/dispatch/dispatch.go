package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrEmpty = errors.New("no work item ready")

type Reason string

const (
	ReasonAdvance  Reason = "advance"
	ReasonRetry    Reason = "retry"
	ReasonPoll     Reason = "poll"
	ReasonRedrive  Reason = "redrive"
	ReasonIntake   Reason = "intake"
	ReasonDeferred Reason = "deferred"
)

// WorkItem asks a worker to run one stage for one document generation.
type WorkItem struct {
	ID         string    `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	Stage      string    `json:"stage"`
	Generation int64     `json:"generation"`
	Reason     Reason    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a dequeued item. Ack must be called once it has been handled;
// unacknowledged deliveries are redelivered.
type Delivery struct {
	Item    WorkItem
	Receipt string
}

type Dispatcher interface {
	Enqueue(ctx context.Context, item WorkItem, delay time.Duration) error
}

type Consumer interface {
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
}

type Queue interface {
	Dispatcher
	Consumer
	Len(ctx context.Context) (int64, error)
}
