package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/cache"
	"github.com/legal-doc-processor/backend/internal/capability"
	"github.com/legal-doc-processor/backend/internal/chunker"
	"github.com/legal-doc-processor/backend/internal/dispatch"
	"github.com/legal-doc-processor/backend/internal/metrics"
	"github.com/legal-doc-processor/backend/internal/poller"
	"github.com/legal-doc-processor/backend/internal/resolver"
	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/logger"
	"github.com/legal-doc-processor/backend/pkg/retry"
)

const maxMutateAttempts = 8

// RecordStore is the durable state the orchestrator reads and writes. The
// context passed to calls inside WithTransaction carries the transaction.
type RecordStore interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	UpdateDocument(ctx context.Context, doc *models.Document) error
	AcquireLock(ctx context.Context, documentID uuid.UUID, stage, owner string, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, documentID uuid.UUID, owner string) error

	SaveExtractedText(ctx context.Context, text *models.ExtractedText) error
	GetExtractedText(ctx context.Context, documentID uuid.UUID, generation int64) (*models.ExtractedText, error)
	InsertChunks(ctx context.Context, chunks []models.Chunk) error
	ListChunks(ctx context.Context, documentID uuid.UUID, generation int64) ([]models.Chunk, error)
	InsertMentions(ctx context.Context, mentions []models.EntityMention) error
	ListMentions(ctx context.Context, documentID uuid.UUID, generation int64) ([]models.EntityMention, error)
	InsertCanonicalEntities(ctx context.Context, entities []models.CanonicalEntity) error
	AssignCanonical(ctx context.Context, mentionID, canonicalID uuid.UUID) error
	ListCanonicalEntities(ctx context.Context, documentID uuid.UUID, generation int64) ([]models.CanonicalEntity, error)
	InsertRelationships(ctx context.Context, rels []models.Relationship) error
	ListRelationships(ctx context.Context, documentID uuid.UUID, generation int64) ([]models.Relationship, error)

	poller.HandleStore
	AbandonJobHandles(ctx context.Context, documentID uuid.UUID, generation int64) (int64, error)
}

// GraphSink receives the finished graph of a document.
type GraphSink interface {
	Project(ctx context.Context, doc *models.Document, entities []models.CanonicalEntity, rels []models.Relationship) error
}

type Deps struct {
	Store     RecordStore
	Cache     cache.Store
	Queue     dispatch.Dispatcher
	Extractor capability.Extractor
	Mentions  capability.MentionExtractor
	// Graph is optional.
	Graph GraphSink
}

type Config struct {
	Retry              retry.Policy
	LockLease          time.Duration
	CacheVersion       int
	CacheTTL           func(stage string) time.Duration
	WorkerID           string
	ChunkWindow        int
	ChunkOverlap       int
	Resolver           resolver.Config
	MentionConcurrency int
	ExtractionTimeout  time.Duration
	PollSchedule       retry.Backoff
	Now                func() time.Time
}

// Outcome is what a single Advance did. An empty Outcome with an error means
// the stage never started and the work item should be delivered again.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeWaiting   Outcome = "waiting"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

type Orchestrator struct {
	store      RecordStore
	cache      cache.Store
	queue      dispatch.Dispatcher
	mentions   capability.MentionExtractor
	graph      GraphSink
	extraction *poller.Poller[string, capability.ExtractionResult]
	resolver   *resolver.Resolver
	cfg        Config
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Cache == nil || deps.Queue == nil || deps.Extractor == nil || deps.Mentions == nil {
		return nil, errors.New("orchestrator requires a record store, cache, queue, extractor and mention extractor")
	}

	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 5 * time.Minute
	}
	if cfg.CacheVersion == 0 {
		cfg.CacheVersion = 1
	}
	if cfg.CacheTTL == nil {
		cfg.CacheTTL = func(string) time.Duration { return 24 * time.Hour }
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerID = host
	}
	if cfg.ChunkWindow == 0 {
		cfg.ChunkWindow = chunker.DefaultWindowSize
		cfg.ChunkOverlap = chunker.DefaultOverlap
	}
	if cfg.ChunkWindow < 1 || cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkWindow {
		return nil, fmt.Errorf("chunk window %d with overlap %d: %w", cfg.ChunkWindow, cfg.ChunkOverlap, chunker.ErrInvalidWindow)
	}
	if cfg.Resolver == (resolver.Config{}) {
		cfg.Resolver = resolver.DefaultConfig()
	}
	if cfg.MentionConcurrency <= 0 {
		cfg.MentionConcurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	res, err := resolver.New(cfg.Resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	return &Orchestrator{
		store:    deps.Store,
		cache:    deps.Cache,
		queue:    deps.Queue,
		mentions: deps.Mentions,
		graph:    deps.Graph,
		extraction: poller.New[string, capability.ExtractionResult](deps.Extractor, deps.Store, poller.Config{
			Timeout:  cfg.ExtractionTimeout,
			Schedule: cfg.PollSchedule,
			Now:      cfg.Now,
		}),
		resolver: res,
		cfg:      cfg,
	}, nil
}

// Handle runs a delivered work item. Items from an older generation are
// dropped without touching the document; items that find the document
// locked are deferred.
func (o *Orchestrator) Handle(ctx context.Context, item dispatch.WorkItem) (Outcome, error) {
	stage, err := ParseStage(item.Stage)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("work item %s: %w", item.ID, err)
	}

	doc, err := o.store.GetDocument(ctx, item.DocumentID)
	if errors.Is(err, models.ErrNotFound) {
		return OutcomeSkipped, stageError(KindDataIntegrity, stage, item.DocumentID, err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load document: %w", err)
	}

	if item.Generation != doc.Generation {
		logger.Info("Dropping work item from an earlier generation",
			zap.String("document_id", item.DocumentID.String()),
			zap.String("stage", item.Stage),
			zap.Int64("item_generation", item.Generation),
			zap.Int64("generation", doc.Generation),
		)
		return OutcomeSkipped, stageError(KindStaleGeneration, stage, item.DocumentID, ErrStaleGeneration)
	}

	outcome, err := o.Advance(ctx, item.DocumentID, stage)
	var se *StageError
	if errors.As(err, &se) && se.Kind == KindAlreadyInProgress {
		// The holder may be on an older generation. Duplicates of a stage
		// that completes meanwhile are rejected as out of order later.
		if qerr := o.enqueue(ctx, item.DocumentID, stage, item.Generation, dispatch.ReasonDeferred, o.cfg.Retry.Backoff.Delay(0)); qerr != nil {
			return "", fmt.Errorf("failed to defer work item %s: %w", item.ID, qerr)
		}
	}
	return outcome, err
}

// Advance executes one stage for one document under the per-document lock.
// Guard rejections (out of order, already in progress, stale generation) come
// back as OutcomeSkipped with a *StageError and leave no side effects.
func (o *Orchestrator) Advance(ctx context.Context, documentID uuid.UUID, stage Stage) (Outcome, error) {
	if !stage.Valid() {
		return OutcomeSkipped, fmt.Errorf("unknown stage %d", int(stage))
	}
	name := stage.String()
	lg := logger.GetLogger().With(zap.String("document_id", documentID.String()), zap.String("stage", name))

	doc, err := o.store.GetDocument(ctx, documentID)
	if errors.Is(err, models.ErrNotFound) {
		return OutcomeSkipped, stageError(KindDataIntegrity, stage, documentID, err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load document: %w", err)
	}
	if err := o.runnable(doc, stage); err != nil {
		lg.Debug("Stage not runnable", zap.Error(err))
		return OutcomeSkipped, stageError(KindOutOfOrder, stage, documentID, err)
	}

	owner := o.cfg.WorkerID + "/" + uuid.NewString()
	acquired, err := o.store.AcquireLock(ctx, documentID, name, owner, o.cfg.LockLease)
	if err != nil {
		return "", fmt.Errorf("failed to acquire stage lock: %w", err)
	}
	if !acquired {
		lg.Info("Stage already in progress")
		return OutcomeSkipped, stageError(KindAlreadyInProgress, stage, documentID, ErrAlreadyInProgress)
	}

	locked := true
	unlock := func() {
		if !locked {
			return
		}
		locked = false
		if err := o.store.ReleaseLock(context.WithoutCancel(ctx), documentID, owner); err != nil {
			lg.Warn("Failed to release stage lock", zap.Error(err))
		}
	}
	defer unlock()

	started := o.cfg.Now()
	var abandoned bool
	doc, err = o.mutate(ctx, documentID, func(d *models.Document) error {
		if err := o.runnable(d, stage); err != nil {
			return err
		}
		st := d.Stage(name)
		abandoned = false
		if st.State == models.StageRunning {
			// The previous run died holding the stage; it counts as an attempt.
			st.AttemptCount++
			st.LastError = ErrInterrupted.Error()
			st.ErrorKind = string(KindTransientExternal)
			if st.AttemptCount >= o.cfg.Retry.MaxAttempts {
				abandoned = true
				st.State = models.StageFailed
				d.Status = models.DocumentFailed
				d.SetStage(name, st)
				return nil
			}
		}
		st.State = models.StageRunning
		st.StartedAt = &started
		st.CompletedAt = nil
		d.SetStage(name, st)
		if d.Status == models.DocumentPending {
			d.Status = models.DocumentProcessing
		}
		return nil
	})
	if errors.Is(err, ErrOutOfOrder) {
		lg.Debug("Stage not runnable after lock", zap.Error(err))
		return OutcomeSkipped, stageError(KindOutOfOrder, stage, documentID, err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark stage running: %w", err)
	}

	gen := doc.Generation
	if abandoned {
		attempts := doc.Stage(name).AttemptCount
		return o.terminate(ctx, doc, stage, KindTransientExternal, attempts, ErrInterrupted, unlock, lg, started)
	}
	lg = lg.With(zap.Int64("generation", gen), zap.Int("attempt", doc.Stage(name).AttemptCount+1))
	lg.Info("Stage started")

	res, err := o.execute(ctx, doc, stage)
	if err == nil && res.pending {
		return o.suspend(ctx, doc, stage, res.wait, unlock, lg, started)
	}
	if err == nil {
		o.remember(ctx, stage, res, lg)
		err = o.complete(ctx, doc, stage, res)
	}
	if err != nil {
		return o.fail(ctx, doc, stage, err, unlock, lg, started)
	}
	unlock()

	metrics.ObserveStage(name, string(OutcomeCompleted), o.cfg.Now().Sub(started))
	lg.Info("Stage completed", zap.Bool("cache_hit", res.hit))

	next, ok := stage.Next()
	if !ok {
		metrics.DocumentsFinished.WithLabelValues(string(models.DocumentCompleted)).Inc()
		return OutcomeCompleted, nil
	}
	if err := o.enqueue(ctx, documentID, next, gen, dispatch.ReasonAdvance, 0); err != nil {
		lg.Error("Failed to enqueue next stage", zap.String("next", next.String()), zap.Error(err))
		return OutcomeCompleted, fmt.Errorf("stage completed but enqueue of %s failed: %w", next, err)
	}
	return OutcomeCompleted, nil
}

// remember caches a freshly computed result ahead of the completion
// transaction. A retry after a failed or discarded completion reuses it.
func (o *Orchestrator) remember(ctx context.Context, stage Stage, res *stepResult, lg *zap.Logger) {
	if res.cacheKey == "" || res.hit {
		return
	}
	err := cache.PutJSON(ctx, o.cache, res.cacheKey, o.cfg.CacheVersion, res.payload, o.cfg.CacheTTL(stage.String()))
	if err != nil {
		lg.Warn("Failed to cache stage result", zap.Error(err))
	}
}

// runnable reports ErrOutOfOrder unless every earlier stage is completed and
// this one is fresh, interrupted, waiting on a job, or due for a retry.
func (o *Orchestrator) runnable(doc *models.Document, stage Stage) error {
	if doc.Status.Terminal() {
		return fmt.Errorf("document is %s: %w", doc.Status, ErrOutOfOrder)
	}
	for _, prev := range Stages()[:int(stage)-1] {
		if st := doc.Stage(prev.String()); st.State != models.StageCompleted {
			return fmt.Errorf("%s is %s: %w", prev, st.State, ErrOutOfOrder)
		}
	}

	st := doc.Stage(stage.String())
	switch st.State {
	case models.StageNotStarted, models.StageRunning, models.StageWaiting:
		return nil
	case models.StageRetrying:
		if st.AttemptCount < o.cfg.Retry.MaxAttempts {
			return nil
		}
	}
	return fmt.Errorf("%s is %s after %d attempts: %w", stage, st.State, st.AttemptCount, ErrOutOfOrder)
}

// mutate applies fn to a fresh copy of the document and writes it back,
// retrying on version conflicts.
func (o *Orchestrator) mutate(ctx context.Context, id uuid.UUID, fn func(doc *models.Document) error) (*models.Document, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		doc, err := o.store.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		err = o.store.UpdateDocument(ctx, doc)
		if errors.Is(err, models.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return doc, nil
	}
	return nil, fmt.Errorf("document %s kept changing: %w", id, models.ErrVersionConflict)
}

// complete persists the stage output and marks the stage completed in one
// transaction, provided the document was not reset in the meantime.
func (o *Orchestrator) complete(ctx context.Context, doc *models.Document, stage Stage, res *stepResult) error {
	name := stage.String()
	gen := doc.Generation

	var err error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		err = o.store.WithTransaction(ctx, func(ctx context.Context) error {
			cur, err := o.store.GetDocument(ctx, doc.ID)
			if err != nil {
				return err
			}
			if cur.Generation != gen {
				return ErrStaleGeneration
			}
			if st := cur.Stage(name); st.State == models.StageCompleted {
				return fmt.Errorf("%s was completed by another run: %w", name, ErrOutOfOrder)
			}
			if res.persist != nil {
				if err := res.persist(ctx, cur); err != nil {
					return err
				}
			}

			now := o.cfg.Now()
			st := cur.Stage(name)
			st.State = models.StageCompleted
			st.CompletedAt = &now
			st.LastError = ""
			st.ErrorKind = ""
			st.Generation = gen
			cur.SetStage(name, st)
			if stage == StageFinalized {
				cur.Status = models.DocumentCompleted
			}
			return o.store.UpdateDocument(ctx, cur)
		})
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}
	}
	return err
}

func (o *Orchestrator) suspend(ctx context.Context, doc *models.Document, stage Stage, wait time.Duration, unlock func(), lg *zap.Logger, started time.Time) (Outcome, error) {
	name := stage.String()
	gen := doc.Generation

	_, err := o.mutate(ctx, doc.ID, func(d *models.Document) error {
		if d.Generation != gen {
			return ErrStaleGeneration
		}
		st := d.Stage(name)
		st.State = models.StageWaiting
		d.SetStage(name, st)
		return nil
	})
	if errors.Is(err, ErrStaleGeneration) {
		lg.Info("Document reset while waiting on external job")
		return OutcomeSkipped, stageError(KindStaleGeneration, stage, doc.ID, err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark stage waiting: %w", err)
	}
	unlock()

	metrics.ObserveStage(name, string(OutcomeWaiting), o.cfg.Now().Sub(started))
	lg.Debug("Stage waiting on external job", zap.Duration("wait", wait))

	if err := o.enqueue(ctx, doc.ID, stage, gen, dispatch.ReasonPoll, wait); err != nil {
		lg.Error("Failed to enqueue poll", zap.Error(err))
		return OutcomeWaiting, fmt.Errorf("failed to enqueue poll: %w", err)
	}
	return OutcomeWaiting, nil
}

func (o *Orchestrator) fail(ctx context.Context, doc *models.Document, stage Stage, cause error, unlock func(), lg *zap.Logger, started time.Time) (Outcome, error) {
	name := stage.String()
	kind := Classify(cause)
	serr := stageError(kind, stage, doc.ID, cause)

	if kind.Guard() {
		unlock()
		lg.Info("Stage result discarded", zap.String("kind", string(kind)), zap.Error(cause))
		metrics.ObserveStage(name, string(OutcomeSkipped), o.cfg.Now().Sub(started))
		return OutcomeSkipped, serr
	}

	gen := doc.Generation
	var (
		delay    time.Duration
		retrying bool
		attempts int
	)
	_, err := o.mutate(ctx, doc.ID, func(d *models.Document) error {
		if d.Generation != gen {
			return ErrStaleGeneration
		}
		st := d.Stage(name)
		if st.State == models.StageCompleted {
			return fmt.Errorf("%s was completed by another run: %w", name, ErrOutOfOrder)
		}
		st.AttemptCount++
		st.LastError = cause.Error()
		st.ErrorKind = string(kind)

		delay, retrying = 0, false
		if kind.Retryable() {
			delay, retrying = o.cfg.Retry.Next(st.AttemptCount)
		}
		if retrying {
			st.State = models.StageRetrying
		} else {
			st.State = models.StageFailed
			d.Status = models.DocumentFailed
		}
		attempts = st.AttemptCount
		d.SetStage(name, st)
		return nil
	})
	if errors.Is(err, ErrStaleGeneration) {
		unlock()
		lg.Info("Document reset while stage was failing", zap.Error(cause))
		return OutcomeSkipped, stageError(KindStaleGeneration, stage, doc.ID, err)
	}
	if errors.Is(err, ErrOutOfOrder) {
		unlock()
		lg.Info("Stage failure discarded", zap.Error(err), zap.NamedError("cause", cause))
		metrics.ObserveStage(name, string(OutcomeSkipped), o.cfg.Now().Sub(started))
		return OutcomeSkipped, stageError(KindOutOfOrder, stage, doc.ID, err)
	}
	if err != nil {
		return "", fmt.Errorf("failed to record stage failure (%v): %w", cause, err)
	}

	if !retrying {
		return o.terminate(ctx, doc, stage, kind, attempts, cause, unlock, lg, started)
	}
	metrics.StageRetries.WithLabelValues(name, string(kind)).Inc()

	unlock()
	metrics.ObserveStage(name, string(OutcomeRetrying), o.cfg.Now().Sub(started))
	lg.Warn("Stage failed, retry scheduled",
		zap.String("kind", string(kind)),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	if err := o.enqueue(ctx, doc.ID, stage, gen, dispatch.ReasonRetry, delay); err != nil {
		lg.Error("Failed to enqueue retry", zap.Error(err))
		return OutcomeRetrying, errors.Join(serr, fmt.Errorf("failed to enqueue retry: %w", err))
	}
	return OutcomeRetrying, serr
}

// terminate finishes the bookkeeping for a stage already recorded as failed.
func (o *Orchestrator) terminate(ctx context.Context, doc *models.Document, stage Stage, kind Kind, attempts int, cause error, unlock func(), lg *zap.Logger, started time.Time) (Outcome, error) {
	name := stage.String()
	metrics.StageRetries.WithLabelValues(name, string(kind)).Inc()
	if stage == StageExtraction {
		key := poller.Key{DocumentID: doc.ID, Stage: name, Generation: doc.Generation}
		if err := o.extraction.Finish(ctx, key); err != nil {
			lg.Warn("Failed to clear job handle", zap.Error(err))
		}
	}
	unlock()
	metrics.ObserveStage(name, string(OutcomeFailed), o.cfg.Now().Sub(started))
	metrics.DocumentsFinished.WithLabelValues(string(models.DocumentFailed)).Inc()
	lg.Error("Stage failed",
		zap.String("kind", string(kind)),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	return OutcomeFailed, stageError(kind, stage, doc.ID, cause)
}

func (o *Orchestrator) enqueue(ctx context.Context, documentID uuid.UUID, stage Stage, generation int64, reason dispatch.Reason, delay time.Duration) error {
	return o.queue.Enqueue(ctx, dispatch.WorkItem{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Stage:      stage.String(),
		Generation: generation,
		Reason:     reason,
		EnqueuedAt: o.cfg.Now(),
	}, delay)
}
