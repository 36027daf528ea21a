package services

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/models"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel/attribute"
)

// GenerationQueueStats is a snapshot of the generation queue
type GenerationQueueStats struct {
	Pending             int     `json:"pending"`
	Running             int     `json:"running"`
	MaxConcurrent       int     `json:"maxConcurrent"`
	TotalProcessed      int64   `json:"totalProcessed"`
	TotalFailed         int64   `json:"totalFailed"`
	AverageProcessingMS float64 `json:"averageProcessingMs"`
}

// GenerationQueueInterface caps the number of tasks running at once
type GenerationQueueInterface interface {
	Add(ctx context.Context, userID string, task GenerationTask) (*models.GenerationResult, error)
	Clear() int
	Stats() GenerationQueueStats
}

type taskOutcome struct {
	result *models.GenerationResult
	err    error
}

type queuedTask struct {
	ctx        context.Context // detached from the caller; callers stop waiting on their own ctx
	userID     string
	task       GenerationTask
	enqueuedAt time.Time
	done       chan taskOutcome
}

// GenerationQueue is a FIFO executor with a fixed number of running slots.
// Completion of a task pulls the next one, there is no polling.
type GenerationQueue struct {
	maxConcurrent int
	logger        *observability.Logger

	mu        sync.Mutex
	pending   *list.List
	running   int
	processed int64
	failed    int64
	totalTime time.Duration
	closed    bool
	idle      chan struct{}
}

// NewGenerationQueue creates a queue running at most cfg.MaxConcurrent tasks
func NewGenerationQueue(cfg config.QueueConfig, logger *observability.Logger) *GenerationQueue {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultQueueMaxConcurrent
	}
	return &GenerationQueue{
		maxConcurrent: maxConcurrent,
		logger:        logger.Component("generation_queue"),
		pending:       list.New(),
	}
}

// Add enqueues task and waits for its outcome or for ctx to end.
// A cancelled caller leaves a running task to finish on its own.
func (q *GenerationQueue) Add(ctx context.Context, userID string, task GenerationTask) (result *models.GenerationResult, err error) {
	ctx, span := observability.TraceAdmissionFunction(ctx, "generation_queue_add", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	item := &queuedTask{
		ctx:        context.WithoutCancel(ctx),
		userID:     userID,
		task:       task,
		enqueuedAt: time.Now(),
		done:       make(chan taskOutcome, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, contextutils.WrapError(contextutils.ErrServiceUnavailable, "generation queue is shutting down")
	}
	elem := q.pending.PushBack(item)
	span.SetAttributes(attribute.Int("queue.position", q.pending.Len()))
	q.mu.Unlock()

	q.pull()

	select {
	case out := <-item.done:
		return out.result, out.err
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removePending(elem)
		q.mu.Unlock()
		if removed {
			return nil, contextutils.WrapErrorf(contextutils.ErrTimeout, "gave up waiting for a generation slot: %v", ctx.Err())
		}
		return nil, contextutils.WrapErrorf(contextutils.ErrTimeout, "generation did not finish in time: %v", ctx.Err())
	}
}

// removePending removes elem if it is still queued. Caller holds q.mu.
func (q *GenerationQueue) removePending(elem *list.Element) bool {
	for e := q.pending.Front(); e != nil; e = e.Next() {
		if e == elem {
			q.pending.Remove(e)
			return true
		}
	}
	return false
}

// pull starts queued tasks while running slots are free
func (q *GenerationQueue) pull() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running < q.maxConcurrent && q.pending.Len() > 0 {
		item := q.pending.Remove(q.pending.Front()).(*queuedTask)
		q.running++
		go q.run(item)
	}
}

func (q *GenerationQueue) run(item *queuedTask) {
	started := time.Now()
	out := q.invoke(item)
	elapsed := time.Since(started)

	q.mu.Lock()
	q.running--
	q.processed++
	q.totalTime += elapsed
	if out.err != nil || (out.result != nil && !out.result.Success) {
		q.failed++
	}
	if q.running == 0 && q.pending.Len() == 0 && q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
	q.mu.Unlock()

	item.done <- out
	q.pull()
}

func (q *GenerationQueue) invoke(item *queuedTask) (out taskOutcome) {
	defer func() {
		if r := recover(); r != nil {
			err := contextutils.ErrorWithContextf("generation task panicked: %v", r)
			q.logger.Error(item.ctx, "Generation task panicked", err, map[string]interface{}{"user_id": item.userID})
			out = taskOutcome{err: err}
		}
	}()
	result, err := item.task(item.ctx)
	return taskOutcome{result: result, err: err}
}

// Clear rejects every pending task with QUEUE_CLEARED and returns how many were dropped
func (q *GenerationQueue) Clear() int {
	q.mu.Lock()
	var dropped []*queuedTask
	for e := q.pending.Front(); e != nil; e = e.Next() {
		dropped = append(dropped, e.Value.(*queuedTask))
	}
	q.pending.Init()
	q.mu.Unlock()

	for _, item := range dropped {
		item.done <- taskOutcome{err: contextutils.WrapError(contextutils.ErrQueueCleared, "generation queue was cleared")}
	}
	if len(dropped) > 0 {
		q.logger.Warn(context.Background(), "Generation queue cleared", map[string]interface{}{"dropped": len(dropped)})
	}
	return len(dropped)
}

// Stats returns a snapshot of the queue counters
func (q *GenerationQueue) Stats() GenerationQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := GenerationQueueStats{
		Pending:        q.pending.Len(),
		Running:        q.running,
		MaxConcurrent:  q.maxConcurrent,
		TotalProcessed: q.processed,
		TotalFailed:    q.failed,
	}
	if q.processed > 0 {
		stats.AverageProcessingMS = float64(q.totalTime.Milliseconds()) / float64(q.processed)
	}
	return stats
}

// Shutdown stops accepting work, drops pending tasks and waits for running ones
func (q *GenerationQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.Clear()

	q.mu.Lock()
	if q.running == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	running := q.running
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("generation queue shutdown timed out with %d tasks running: %w", running, ctx.Err())
	}
}
