package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/models"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// RateLimiterStats is a snapshot of admission state
type RateLimiterStats struct {
	ActiveUsers       int      `json:"activeUsers"`
	ActiveUserIDs     []string `json:"activeUserIds"`
	QueueLength       int      `json:"queueLength"`
	Running           int      `json:"running"`
	MaxConcurrent     int      `json:"maxConcurrent"`
	MaxQueueSize      int      `json:"maxQueueSize"`
	QueueTimeoutSec   int      `json:"queueTimeoutSeconds"`
	OldestQueuedSec   int      `json:"oldestQueuedSeconds"`
	TotalAdmitted     int64    `json:"totalAdmitted"`
	TotalRejected     int64    `json:"totalRejected"`
	TotalTimedOut     int64    `json:"totalTimedOut"`
	PerUserRateLimits bool     `json:"perUserRateLimits"`
}

// ClearAllResult reports what a forced clear released
type ClearAllResult struct {
	UsersUnlocked int `json:"usersUnlocked"`
	ItemsRejected int `json:"itemsRejected"`
}

// RateLimiterInterface admits generation work per user
type RateLimiterInterface interface {
	RequestGeneration(ctx context.Context, userID string, task GenerationTask) *models.GenerationResult
	ClearUser(userID string) bool
	ClearAll() ClearAllResult
	Stats() RateLimiterStats
}

type limiterItem struct {
	ctx        context.Context // detached from the caller; callers stop waiting on their own ctx
	userID     string
	task       GenerationTask
	enqueuedAt time.Time
	done       chan *models.GenerationResult
}

// RateLimiter allows one in-flight generation per user in front of a bounded
// FIFO with a global concurrency ceiling.
type RateLimiter struct {
	cfg     config.RateLimiterConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	clock   contextutils.Clock
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	active   map[string]struct{}
	queue    []*limiterItem
	running  int
	buckets  map[string]*rate.Limiter
	closed   bool
	admitted int64
	rejected int64
	timedOut int64
	idle     chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRateLimiter creates a rate limiter. Start launches the timeout sweep.
func NewRateLimiter(cfg config.RateLimiterConfig, clock contextutils.Clock, logger *observability.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = config.DefaultRateLimiterMaxConcurrent
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = config.DefaultMaxQueueSize
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = config.QueueItemTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.QueueSweepInterval
	}
	if clock == nil {
		clock = contextutils.SystemClock{}
	}
	return &RateLimiter{
		cfg:     cfg,
		logger:  logger.Component("rate_limiter"),
		metrics: metrics,
		clock:   clock,
		sleep:   sleepContext,
		active:  make(map[string]struct{}),
		buckets: make(map[string]*rate.Limiter),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic sweep of expired queue items
func (r *RateLimiter) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepExpired()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// RequestGeneration admits task for userID and blocks until it resolves.
// It never returns nil and never returns an error: every outcome is a result.
func (r *RateLimiter) RequestGeneration(ctx context.Context, userID string, task GenerationTask) *models.GenerationResult {
	ctx, span := observability.TraceAdmissionFunction(ctx, "request_generation", observability.AttributeUserID(userID))
	defer span.End()

	item, rejection := r.admit(ctx, userID, task)
	if rejection != nil {
		span.SetAttributes(attribute.String("admission.result", rejection.Reason))
		r.metrics.RecordAdmission(ctx, rejection.Reason)
		r.logger.Info(ctx, "Generation request rejected", map[string]interface{}{
			"user_id":     userID,
			"reason":      rejection.Reason,
			"status_code": rejection.StatusCode,
		})
		return rejection
	}
	span.SetAttributes(attribute.String("admission.result", "admitted"))
	r.metrics.RecordAdmission(ctx, "admitted")

	r.drain()

	select {
	case res := <-item.done:
		return res
	case <-ctx.Done():
		r.mu.Lock()
		removed := r.removeQueued(item)
		if removed {
			delete(r.active, userID)
		}
		r.mu.Unlock()
		// a running task keeps the user locked until it completes
		res := newRejection(contextutils.ErrTimeout, "generation request for user %s cancelled: %v", userID, ctx.Err())
		return res
	}
}

// admit applies the admission checks and enqueues the item
func (r *RateLimiter) admit(ctx context.Context, userID string, task GenerationTask) (*limiterItem, *models.GenerationResult) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.rejected++
		return nil, newRejection(contextutils.ErrServiceUnavailable, "generation service is shutting down")
	}

	if _, busy := r.active[userID]; busy {
		r.rejected++
		return nil, newRejection(contextutils.ErrUserRequestInProgress,
			"a generation request for user %s is already in progress", userID)
	}

	if wait, allowed := r.allowUser(userID, now); !allowed {
		r.rejected++
		res := newRejection(contextutils.ErrRateLimit, "user %s is starting generations too quickly", userID)
		res.RetryAfterSeconds = int(wait.Round(time.Second) / time.Second)
		if res.RetryAfterSeconds < 1 {
			res.RetryAfterSeconds = 1
		}
		return nil, res
	}

	r.active[userID] = struct{}{}
	if len(r.queue) >= r.cfg.MaxQueueSize {
		// release the lock taken for this attempt
		delete(r.active, userID)
		r.rejected++
		res := newRejection(contextutils.ErrQueueFull, "generation queue is full (%d/%d)", len(r.queue), r.cfg.MaxQueueSize)
		res.QueueSize = len(r.queue)
		return nil, res
	}

	item := &limiterItem{
		ctx:        context.WithoutCancel(ctx),
		userID:     userID,
		task:       task,
		enqueuedAt: now,
		done:       make(chan *models.GenerationResult, 1),
	}
	r.queue = append(r.queue, item)
	r.admitted++
	return item, nil
}

// allowUser consumes a token from the user's bucket. Caller holds r.mu.
func (r *RateLimiter) allowUser(userID string, now time.Time) (time.Duration, bool) {
	if r.cfg.PerUserRatePerMinute <= 0 {
		return 0, true
	}
	bucket, ok := r.buckets[userID]
	if !ok {
		burst := r.cfg.PerUserBurst
		if burst <= 0 {
			burst = 1
		}
		bucket = rate.NewLimiter(rate.Limit(r.cfg.PerUserRatePerMinute/60), burst)
		r.buckets[userID] = bucket
	}
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		return time.Minute, false
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return delay, false
	}
	return 0, true
}

// removeQueued removes item from the queue if it has not been dispatched. Caller holds r.mu.
func (r *RateLimiter) removeQueued(item *limiterItem) bool {
	for i, it := range r.queue {
		if it == item {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return true
		}
	}
	return false
}

// drain dispatches queued items while concurrency headroom exists
func (r *RateLimiter) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.running < r.cfg.MaxConcurrent && len(r.queue) > 0 {
		item := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.running++
		go r.execute(item)
	}
}

func (r *RateLimiter) execute(item *limiterItem) {
	res := r.runTask(item)

	r.mu.Lock()
	delete(r.active, item.userID)
	r.running--
	if r.running == 0 && len(r.queue) == 0 && r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
	r.mu.Unlock()

	item.done <- res

	if r.cfg.Cooldown > 0 {
		_ = r.sleep(context.Background(), r.cfg.Cooldown)
	}
	r.drain()
}

// runTask runs the task. Admission errors from the task keep their status and retry
// hint, any other error or panic becomes a 500 result.
func (r *RateLimiter) runTask(item *limiterItem) (res *models.GenerationResult) {
	defer func() {
		if p := recover(); p != nil {
			err := contextutils.ErrorWithContextf("generation task panicked: %v", p)
			r.logger.Error(item.ctx, "Generation task panicked", err, map[string]interface{}{"user_id": item.userID})
			res = newTaskErrorResult(err)
		}
	}()

	result, err := item.task(item.ctx)
	if err != nil {
		if isAdmissionError(err) {
			r.logger.Warn(item.ctx, "Generation task was not scheduled", map[string]interface{}{
				"user_id": item.userID,
				"reason":  string(contextutils.GetErrorCode(err)),
			})
			return NewFailureResult(err)
		}
		r.logger.Error(item.ctx, "Generation task failed", err, map[string]interface{}{"user_id": item.userID})
		return newTaskErrorResult(err)
	}
	if result == nil {
		return newTaskErrorResult(contextutils.ErrorWithContextf("generation task returned no result"))
	}
	return result
}

// SweepExpired rejects queued items older than the queue timeout with QUEUE_TIMEOUT
// and returns how many were evicted.
func (r *RateLimiter) SweepExpired() int {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []*limiterItem
	kept := r.queue[:0]
	for _, item := range r.queue {
		if now.Sub(item.enqueuedAt) > r.cfg.QueueTimeout {
			expired = append(expired, item)
			delete(r.active, item.userID)
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(r.queue); i++ {
		r.queue[i] = nil
	}
	r.queue = kept
	r.timedOut += int64(len(expired))
	r.mu.Unlock()

	for _, item := range expired {
		waited := now.Sub(item.enqueuedAt)
		item.done <- newRejection(contextutils.ErrQueueTimeout,
			"generation request for user %s expired after waiting %s in the queue", item.userID, waited.Round(time.Second))
	}
	if len(expired) > 0 {
		r.logger.Warn(context.Background(), "Evicted expired generation requests", map[string]interface{}{
			"evicted":       len(expired),
			"queue_timeout": r.cfg.QueueTimeout.String(),
		})
	}
	return len(expired)
}

// ClearUser force-unlocks userID and rejects any queued item of theirs.
// It reports whether the user was locked.
func (r *RateLimiter) ClearUser(userID string) bool {
	r.mu.Lock()
	_, wasActive := r.active[userID]
	delete(r.active, userID)
	var dropped []*limiterItem
	kept := r.queue[:0]
	for _, item := range r.queue {
		if item.userID == userID {
			dropped = append(dropped, item)
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(r.queue); i++ {
		r.queue[i] = nil
	}
	r.queue = kept
	r.mu.Unlock()

	for _, item := range dropped {
		item.done <- newRejection(contextutils.ErrCleanupTimeout, "generation request for user %s was cleared by an administrator", userID)
	}
	r.logger.Info(context.Background(), "Cleared user generation lock", map[string]interface{}{
		"user_id":     userID,
		"was_active":  wasActive,
		"items_freed": len(dropped),
	})
	return wasActive
}

// ClearAll rejects every queued item and unlocks every user
func (r *RateLimiter) ClearAll() ClearAllResult {
	r.mu.Lock()
	dropped := r.queue
	r.queue = nil
	users := len(r.active)
	r.active = make(map[string]struct{})
	r.mu.Unlock()

	for _, item := range dropped {
		item.done <- newRejection(contextutils.ErrCleanupTimeout, "generation request for user %s was cleared by an administrator", item.userID)
	}
	result := ClearAllResult{UsersUnlocked: users, ItemsRejected: len(dropped)}
	r.logger.Warn(context.Background(), "Cleared all generation state", map[string]interface{}{
		"users_unlocked": result.UsersUnlocked,
		"items_rejected": result.ItemsRejected,
	})
	return result
}

// Stats returns a snapshot of admission state
func (r *RateLimiter) Stats() RateLimiterStats {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	stats := RateLimiterStats{
		ActiveUsers:       len(r.active),
		ActiveUserIDs:     ids,
		QueueLength:       len(r.queue),
		Running:           r.running,
		MaxConcurrent:     r.cfg.MaxConcurrent,
		MaxQueueSize:      r.cfg.MaxQueueSize,
		QueueTimeoutSec:   int(r.cfg.QueueTimeout / time.Second),
		TotalAdmitted:     r.admitted,
		TotalRejected:     r.rejected,
		TotalTimedOut:     r.timedOut,
		PerUserRateLimits: r.cfg.PerUserRatePerMinute > 0,
	}
	if len(r.queue) > 0 {
		stats.OldestQueuedSec = int(now.Sub(r.queue[0].enqueuedAt) / time.Second)
	}
	return stats
}

// Shutdown stops the sweep, rejects queued work and waits for running tasks
func (r *RateLimiter) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	r.closed = true
	dropped := r.queue
	r.queue = nil
	for _, item := range dropped {
		delete(r.active, item.userID)
	}
	r.mu.Unlock()
	for _, item := range dropped {
		item.done <- newRejection(contextutils.ErrServiceUnavailable, "generation service is shutting down")
	}

	r.mu.Lock()
	if r.running == 0 {
		r.mu.Unlock()
		return nil
	}
	if r.idle == nil {
		r.idle = make(chan struct{})
	}
	idle, running := r.idle, r.running
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rate limiter shutdown timed out with %d generations running: %w", running, ctx.Err())
	}
}
