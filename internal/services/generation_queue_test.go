package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lessongen/internal/config"
	"lessongen/internal/models"
	contextutils "lessongen/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func successTask(ctx context.Context) (*models.GenerationResult, error) {
	return &models.GenerationResult{Success: true, StatusCode: 200}, nil
}

// blockingTask blocks until release is closed and records the peak concurrency
func blockingTask(release <-chan struct{}, current, peak *int32) GenerationTask {
	return func(ctx context.Context) (*models.GenerationResult, error) {
		n := atomic.AddInt32(current, 1)
		for {
			p := atomic.LoadInt32(peak)
			if n <= p || atomic.CompareAndSwapInt32(peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(current, -1)
		return &models.GenerationResult{Success: true, StatusCode: 200}, nil
	}
}

func TestGenerationQueue_RespectsMaxConcurrent(t *testing.T) {
	q := NewGenerationQueue(config.QueueConfig{MaxConcurrent: 3}, newTestLogger())
	release := make(chan struct{})
	var current, peak int32

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := q.Add(context.Background(), fmt.Sprintf("u%d", i), blockingTask(release, &current, &peak))
			assert.NoError(t, err)
			assert.True(t, res.Success)
		}(i)
	}

	assert.Eventually(t, func() bool {
		s := q.Stats()
		return s.Running == 3 && s.Pending == 7
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	stats := q.Stats()
	assert.Equal(t, int64(10), stats.TotalProcessed)
	assert.Equal(t, int64(0), stats.TotalFailed)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 0, stats.Pending)
}

func TestGenerationQueue_FIFO(t *testing.T) {
	q := NewGenerationQueue(config.QueueConfig{MaxConcurrent: 1}, newTestLogger())
	gate := make(chan struct{})
	var order []int
	var mu sync.Mutex

	go func() {
		_, _ = q.Add(context.Background(), "first", func(ctx context.Context) (*models.GenerationResult, error) {
			<-gate
			return &models.GenerationResult{Success: true}, nil
		})
	}()
	assert.Eventually(t, func() bool { return q.Stats().Running == 1 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = q.Add(context.Background(), fmt.Sprintf("u%d", i), func(ctx context.Context) (*models.GenerationResult, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return &models.GenerationResult{Success: true}, nil
			})
		}(i)
		// enqueue in a known order
		assert.Eventually(t, func() bool { return q.Stats().Pending == i+1 }, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestGenerationQueue_CountsFailuresAndPanics(t *testing.T) {
	q := NewGenerationQueue(config.QueueConfig{MaxConcurrent: 2}, newTestLogger())

	_, err := q.Add(context.Background(), "u1", func(ctx context.Context) (*models.GenerationResult, error) {
		return nil, errors.New("boom")
	})
	assert.EqualError(t, err, "boom")

	res, err := q.Add(context.Background(), "u2", func(ctx context.Context) (*models.GenerationResult, error) {
		return &models.GenerationResult{Success: false, StatusCode: 400}, nil
	})
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = q.Add(context.Background(), "u3", func(ctx context.Context) (*models.GenerationResult, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	_, err = q.Add(context.Background(), "u4", successTask)
	require.NoError(t, err)

	stats := q.Stats()
	assert.Equal(t, int64(4), stats.TotalProcessed)
	assert.Equal(t, int64(3), stats.TotalFailed)
	assert.Equal(t, 0, stats.Running)
}

func TestGenerationQueue_ClearRejectsPending(t *testing.T) {
	q := NewGenerationQueue(config.QueueConfig{MaxConcurrent: 1}, newTestLogger())
	gate := make(chan struct{})
	defer close(gate)

	go func() {
		_, _ = q.Add(context.Background(), "running", func(ctx context.Context) (*models.GenerationResult, error) {
			<-gate
			return &models.GenerationResult{Success: true}, nil
		})
	}()
	assert.Eventually(t, func() bool { return q.Stats().Running == 1 }, time.Second, time.Millisecond)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := q.Add(context.Background(), "pending", successTask)
			errs <- err
		}()
	}
	assert.Eventually(t, func() bool { return q.Stats().Pending == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, 2, q.Clear())
	for i := 0; i < 2; i++ {
		err := <-errs
		assert.True(t, contextutils.IsError(err, contextutils.ErrQueueCleared))
	}
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestGenerationQueue_CancelledWhilePending(t *testing.T) {
	q := NewGenerationQueue(config.QueueConfig{MaxConcurrent: 1}, newTestLogger())
	gate := make(chan struct{})
	defer close(gate)

	go func() {
		_, _ = q.Add(context.Background(), "running", func(ctx context.Context) (*models.GenerationResult, error) {
			<-gate
			return &models.GenerationResult{Success: true}, nil
		})
	}()
	assert.Eventually(t, func() bool { return q.Stats().Running == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var ran int32
	_, err := q.Add(ctx, "late", func(ctx context.Context) (*models.GenerationResult, error) {
		atomic.StoreInt32(&ran, 1)
		return nil, nil
	})
	assert.True(t, contextutils.IsError(err, contextutils.ErrTimeout))
	assert.Equal(t, 0, q.Stats().Pending)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestGenerationQueue_Shutdown(t *testing.T) {
	q := NewGenerationQueue(config.QueueConfig{MaxConcurrent: 1}, newTestLogger())
	gate := make(chan struct{})

	go func() {
		_, _ = q.Add(context.Background(), "running", func(ctx context.Context) (*models.GenerationResult, error) {
			<-gate
			return &models.GenerationResult{Success: true}, nil
		})
	}()
	assert.Eventually(t, func() bool { return q.Stats().Running == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	err := q.Shutdown(ctx)
	cancel()
	assert.Error(t, err)

	_, err = q.Add(context.Background(), "after", successTask)
	assert.True(t, contextutils.IsError(err, contextutils.ErrServiceUnavailable))

	close(gate)
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, q.Shutdown(ctx))
}
