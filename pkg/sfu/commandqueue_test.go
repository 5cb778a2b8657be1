package sfu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitReturnsResult(t *testing.T) {
	q := NewCommandQueue(1000, 100, nil)
	q.Start()
	defer q.Stop()

	v, err := Submit(context.Background(), q, 0, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSubmitPropagatesError(t *testing.T) {
	q := NewCommandQueue(1000, 100, nil)
	q.Start()
	defer q.Stop()

	sentinel := assert.AnError
	_, err := Submit(context.Background(), q, 0, func() (int, error) {
		return 0, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestSubmitRunsCommandsSerially(t *testing.T) {
	q := NewCommandQueue(1000, 100, nil)
	q.Start()
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	running, maxRunning := 0, 0

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Submit(context.Background(), q, 0, func() (struct{}, error) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				order = append(order, i)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 20)
	assert.Equal(t, 1, maxRunning)
}

func TestSubmitAfterStopFails(t *testing.T) {
	q := NewCommandQueue(1000, 100, nil)
	q.Start()
	q.Stop()

	_, err := Submit(context.Background(), q, 0, func() (int, error) {
		return 1, nil
	})
	assert.Error(t, err)
}

func TestSubmitHonorsCallerContextCancellation(t *testing.T) {
	q := NewCommandQueue(1000, 100, nil)
	q.Start()
	defer q.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker so the next command queues behind it.
	go Submit(context.Background(), q, 0, func() (struct{}, error) {
		<-block
		return struct{}{}, nil
	})
	time.Sleep(5 * time.Millisecond)

	_, err := Submit(ctx, q, 0, func() (int, error) {
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
