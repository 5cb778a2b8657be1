package sfu

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethan/mediabridge-router/pkg/logger"
	"golang.org/x/time/rate"
)

// commandTimeout bounds how long a single queued mutation may run before the
// queue gives up on it and reports a timeout to the caller; the router's
// worker loop keeps draining subsequent commands regardless.
const commandTimeout = 10 * time.Second

// command is one queued router mutation. fn performs the mutation and
// returns its result via the embedded channel; lower priority runs first,
// and seq breaks ties in submission order, matching a FIFO within one
// priority tier.
type command struct {
	fn       func() (any, error)
	priority int
	seq      uint64
	result   chan commandResult
	index    int // heap bookkeeping
}

type commandResult struct {
	value any
	err   error
}

// commandHeap is a container/heap-ordered priority queue of pending
// commands: lower priority value runs first, ties broken by submission
// sequence (FIFO).
type commandHeap []*command

func (h commandHeap) Len() int { return len(h) }
func (h commandHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h commandHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *commandHeap) Push(x any) {
	c := x.(*command)
	c.index = len(*h)
	*h = append(*h, c)
}
func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

// CommandQueue serializes every mutating router operation through a single
// worker goroutine, so the Producer/Consumer/Stream invariants in the data
// model hold without any other locking. Throughput is additionally bounded
// by a token-bucket rate limiter, so a burst of reconnects cannot starve the
// worker loop indefinitely.
type CommandQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending commandHeap
	nextSeq uint64

	limiter *rate.Limiter
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCommandQueue creates a queue rate-limited to opsPerSecond sustained
// operations, with bursts up to burst.
func NewCommandQueue(opsPerSecond float64, burst int, log *logger.Logger) *CommandQueue {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &CommandQueue{
		limiter: rate.NewLimiter(rate.Limit(opsPerSecond), burst),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the single worker goroutine.
func (q *CommandQueue) Start() {
	go q.workerLoop()
}

// Stop cancels the queue and waits for the worker to drain and exit.
func (q *CommandQueue) Stop() {
	q.cancel()
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

// Submit enqueues fn to run on the single worker goroutine and blocks until
// it completes or ctx is done. priority 0 is normal; lower values run
// sooner relative to other pending commands.
func Submit[T any](ctx context.Context, q *CommandQueue, priority int, fn func() (T, error)) (T, error) {
	var zero T

	c := &command{
		priority: priority,
		result:   make(chan commandResult, 1),
		fn: func() (any, error) {
			return fn()
		},
	}

	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		return zero, fmt.Errorf("command queue stopped")
	}
	c.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.pending, c)
	q.cond.Signal()
	q.mu.Unlock()

	select {
	case res := <-c.result:
		if res.err != nil {
			return zero, res.err
		}
		v, _ := res.value.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *CommandQueue) workerLoop() {
	defer close(q.done)

	for {
		c := q.waitForNext()
		if c == nil {
			return
		}
		q.execute(c)
	}
}

func (q *CommandQueue) waitForNext() *command {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() == 0 {
		if q.ctx.Err() != nil {
			return nil
		}
		q.cond.Wait()
	}
	if q.ctx.Err() != nil && q.pending.Len() == 0 {
		return nil
	}
	c := heap.Pop(&q.pending).(*command)
	return c
}

func (q *CommandQueue) execute(c *command) {
	if err := q.limiter.Wait(q.ctx); err != nil {
		c.result <- commandResult{err: fmt.Errorf("rate limiter: %w", err)}
		return
	}

	done := make(chan commandResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- commandResult{err: fmt.Errorf("command panicked: %v", r)}
			}
		}()
		v, err := c.fn()
		done <- commandResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		c.result <- res
	case <-time.After(commandTimeout):
		q.log.Warn("command timed out", "timeout", commandTimeout)
		c.result <- commandResult{err: fmt.Errorf("command timed out after %s", commandTimeout)}
	}
}
