package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/smallnest/chanx"
)

// ErrClosed is returned by Pop once the queue is closed and drained
var ErrClosed = errors.New("ingestion queue closed")

// Queue is the FIFO between pollers and the sink writer. Push never blocks on
// capacity; depth is watched from outside through Size.
type Queue struct {
	ch     *chanx.UnboundedChan[model.Entry]
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New creates an empty queue
func New(initCapacity int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		ch:     chanx.NewUnboundedChan[model.Entry](ctx, initCapacity),
		cancel: cancel,
	}
}

// Push appends an entry. It reports false when the queue has been closed.
func (q *Queue) Push(e model.Entry) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.ch.In <- e
	return true
}

// Pop waits for the next entry
func (q *Queue) Pop(ctx context.Context) (model.Entry, error) {
	select {
	case <-ctx.Done():
		return model.Entry{}, ctx.Err()
	case e, ok := <-q.ch.Out:
		if !ok {
			return model.Entry{}, ErrClosed
		}
		return e, nil
	}
}

// Size returns the number of entries waiting
func (q *Queue) Size() int {
	return q.ch.Len()
}

// Close stops accepting entries. Entries already pushed can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch.In)
}

// Discard releases the queue's internal goroutine without draining
func (q *Queue) Discard() {
	q.Close()
	q.cancel()
}
