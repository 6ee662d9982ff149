package multiplex

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of frames. Put never blocks; Get blocks until a frame is
// available or ctx is done.
type Queue struct {
	mu     sync.Mutex
	frames []*Frame
	// signal has capacity 1 and holds a token whenever frames is non-empty
	signal chan struct{}
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) Put(f *Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) Get(ctx context.Context) (*Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			more := len(q.frames) > 0
			q.mu.Unlock()
			if more {
				// pass the token on so that another waiter doesn't sleep on a non-empty queue
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return f, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
