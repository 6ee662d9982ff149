package multiplex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const defaultCloseTimeout = 5 * time.Second

// LingerPolicy decides what happens to a task that is still running after the close timeout
// has expired. Either way teardown goes on without it.
type LingerPolicy int

const (
	// LingerLog logs the abandoned task, and logs its error if it eventually returns one
	LingerLog LingerPolicy = iota
	// LingerSuppress abandons the task silently
	LingerSuppress
)

func ParseLingerPolicy(s string) (LingerPolicy, error) {
	switch s {
	case "", "log":
		return LingerLog, nil
	case "suppress":
		return LingerSuppress, nil
	default:
		return 0, fmt.Errorf("unknown linger policy %q", s)
	}
}

type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	// only read after done is closed
	err error
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Supervisor runs one receive loop and any number of workers for a single connection. Wait
// returns as soon as any of them returns, after cancelling and reaping the rest.
type Supervisor struct {
	closeTimeout time.Duration
	linger       LingerPolicy

	// every task sends itself here exactly once when it returns. Buffered to the number of
	// tasks so that senders never block.
	finished chan *task

	loop    *task
	workers []*task

	waited    uint32
	lingering int32
}

func NewSupervisor(workerCount int, closeTimeout time.Duration, linger LingerPolicy) *Supervisor {
	if closeTimeout <= 0 {
		closeTimeout = defaultCloseTimeout
	}
	return &Supervisor{
		closeTimeout: closeTimeout,
		linger:       linger,
		finished:     make(chan *task, workerCount+1),
	}
}

func (sv *Supervisor) spawn(ctx context.Context, name string, fn func(ctx context.Context) error) *task {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("%v panicked: %v", name, r)
			}
			close(t.done)
			sv.finished <- t
		}()
		t.err = fn(taskCtx)
	}()
	return t
}

// GoLoop starts the receive loop. It must be called at most once.
func (sv *Supervisor) GoLoop(ctx context.Context, fn func(ctx context.Context) error) {
	sv.loop = sv.spawn(ctx, "receive loop", fn)
}

// GoWorker starts a worker. All workers must be started before Wait is called.
func (sv *Supervisor) GoWorker(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if len(sv.workers) >= cap(sv.finished)-1 {
		panic("multiplex: more workers than the supervisor was made for")
	}
	sv.workers = append(sv.workers, sv.spawn(ctx, name, fn))
}

// AwaitWorkers blocks until every worker has returned or the close timeout expires, in which
// case it returns ErrCloseTimeout. If ctx is done first its error is returned. It never
// cancels anything.
func (sv *Supervisor) AwaitWorkers(ctx context.Context) error {
	timer := time.NewTimer(sv.closeTimeout)
	defer timer.Stop()
	for _, w := range sv.workers {
		select {
		case <-w.done:
		case <-timer.C:
			return ErrCloseTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wait blocks until the first task returns, then cancels the receive loop and every worker
// and waits for them to acknowledge, all within one close timeout. Errors caused by the
// cancellation are dropped; every other error is returned, joined.
func (sv *Supervisor) Wait() error {
	if !atomic.CompareAndSwapUint32(&sv.waited, 0, 1) {
		return nil
	}
	first := <-sv.finished
	log.Tracef("%v returned first", first.name)

	graceCtx, cancel := context.WithTimeout(context.Background(), sv.closeTimeout)
	defer cancel()

	var errs error
	if sv.loop != nil {
		sv.loop.cancel()
		errs = multierr.Append(errs, sv.reap(graceCtx, sv.loop))
	}
	for _, w := range sv.workers {
		w.cancel()
	}
	for _, w := range sv.workers {
		errs = multierr.Append(errs, sv.reap(graceCtx, w))
	}
	return errs
}

// Lingering returns how many tasks were abandoned after the close timeout
func (sv *Supervisor) Lingering() int {
	return int(atomic.LoadInt32(&sv.lingering))
}

func (sv *Supervisor) reap(graceCtx context.Context, t *task) error {
	select {
	case <-t.done:
	default:
		select {
		case <-t.done:
		case <-graceCtx.Done():
			sv.abandon(t)
			return nil
		}
	}
	if t.err != nil && !isCancellation(t.err) {
		return fmt.Errorf("%v: %w", t.name, t.err)
	}
	return nil
}

func (sv *Supervisor) abandon(t *task) {
	atomic.AddInt32(&sv.lingering, 1)
	if sv.linger == LingerSuppress {
		return
	}
	log.Warnf("%v ignored cancellation for %v, abandoning it", t.name, sv.closeTimeout)
	go func() {
		<-t.done
		if t.err != nil && !isCancellation(t.err) {
			log.WithError(t.err).Warnf("abandoned %v eventually failed", t.name)
		} else {
			log.Debugf("abandoned %v eventually returned", t.name)
		}
	}()
}
