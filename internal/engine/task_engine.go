package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/scalpel-autofix/internal/config"
)

// Task is one unit of work. Tasks sharing a Key never run at the same time.
type Task struct {
	ID  string
	Key string
	Run func(ctx context.Context, lease *Lease) error
}

// Pool runs tasks on a bounded number of slots, serializing tasks per key.
type Pool struct {
	cfg    config.Interface
	logger *zap.Logger
	slots  *semaphore.Weighted
	size   int
	locks  *KeyedLocks
	wg     sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64

	// stateLock protects the running state of the pool.
	stateLock sync.Mutex
	isRunning bool
}

// Option customizes a pool at construction.
type Option func(*options)

type options struct {
	size  int
	locks *KeyedLocks
}

// WithSize overrides the configured number of slots. Non-positive values are ignored.
func WithSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.size = n
		}
	}
}

// WithLocks makes the pool share key locks with other holders of locks, so
// work outside the pool on the same key is serialized with its tasks.
func WithLocks(locks *KeyedLocks) Option {
	return func(o *options) {
		if locks != nil {
			o.locks = locks
		}
	}
}

// New creates a pool sized by the engine configuration.
func New(cfg config.Interface, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	o := options{size: cfg.Engine().WorkerConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	size := o.size
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if o.locks == nil {
		o.locks = NewKeyedLocks()
	}
	return &Pool{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "task_engine")),
		slots:  semaphore.NewWeighted(int64(size)),
		size:   size,
		locks:  o.locks,
	}, nil
}

// Size is the number of slots.
func (p *Pool) Size() int { return p.size }

// Stats reports how many tasks completed and failed since the pool was created.
func (p *Pool) Stats() (completed, failed int64) {
	return p.completed.Load(), p.failed.Load()
}

// Start begins consuming tasks. It returns immediately; Stop waits for the
// dispatcher and every started task. Cancelling ctx stops new tasks from
// starting.
func (p *Pool) Start(ctx context.Context, tasks <-chan Task) {
	p.stateLock.Lock()
	if p.isRunning {
		p.stateLock.Unlock()
		p.logger.Warn("Pool.Start called, but pool is already running.")
		return
	}
	p.isRunning = true
	p.stateLock.Unlock()

	p.logger.Info("Starting task engine worker pool", zap.Int("concurrency", p.size))
	p.wg.Add(1)
	go p.dispatch(ctx, tasks)
}

// Stop waits for the dispatcher to exit and all running tasks to finish. The
// dispatcher exits when the task channel is closed or the context is cancelled.
func (p *Pool) Stop() {
	p.logger.Debug("Stopping task engine, waiting for tasks to finish.")
	p.wg.Wait()

	p.stateLock.Lock()
	p.isRunning = false
	p.stateLock.Unlock()

	completed, failed := p.Stats()
	p.logger.Info("Task engine stopped gracefully.", zap.Int64("completed", completed), zap.Int64("failed", failed))
}

func (p *Pool) dispatch(ctx context.Context, tasks <-chan Task) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, no new tasks will start.", zap.Error(ctx.Err()))
			return
		case task, ok := <-tasks:
			if !ok {
				p.logger.Debug("Task queue closed and drained.")
				return
			}
			if err := p.slots.Acquire(ctx, 1); err != nil {
				p.logger.Info("Context cancelled while waiting for a slot.", zap.String("task_id", task.ID))
				return
			}
			p.wg.Add(1)
			go p.process(ctx, task)
		}
	}
}

// process runs a task that already holds a slot.
func (p *Pool) process(ctx context.Context, task Task) {
	defer p.wg.Done()
	logger := p.logger.With(zap.String("task_id", task.ID), zap.String("key", task.Key))

	if err := p.locks.Lock(ctx, task.Key); err != nil {
		p.slots.Release(1)
		logger.Warn("Context cancelled before task processing started", zap.Error(err))
		return
	}
	lease := &Lease{pool: p, key: task.Key, held: true}
	defer lease.Release()

	timeout := p.cfg.Engine().DefaultTaskTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	taskCtx = WithLease(taskCtx, lease)

	err := p.run(taskCtx, task, lease)
	switch {
	case err == nil:
		p.completed.Add(1)
	case errors.Is(err, context.DeadlineExceeded):
		p.failed.Add(1)
		logger.Warn("Task processing timed out.", zap.Duration("timeout", timeout), zap.Error(err))
	case errors.Is(err, context.Canceled):
		p.failed.Add(1)
		logger.Warn("Task processing was cancelled.", zap.Error(err))
	default:
		p.failed.Add(1)
		logger.Error("Task processing failed with unexpected error.", zap.Error(err))
	}
}

func (p *Pool) run(ctx context.Context, task Task, lease *Lease) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx, lease)
}

// -- Leases --

// Lease is a task's hold on its slot and key lock. Releasing it lets other
// tasks run while the holder waits on something slow.
type Lease struct {
	pool *Pool
	key  string
	mu   sync.Mutex
	held bool
}

// Release gives back the key lock and then the slot. It is safe to call twice.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.pool.locks.Unlock(l.key)
	l.pool.slots.Release(1)
	l.held = false
}

// Reacquire takes a slot and then the key lock again.
func (l *Lease) Reacquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}
	if err := l.pool.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to reacquire slot: %w", err)
	}
	if err := l.pool.locks.Lock(ctx, l.key); err != nil {
		l.pool.slots.Release(1)
		return fmt.Errorf("failed to reacquire lock on %s: %w", l.key, err)
	}
	l.held = true
	return nil
}

// Held reports whether the lease currently holds its slot and lock.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// LockKeys extends the lease to more keys for work that spans them. To keep
// one global lock order it gives up its own key and then takes its own key
// and every extra key in sorted order. The returned func releases the extra
// keys; the lease keeps its own. When the wait fails the lease takes its own
// key back before returning the error.
func (l *Lease) LockKeys(ctx context.Context, keys ...string) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil, errors.New("engine: lease is not held")
	}
	extra := slices.DeleteFunc(sortedKeys(keys), func(k string) bool { return k == l.key })
	if len(extra) == 0 {
		return func() {}, nil
	}

	locks := l.pool.locks
	locks.Unlock(l.key)
	// The lease's own key is released with the lease, not by the returned func.
	if _, err := locks.LockAll(ctx, append(extra, l.key)...); err != nil {
		if rerr := locks.Lock(context.WithoutCancel(ctx), l.key); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, fmt.Errorf("failed to lock %v: %w", extra, err)
	}
	return func() { locks.unlockAll(extra) }, nil
}

// Detach runs fn without holding the lease and takes it back afterwards, even
// if ctx was cancelled in the meantime, so the caller can finish its
// bookkeeping under the lock. A nil lease runs fn directly.
func (l *Lease) Detach(ctx context.Context, fn func(ctx context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	l.Release()
	err := fn(ctx)
	if rerr := l.Reacquire(context.WithoutCancel(ctx)); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

type leaseKey struct{}

// WithLease returns a context carrying lease.
func WithLease(ctx context.Context, lease *Lease) context.Context {
	return context.WithValue(ctx, leaseKey{}, lease)
}

// LeaseFrom returns the lease carried by ctx, or nil.
func LeaseFrom(ctx context.Context) *Lease {
	l, _ := ctx.Value(leaseKey{}).(*Lease)
	return l
}
