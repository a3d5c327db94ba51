// Package convqueue provides a keyed dispatcher for conversation turns.
// Tasks sharing a key execute strictly in submission order; tasks with
// different keys run in parallel across a bounded worker set.
package convqueue

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds dispatcher configuration.
type Config struct {
	// Workers is the number of serial lanes. Keys are hashed onto lanes,
	// so each lane preserves FIFO order for every key it owns.
	Workers int
	// QueueSize is the per-lane task buffer.
	QueueSize int
	// GracefulShutdownTimeout bounds Stop.
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults for interactive chat traffic.
func DefaultConfig() Config {
	return Config{
		Workers:                 32,
		QueueSize:               256,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type task struct {
	ctx    context.Context
	fn     func(ctx context.Context) (interface{}, error)
	result chan outcome
}

type outcome struct {
	value interface{}
	err   error
}

// Dispatcher routes keyed tasks onto serial lanes.
type Dispatcher struct {
	config Config
	logger *zap.Logger

	lanes []chan *task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
}

// New creates a dispatcher.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		config: cfg,
		logger: logger,
		lanes:  make([]chan *task, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan *task, cfg.QueueSize)
	}
	return d
}

// Start launches the lane workers.
func (d *Dispatcher) Start() {
	for i, lane := range d.lanes {
		d.wg.Add(1)
		go d.worker(i, lane)
	}
	d.logger.Info("conversation dispatcher started",
		zap.Int("lanes", d.config.Workers),
		zap.Int("queue_size", d.config.QueueSize))
}

// Do submits a task for the key and waits for its result. Tasks for the
// same key never overlap and complete in submission order.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	select {
	case <-d.ctx.Done():
		return nil, fmt.Errorf("dispatcher is shutting down")
	default:
	}

	t := &task{ctx: ctx, fn: fn, result: make(chan outcome, 1)}
	lane := d.lanes[d.laneFor(key)]

	select {
	case lane <- t:
		atomic.AddInt64(&d.tasksSubmitted, 1)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, fmt.Errorf("dispatcher is shutting down")
	}

	select {
	case out := <-t.result:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit enqueues a task for the key without waiting for completion.
func (d *Dispatcher) Submit(key string, fn func(ctx context.Context) (interface{}, error)) error {
	select {
	case <-d.ctx.Done():
		return fmt.Errorf("dispatcher is shutting down")
	default:
	}

	t := &task{ctx: d.ctx, fn: fn, result: make(chan outcome, 1)}
	select {
	case d.lanes[d.laneFor(key)] <- t:
		atomic.AddInt64(&d.tasksSubmitted, 1)
		return nil
	default:
		return fmt.Errorf("lane queue is full")
	}
}

// Stop drains the lanes and waits for in-flight tasks.
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping conversation dispatcher")
	d.cancel()
	for _, lane := range d.lanes {
		close(lane)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("conversation dispatcher stopped")
	case <-time.After(d.config.GracefulShutdownTimeout):
		d.logger.Warn("conversation dispatcher shutdown timed out")
	}
}

func (d *Dispatcher) worker(id int, lane chan *task) {
	defer d.wg.Done()

	for t := range lane {
		if t.ctx.Err() != nil {
			t.result <- outcome{err: t.ctx.Err()}
			atomic.AddInt64(&d.tasksFailed, 1)
			continue
		}

		value, err := t.fn(t.ctx)
		if err != nil {
			atomic.AddInt64(&d.tasksFailed, 1)
			d.logger.Debug("task failed", zap.Int("lane", id), zap.Error(err))
		} else {
			atomic.AddInt64(&d.tasksCompleted, 1)
		}
		t.result <- outcome{value: value, err: err}
	}
}

func (d *Dispatcher) laneFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.lanes)))
}

// Stats holds dispatcher counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	Lanes          int
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&d.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&d.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&d.tasksFailed),
		Lanes:          d.config.Workers,
	}
}
