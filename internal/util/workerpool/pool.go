package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. Tasks with the same Stripe run on the same worker
// in submission order; tasks on different stripes run in parallel.
type Task struct {
	ID      string
	Stripe  int
	Fn      func(context.Context) error
	Context context.Context
}

// StripedPool runs tasks on a fixed set of workers, each draining its own queue
type StripedPool struct {
	name      string
	queues    []chan Task
	queueSize int
	logger    *zap.Logger
	wg        sync.WaitGroup
	mu        sync.RWMutex // Held shared by submitters, exclusively to stop
	stopping  bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	onFailure func(task Task, err error)
	active    int32
	total     uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int // Per worker
	Logger    *zap.Logger
	OnFailure func(task Task, err error)
}

// New creates and starts a striped pool
func New(cfg Config) *StripedPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &StripedPool{
		name:      cfg.Name,
		queues:    make([]chan Task, cfg.Workers),
		queueSize: cfg.QueueSize,
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
		onFailure: cfg.OnFailure,
	}

	for i := range p.queues {
		p.queues[i] = make(chan Task, cfg.QueueSize)
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *StripedPool) worker(id int) {
	defer p.wg.Done()

	queue := p.queues[id]
	for {
		select {
		case <-p.stopChan:
			// Drain what was accepted before stop
			for {
				select {
				case task := <-queue:
					p.executeTask(id, task)
				default:
					return
				}
			}
		case task := <-queue:
			p.executeTask(id, task)
		}
	}
}

func (p *StripedPool) executeTask(workerID int, task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeExecute(task)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		if p.onFailure != nil {
			p.onFailure(task, err)
		}
		return
	}

	atomic.AddUint64(&p.completed, 1)
}

func (p *StripedPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

func (p *StripedPool) queueFor(stripe int) chan Task {
	if stripe < 0 {
		stripe = -stripe
	}
	return p.queues[stripe%len(p.queues)]
}

// Submit enqueues a task without blocking. It fails when the stripe queue is full or the pool stopped.
func (p *StripedPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopping {
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	// Counted before the send so a finished task is never ahead of the total
	atomic.AddUint64(&p.total, 1)
	select {
	case p.queueFor(task.Stripe) <- task:
		return nil
	default:
		p.unreserve()
		return fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// SubmitWithContext blocks until the task is accepted or ctx is done. Stop waits
// for blocked submitters.
func (p *StripedPool) SubmitWithContext(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopping {
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	atomic.AddUint64(&p.total, 1)
	select {
	case <-ctx.Done():
		p.unreserve()
		return ctx.Err()
	case p.queueFor(task.Stripe) <- task:
		return nil
	}
}

func (p *StripedPool) unreserve() {
	atomic.AddUint64(&p.total, ^uint64(0))
	atomic.AddUint64(&p.rejected, 1)
}

// Stop stops accepting tasks, runs what is queued and waits for the workers
func (p *StripedPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		close(p.stopChan)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current pool statistics
func (p *StripedPool) Stats() Stats {
	queued := 0
	for _, q := range p.queues {
		queued += len(q)
	}
	// Finished counters first so they never exceed the total read after them
	completed := atomic.LoadUint64(&p.completed)
	failed := atomic.LoadUint64(&p.failed)
	return Stats{
		Name:           p.name,
		Workers:        len(p.queues),
		ActiveWorkers:  int(atomic.LoadInt32(&p.active)),
		QueuedTasks:    queued,
		TotalTasks:     atomic.LoadUint64(&p.total),
		CompletedTasks: completed,
		FailedTasks:    failed,
		RejectedTasks:  atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents pool statistics
type Stats struct {
	Name           string
	Workers        int
	ActiveWorkers  int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// Pending returns tasks accepted but not yet finished
func (s Stats) Pending() uint64 {
	done := s.CompletedTasks + s.FailedTasks
	if done >= s.TotalTasks {
		return 0
	}
	return s.TotalTasks - done
}
