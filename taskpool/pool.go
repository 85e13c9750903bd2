// Package taskpool implements a bounded, elastic worker pool, with optional
// per-tag FIFO ordering.
//
// Tasks scheduled using [Pool.Schedule] run concurrently, in no particular
// order. Tasks scheduled using [Pool.ScheduleQueued] run one at a time per
// tag, in the order they were scheduled, while different tags run
// concurrently.
package taskpool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
)

type (
	// Task is a unit of work, run by a pool worker.
	Task func()

	// Pool runs tasks on between min and max worker goroutines. Instances
	// must be initialized using [New].
	Pool struct {
		// betteralign:ignore

		logger      *logiface.Logger[logiface.Event] // configurable
		minWorkers  int                              // configurable
		maxWorkers  int                              // configurable
		idleTimeout time.Duration                    // configurable

		mu sync.Mutex
		wg sync.WaitGroup

		// wake hands idle workers a token, each token corresponding to one
		// decrement of idle (buffered to maxWorkers, so sends never block)
		wake chan struct{}

		// closed once the in-progress stop has drained the pool
		stopped chan struct{}

		generic   *queue.Queue // of Task
		tagged    map[string]*tagQueue
		readyTags *queue.Queue // of string, tags with a runnable head

		workers      int
		idle         int
		running      bool
		stopping     bool
		preferTagged bool

		completed uint64
		panics    uint64
	}

	// Stats is a point-in-time snapshot of a pool.
	Stats struct {
		Workers   int
		Idle      int
		Queued    int
		Tags      int
		Completed uint64
		Panics    uint64
	}

	tagQueue struct {
		tasks   *queue.Queue // of Task
		running bool
		ready   bool
	}

	// job is a dequeued task, with its tag queue, if any
	job struct {
		task  Task
		queue *tagQueue
		tag   string
	}
)

var (
	// ErrInvalidArgs is returned for nil tasks, and invalid options.
	ErrInvalidArgs = errors.New("taskpool: invalid arguments")

	// ErrNotRunning is returned when scheduling on a pool that hasn't been
	// started, or has been stopped.
	ErrNotRunning = errors.New("taskpool: pool is not running")
)

// New initializes a new pool, which must be started using [Pool.Start].
func New(opts ...Option) (*Pool, error) {
	cfg := options{
		minWorkers:  1,
		maxWorkers:  10,
		idleTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.minWorkers < 0 || cfg.maxWorkers < 1 || cfg.minWorkers > cfg.maxWorkers {
		return nil, fmt.Errorf("%w: workers min=%d max=%d", ErrInvalidArgs, cfg.minWorkers, cfg.maxWorkers)
	}
	if cfg.idleTimeout <= 0 {
		return nil, fmt.Errorf("%w: idle timeout %s", ErrInvalidArgs, cfg.idleTimeout)
	}

	return &Pool{
		logger:      cfg.logger,
		minWorkers:  cfg.minWorkers,
		maxWorkers:  cfg.maxWorkers,
		idleTimeout: cfg.idleTimeout,
		wake:        make(chan struct{}, cfg.maxWorkers),
		generic:     queue.New(),
		tagged:      make(map[string]*tagQueue),
		readyTags:   queue.New(),
	}, nil
}

// Start spawns the minimum number of workers. Starting a running pool is a
// no-op. A stopped pool may be started again, and a stopping pool will be,
// once it has stopped.
func (x *Pool) Start() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for x.stopping {
		stopped := x.stopped
		x.mu.Unlock()
		<-stopped
		x.mu.Lock()
	}
	if x.running {
		return nil
	}
	x.running = true
	for x.workers < x.minWorkers {
		x.spawnLocked()
	}
	x.logger.Debug().
		Int(`min`, x.minWorkers).
		Int(`max`, x.maxWorkers).
		Log(`taskpool: started`)
	return nil
}

// Stop prevents further scheduling, then blocks until every queued task has
// run, and all workers have exited. Concurrent calls all block until then.
//
// This method is unsafe to call from within a task.
func (x *Pool) Stop() {
	x.mu.Lock()
	if x.stopping {
		stopped := x.stopped
		x.mu.Unlock()
		<-stopped
		return
	}
	if !x.running {
		x.mu.Unlock()
		return
	}
	x.running = false
	x.stopping = true
	x.stopped = make(chan struct{})
	// workers with nothing to do exit once they see stopping
	for x.idle > 0 {
		x.idle--
		x.wake <- struct{}{}
	}
	x.mu.Unlock()

	x.wg.Wait()

	x.mu.Lock()
	x.stopping = false
	close(x.stopped)
	x.mu.Unlock()

	x.logger.Debug().Log(`taskpool: stopped`)
}

// Schedule queues a task, to run on any worker.
func (x *Pool) Schedule(task Task) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidArgs)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.running {
		return ErrNotRunning
	}
	x.generic.Add(task)
	x.signalLocked()
	return nil
}

// ScheduleQueued queues a task behind any other tasks with the same tag.
func (x *Pool) ScheduleQueued(tag string, task Task) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidArgs)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.running {
		return ErrNotRunning
	}
	tq := x.tagged[tag]
	if tq == nil {
		tq = &tagQueue{tasks: queue.New()}
		x.tagged[tag] = tq
	}
	tq.tasks.Add(task)
	if !tq.running && !tq.ready {
		tq.ready = true
		x.readyTags.Add(tag)
		x.signalLocked()
	}
	return nil
}

// ShrinkMemory releases the queue of tag, if it is idle and empty.
func (x *Pool) ShrinkMemory(tag string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if tq := x.tagged[tag]; tq != nil && !tq.running && !tq.ready && tq.tasks.Length() == 0 {
		delete(x.tagged, tag)
	}
}

// Stats returns a snapshot of the pool.
func (x *Pool) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	queued := x.generic.Length()
	for _, tq := range x.tagged {
		queued += tq.tasks.Length()
	}
	return Stats{
		Workers:   x.workers,
		Idle:      x.idle,
		Queued:    queued,
		Tags:      len(x.tagged),
		Completed: x.completed,
		Panics:    x.panics,
	}
}

// signalLocked ensures a worker will pick up newly queued work.
func (x *Pool) signalLocked() {
	switch {
	case x.idle > 0:
		x.idle--
		x.wake <- struct{}{}
	case x.workers < x.maxWorkers:
		x.spawnLocked()
	}
}

func (x *Pool) spawnLocked() {
	x.workers++
	x.wg.Add(1)
	go x.worker()
}

func (x *Pool) worker() {
	defer x.wg.Done()

	timer := time.NewTimer(x.idleTimeout)
	defer timer.Stop()

	for {
		j, exit := x.next()
		if exit {
			return
		}
		if j.task != nil {
			x.run(j)
			continue
		}

		timer.Reset(x.idleTimeout)
		select {
		case <-x.wake:
			timer.Stop()
		case <-timer.C:
			if x.expire() {
				return
			}
		}
	}
}

// next dequeues the next job. If there is none, the worker is either marked
// idle, or (while stopping) removed.
func (x *Pool) next() (j job, exit bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.preferTagged = !x.preferTagged

	if (x.preferTagged || x.generic.Length() == 0) && x.readyTags.Length() != 0 {
		j.tag = x.readyTags.Remove().(string)
		j.queue = x.tagged[j.tag]
		j.queue.ready = false
		j.queue.running = true
		j.task = j.queue.tasks.Remove().(Task)
		return j, false
	}

	if x.generic.Length() != 0 {
		j.task = x.generic.Remove().(Task)
		return j, false
	}

	if x.stopping {
		x.workers--
		return j, true
	}

	x.idle++
	return j, false
}

// expire is called by a worker that has been idle for the idle timeout,
// returning true if it should exit.
func (x *Pool) expire() bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	// woken, concurrently with the timeout
	select {
	case <-x.wake:
		return false
	default:
	}

	x.idle--

	if x.workers > x.minWorkers || x.stopping {
		x.workers--
		return true
	}

	return false
}

func (x *Pool) run(j job) {
	panicked := true
	defer func() {
		if panicked {
			r := recover()
			x.logger.Err().
				Str(`tag`, j.tag).
				Str(`panic`, fmt.Sprint(r)).
				Log(`taskpool: task panicked`)
		}
		x.finish(j, panicked)
	}()
	j.task()
	panicked = false
}

func (x *Pool) finish(j job, panicked bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.completed++
	if panicked {
		x.panics++
	}
	if tq := j.queue; tq != nil {
		tq.running = false
		if tq.tasks.Length() != 0 {
			tq.ready = true
			x.readyTags.Add(j.tag)
		}
	}
}
