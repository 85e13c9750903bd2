package workload

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-dbruntime/eventloop"
	"github.com/joeycumines/go-dbruntime/runtimectx"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

type (
	// Scheduler is the subset of [runtimectx.Context] used to run workloads.
	Scheduler interface {
		SetTimer(interval time.Duration, action runtimectx.TimerAction, finalizer runtimectx.TimerFinalizer) (runtimectx.TimerID, error)
		RemoveTimer(id runtimectx.TimerID, wait bool)
		ScheduleTask(task runtimectx.TaskAction) error
		ScheduleQueuedTask(tag string, task runtimectx.TaskAction) error
	}

	// Runner runs workloads. The zero value is not usable, Scheduler must be
	// set.
	Runner struct {
		Scheduler Scheduler
		Logger    *logiface.Logger[logiface.Event]
	}

	// Result summarizes a run.
	Result struct {
		RunID    string            `json:"run_id"`
		Name     string            `json:"name,omitempty"`
		Elapsed  time.Duration     `json:"elapsed"`
		Complete bool              `json:"complete"`
		Timers   []TimerResult     `json:"timers,omitempty"`
		Tasks    []TaskGroupResult `json:"tasks,omitempty"`
	}

	TimerResult struct {
		Name  string `json:"name"`
		ID    uint64 `json:"id"`
		Fires int64  `json:"fires"`
	}

	TaskGroupResult struct {
		Tag       string `json:"tag,omitempty"`
		Scheduled int    `json:"scheduled"`
		Completed int64  `json:"completed"`
		// OutOfOrder counts tagged tasks that ran before an earlier task.
		OutOfOrder int64 `json:"out_of_order,omitempty"`
	}

	timerState struct {
		id        runtimectx.TimerID
		fires     atomic.Int64
		finalized chan struct{}
	}

	groupState struct {
		scheduled  int
		completed  atomic.Int64
		outOfOrder atomic.Int64
		// one past the highest seq run so far
		high atomic.Int64
		done chan struct{}
	}
)

// Run starts every timer and task of w, then blocks until all bounded work
// has finished, or ctx is done. Workloads with unbounded timers always run
// until ctx is done. Cancellation of ctx is not an error.
func (x *Runner) Run(ctx context.Context, w *Workload) (*Result, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	result := Result{
		RunID: uuid.NewString(),
		Name:  w.Name,
	}

	x.Logger.Info().
		Str(`run_id`, result.RunID).
		Str(`workload`, w.Name).
		Int(`timers`, len(w.Timers)).
		Int(`task_groups`, len(w.TaskGroups)).
		Log(`workload: starting`)

	start := time.Now()

	timers := make([]*timerState, len(w.Timers))
	defer func() {
		for _, ts := range timers {
			if ts != nil && ts.id != 0 {
				x.Scheduler.RemoveTimer(ts.id, true)
			}
		}
	}()
	for i, t := range w.Timers {
		ts, err := x.startTimer(t)
		if err != nil {
			return nil, fmt.Errorf("workload: timer %q: %w", t.Name, err)
		}
		timers[i] = ts
	}

	groups := make([]*groupState, len(w.TaskGroups))
	for i := range w.TaskGroups {
		groups[i] = &groupState{done: make(chan struct{})}
	}

	g, gCtx := errgroup.WithContext(ctx)

	for i, tg := range w.TaskGroups {
		gs := groups[i]
		g.Go(func() error {
			if err := x.scheduleGroup(gCtx, tg, gs); err != nil {
				return fmt.Errorf("workload: task group %d: %w", i, err)
			}
			select {
			case <-gs.done:
			case <-gCtx.Done():
			}
			return nil
		})
	}

	for i, t := range w.Timers {
		if t.Fires == 0 {
			continue
		}
		ts := timers[i]
		g.Go(func() error {
			select {
			case <-ts.finalized:
			case <-gCtx.Done():
			}
			return nil
		})
	}

	if !w.bounded() {
		g.Go(func() error {
			<-gCtx.Done()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Elapsed = time.Since(start)
	result.Complete = true

	for i, t := range w.Timers {
		ts := timers[i]
		result.Timers = append(result.Timers, TimerResult{
			Name:  t.Name,
			ID:    uint64(ts.id),
			Fires: ts.fires.Load(),
		})
		if t.Fires != 0 && ts.fires.Load() < int64(t.Fires) {
			result.Complete = false
		}
	}

	for i, tg := range w.TaskGroups {
		gs := groups[i]
		result.Tasks = append(result.Tasks, TaskGroupResult{
			Tag:        tg.Tag,
			Scheduled:  gs.scheduled,
			Completed:  gs.completed.Load(),
			OutOfOrder: gs.outOfOrder.Load(),
		})
		if gs.completed.Load() < int64(tg.Count) {
			result.Complete = false
		}
	}

	x.Logger.Info().
		Str(`run_id`, result.RunID).
		Dur(`elapsed`, result.Elapsed).
		Bool(`complete`, result.Complete).
		Log(`workload: finished`)

	return &result, nil
}

func (x *Runner) startTimer(t Timer) (*timerState, error) {
	ts := timerState{finalized: make(chan struct{})}
	id, err := x.Scheduler.SetTimer(t.Interval, func(runtimectx.TimerID) error {
		fires := ts.fires.Add(1)
		if t.Fires != 0 && fires >= int64(t.Fires) {
			return eventloop.ErrStopEvent
		}
		return nil
	}, func() { close(ts.finalized) })
	if err != nil {
		return nil, err
	}
	ts.id = id
	x.Logger.Debug().
		Str(`timer`, t.Name).
		Uint64(`id`, uint64(id)).
		Dur(`interval`, t.Interval).
		Log(`workload: timer started`)
	return &ts, nil
}

// advance records that seq ran, returning false if a later seq already had.
func (x *groupState) advance(seq int64) bool {
	for {
		high := x.high.Load()
		if seq < high {
			return false
		}
		if x.high.CompareAndSwap(high, seq+1) {
			return true
		}
	}
}

func (x *Runner) scheduleGroup(ctx context.Context, tg TaskGroup, gs *groupState) error {
	for seq := range tg.Count {
		if ctx.Err() != nil {
			return nil
		}
		task := func() {
			if tg.Tag != `` && !gs.advance(int64(seq)) {
				gs.outOfOrder.Add(1)
			}
			if tg.Work > 0 {
				time.Sleep(tg.Work)
			}
			if gs.completed.Add(1) == int64(tg.Count) {
				close(gs.done)
			}
		}
		var err error
		if tg.Tag != `` {
			err = x.Scheduler.ScheduleQueuedTask(tg.Tag, task)
		} else {
			err = x.Scheduler.ScheduleTask(task)
		}
		if err != nil {
			return err
		}
		gs.scheduled++
	}
	return nil
}
