package runtimectx

import (
	"fmt"

	"github.com/joeycumines/go-dbruntime/taskpool"
)

// TaskAction is a unit of background work.
type TaskAction func()

// ScheduleTask runs task on the task pool, starting the pool on first use.
func (x *Context) ScheduleTask(task TaskAction) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidArgs)
	}
	pool, err := x.taskPool()
	if err != nil {
		return err
	}
	return pool.Schedule(taskpool.Task(task))
}

// ScheduleQueuedTask runs task on the task pool, after every task previously
// scheduled with the same tag.
func (x *Context) ScheduleQueuedTask(tag string, task TaskAction) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidArgs)
	}
	pool, err := x.taskPool()
	if err != nil {
		return err
	}
	return pool.ScheduleQueued(tag, taskpool.Task(task))
}

// ShrinkMemory releases resources held for tag, if it has no pending tasks.
func (x *Context) ShrinkMemory(tag string) {
	x.poolMu.Lock()
	pool := x.pool
	x.poolMu.Unlock()
	if pool != nil {
		pool.ShrinkMemory(tag)
	}
}
