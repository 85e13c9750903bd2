package taskpool

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// checkNumGoroutines returns a func that fails the test if the number of
// goroutines doesn't return to the initial value, within timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			after := runtime.NumGoroutine()
			if after <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`goroutine leak: before=%d after=%d`, before, after)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}

func startPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

func TestNew(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		opts []Option
		err  bool
	}{
		{`defaults`, nil, false},
		{`min zero`, []Option{WithMinWorkers(0)}, false},
		{`min negative`, []Option{WithMinWorkers(-1)}, true},
		{`max zero`, []Option{WithMaxWorkers(0)}, true},
		{`min above max`, []Option{WithMinWorkers(3), WithMaxWorkers(2)}, true},
		{`idle timeout`, []Option{WithIdleTimeout(0)}, true},
		{`nil option`, []Option{nil}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.opts...)
			if tc.err {
				assert.ErrorIs(t, err, ErrInvalidArgs)
				assert.Nil(t, p)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, p)
			}
		})
	}
}

func TestPool_notRunning(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	assert.ErrorIs(t, p.Schedule(func() {}), ErrNotRunning)
	assert.ErrorIs(t, p.ScheduleQueued(`a`, func() {}), ErrNotRunning)
	assert.ErrorIs(t, p.Schedule(nil), ErrInvalidArgs)
	assert.ErrorIs(t, p.ScheduleQueued(`a`, nil), ErrInvalidArgs)
	p.Stop()

	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	p.Stop()
	assert.ErrorIs(t, p.Schedule(func() {}), ErrNotRunning)
}

func TestPool_Stop_concurrent(t *testing.T) {
	p, err := New(WithMaxWorkers(1))
	require.NoError(t, err)
	require.NoError(t, p.Start())

	const n = 3
	var count atomic.Int32
	for range n {
		require.NoError(t, p.Schedule(func() {
			time.Sleep(time.Millisecond * 50)
			count.Add(1)
		}))
	}

	var g errgroup.Group
	for range 3 {
		g.Go(func() error {
			p.Stop()
			if v := count.Load(); v != n {
				return fmt.Errorf("stop returned after %d tasks", v)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, p.Stats().Queued)

	// restarting while a stop is in progress waits for it
	require.NoError(t, p.Start())
	release := make(chan struct{})
	var drained atomic.Bool
	require.NoError(t, p.Schedule(func() {
		<-release
		drained.Store(true)
	}))
	go p.Stop()
	for p.Schedule(func() {}) == nil {
		time.Sleep(time.Millisecond)
	}
	time.AfterFunc(time.Millisecond*20, func() { close(release) })
	require.NoError(t, p.Start())
	assert.True(t, drained.Load())
	require.NoError(t, p.Schedule(func() { count.Add(1) }))
	p.Stop()
	assert.Equal(t, int32(n+1), count.Load())
}

func TestPool_Schedule(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	p, err := New(WithMaxWorkers(4))
	require.NoError(t, err)
	require.NoError(t, p.Start())

	const n = 200
	var count atomic.Int32
	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			for range n / 4 {
				if err := p.Schedule(func() { count.Add(1) }); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Stop drains the queue
	p.Stop()
	assert.Equal(t, int32(n), count.Load())

	stats := p.Stats()
	assert.Equal(t, uint64(n), stats.Completed)
	assert.Zero(t, stats.Workers)
	assert.Zero(t, stats.Queued)
}

func TestPool_maxWorkers(t *testing.T) {
	p := startPool(t, WithMinWorkers(0), WithMaxWorkers(3))

	var running, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		require.NoError(t, p.Schedule(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}))
	}

	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second*5, time.Millisecond)
	time.Sleep(time.Millisecond * 20)
	assert.Equal(t, int32(3), peak.Load())
	assert.Equal(t, 3, p.Stats().Workers)
	assert.Equal(t, 7, p.Stats().Queued)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(3), peak.Load())
}

func TestPool_ScheduleQueued_fifo(t *testing.T) {
	p := startPool(t, WithMaxWorkers(8))

	const tags, n = 4, 100
	var mu sync.Mutex
	got := make(map[string][]int)
	var active [tags]atomic.Int32
	var wg sync.WaitGroup

	for i := range n {
		for tag := range tags {
			name := string(rune('a' + tag))
			wg.Add(1)
			require.NoError(t, p.ScheduleQueued(name, func() {
				defer wg.Done()
				if active[tag].Add(1) != 1 {
					t.Errorf(`concurrent tasks for tag %s`, name)
				}
				mu.Lock()
				got[name] = append(got[name], i)
				mu.Unlock()
				active[tag].Add(-1)
			}))
		}
	}
	wg.Wait()

	for tag := range tags {
		name := string(rune('a' + tag))
		require.Len(t, got[name], n)
		for i, v := range got[name] {
			assert.Equal(t, i, v)
		}
	}
}

func TestPool_ScheduleQueued_crossTagConcurrency(t *testing.T) {
	p := startPool(t, WithMaxWorkers(2))

	// blocks tag a, which must not block tag b
	release := make(chan struct{})
	require.NoError(t, p.ScheduleQueued(`a`, func() { <-release }))

	done := make(chan struct{})
	require.NoError(t, p.ScheduleQueued(`b`, func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal(`tag b blocked by tag a`)
	}
	close(release)
}

func TestPool_ShrinkMemory(t *testing.T) {
	p := startPool(t)

	release := make(chan struct{})
	require.NoError(t, p.ScheduleQueued(`a`, func() { <-release }))
	require.Eventually(t, func() bool { return p.Stats().Queued == 0 }, time.Second*5, time.Millisecond)

	// running, so kept
	p.ShrinkMemory(`a`)
	assert.Equal(t, 1, p.Stats().Tags)

	close(release)
	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, time.Second*5, time.Millisecond)

	p.ShrinkMemory(`unknown`)
	p.ShrinkMemory(`a`)
	assert.Zero(t, p.Stats().Tags)

	done := make(chan struct{})
	require.NoError(t, p.ScheduleQueued(`a`, func() { close(done) }))
	<-done
}

func TestPool_idleTimeout(t *testing.T) {
	p := startPool(t, WithMinWorkers(1), WithMaxWorkers(4), WithIdleTimeout(time.Millisecond*20))

	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		require.NoError(t, p.Schedule(func() {
			defer wg.Done()
			<-release
		}))
	}
	require.Eventually(t, func() bool { return p.Stats().Workers == 4 }, time.Second*5, time.Millisecond)
	close(release)
	wg.Wait()

	require.Eventually(t, func() bool { return p.Stats().Workers == 1 }, time.Second*5, time.Millisecond)
	time.Sleep(time.Millisecond * 50)
	assert.Equal(t, 1, p.Stats().Workers)

	done := make(chan struct{})
	require.NoError(t, p.Schedule(func() { close(done) }))
	<-done
}

func TestPool_panicRecovered(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(&buf))).Logger()
	p := startPool(t, WithLogger(logger), WithMaxWorkers(1))

	require.NoError(t, p.ScheduleQueued(`a`, func() { panic(`boom`) }))
	done := make(chan struct{})
	require.NoError(t, p.ScheduleQueued(`a`, func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatal(`queue stalled after panic`)
	}

	p.Stop()

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Panics)
	assert.Equal(t, uint64(2), stats.Completed)
	assert.Contains(t, buf.String(), `taskpool: task panicked`)
	assert.Contains(t, buf.String(), `boom`)
}
