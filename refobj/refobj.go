// Package refobj provides an embeddable reference count, with a one-way
// "killed" flag, for objects whose teardown must happen at a well-defined
// point, rather than whenever the garbage collector gets around to it.
//
// The count starts at 1 (the creator's reference). Every structural owner
// takes its own reference via [Object.IncRef], and drops it via
// [Object.DecRef]. [Hooks.OnLastRef] runs exactly once, when the count
// reaches zero. [Object.Kill] marks the object as torn down, running
// [Hooks.OnKill] exactly once, but does not release anything.
package refobj

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type (
	// Hooks are the optional callbacks of an [Object].
	Hooks struct {
		// OnKill is called once, by the first call to Kill.
		OnKill func()
		// OnLastRef is called once, when the last reference is released.
		OnLastRef func()
	}

	// Object implements reference counting and kill semantics, and is
	// intended to be embedded. It must be initialized using Init, and must
	// not be copied after first use.
	Object struct {
		_        [0]func()
		hooks    Hooks
		refs     atomic.Int64
		killOnce sync.Once
		killed   atomic.Bool
	}
)

// Init sets the reference count to 1 and configures the hooks.
// It must be called before any other method.
func (x *Object) Init(hooks Hooks) {
	x.hooks = hooks
	x.refs.Store(1)
}

// IncRef takes an additional reference.
func (x *Object) IncRef() {
	if n := x.refs.Add(1); n <= 1 {
		panic(fmt.Sprintf(`refobj: IncRef on released object (refs=%d)`, n))
	}
}

// DecRef releases a reference, calling OnLastRef if it was the last one.
func (x *Object) DecRef() {
	switch n := x.refs.Add(-1); {
	case n > 0:
	case n == 0:
		if x.hooks.OnLastRef != nil {
			x.hooks.OnLastRef()
		}
	default:
		panic(fmt.Sprintf(`refobj: DecRef underflow (refs=%d)`, n))
	}
}

// Kill marks the object as killed. It is idempotent, and safe to call from
// any goroutine.
func (x *Object) Kill() {
	x.killOnce.Do(func() {
		x.killed.Store(true)
		if x.hooks.OnKill != nil {
			x.hooks.OnKill()
		}
	})
}

// IsKilled reports whether Kill has been called.
func (x *Object) IsKilled() bool {
	return x.killed.Load()
}

// RefCount returns the current number of references.
func (x *Object) RefCount() int64 {
	return x.refs.Load()
}
