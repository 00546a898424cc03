package action

import (
	"fmt"
	"runtime/debug"
)

// Affinity tells the ThreadPool where an action may run.
type Affinity int

const (
	// AnyThread actions are spread round robin over the fixed workers.
	AnyThread Affinity = iota

	// SingleThread actions always land on the worker selected by their owner,
	// so two actions with the same owner never run concurrently.
	SingleThread
)

func (a Affinity) String() string {
	if a == SingleThread {
		return "single_thread"
	}
	return "any_thread"
}

// Action is the unit of asynchronous work executed by the ThreadPool.
//
// Perform must capture any failure instead of returning it; the owner
// inspects Err() once the action comes back through the completion hook.
type Action interface {
	Perform()
	Owner() uint64
	Affinity() Affinity
	Err() error
	Describe() string
}

// Base carries the bookkeeping shared by every action. Concrete actions
// embed it and call Capture from their Perform method.
type Base struct {
	owner    uint64
	affinity Affinity
	err      error
}

func (b *Base) Owner() uint64          { return b.owner }
func (b *Base) Affinity() Affinity     { return b.affinity }
func (b *Base) Err() error             { return b.err }
func (b *Base) HasError() bool         { return b.err != nil }
func (b *Base) SetOwner(id uint64)     { b.owner = id }
func (b *Base) SetAffinity(a Affinity) { b.affinity = a }

// Pin sets the owner and switches the action to SingleThread affinity.
func (b *Base) Pin(owner uint64) {
	b.owner = owner
	b.affinity = SingleThread
}

// Capture runs fn and records its error. A panic inside fn is recovered and
// stored as the action error so a broken action can't take a worker down.
func (b *Base) Capture(fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			b.err = fmt.Errorf("action panic: %v\n%s", r, debug.Stack())
		}
	}()
	b.err = fn()
}

// Func adapts a plain function into an Action. Handy for one-off work such
// as post-processing steps that don't need their own type.
type Func struct {
	Base
	Name string
	Fn   func() error
}

// NewFunc returns a Func action with AnyThread affinity.
func NewFunc(name string, fn func() error) *Func {
	return &Func{Name: name, Fn: fn}
}

func (f *Func) Perform() { f.Capture(f.Fn) }

func (f *Func) Describe() string { return f.Name }
