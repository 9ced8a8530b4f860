package app

import "context"

// Runtime is the handle an application uses to honour halt requests.
type Runtime struct {
	name  string
	reg   *Registry
	state State
}

func (rt *Runtime) Name() string { return rt.name }

// State returns the current state.
func (rt *Runtime) State() State {
	rt.reg.mu.Lock()
	defer rt.reg.mu.Unlock()
	return rt.state
}

// TryHalt moves Running to Halting. It reports whether it did.
func (rt *Runtime) TryHalt() bool {
	rt.reg.mu.Lock()
	defer rt.reg.mu.Unlock()
	return rt.reg.transitionLocked(rt, Running, Halting)
}

// IfRunning calls fn only while the state is Running and holds the
// coordination lock for the duration, so no TryHalt can succeed while fn
// runs. fn must not call back into the registry. It reports whether fn ran.
func (rt *Runtime) IfRunning(fn func()) bool {
	rt.reg.mu.Lock()
	defer rt.reg.mu.Unlock()
	if rt.state != Running {
		return false
	}
	fn()
	return true
}

// Resume moves Halted to Running and wakes the application.
func (rt *Runtime) Resume() bool {
	rt.reg.mu.Lock()
	defer rt.reg.mu.Unlock()
	return rt.reg.transitionLocked(rt, Halted, Running)
}

// Checkpoint is called by the application between units of work. While
// the state is not Running it acknowledges a pending halt (Halting to
// Halted) and blocks until resumed. It reports whether it blocked at
// all. ctx cancellation ends the wait with ctx.Err().
func (rt *Runtime) Checkpoint(ctx context.Context) (blocked bool, err error) {
	reg := rt.reg
	stop := context.AfterFunc(ctx, reg.broadcast)
	defer stop()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	for rt.state != Running {
		if rt.state == Halting {
			reg.transitionLocked(rt, Halting, Halted)
		}
		if err := ctx.Err(); err != nil {
			return blocked, err
		}
		blocked = true
		reg.cond.Wait()
	}
	return blocked, nil
}
