// Package app coordinates cooperative halting of long-running
// controller applications. An external controller requests a halt, the
// application acknowledges it at its next checkpoint and blocks there
// until it is resumed.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownApplication = errors.New("unknown application")
	ErrAlreadyRegistered  = errors.New("application already registered")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

// State is an application's execution state.
type State int32

const (
	Running State = iota
	Halting
	Halted
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Halting:
		return "HALTING"
	case Halted:
		return "HALTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ParseState parses the names produced by State.String.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RUNNING":
		return Running, nil
	case "HALTING":
		return Halting, nil
	case "HALTED":
		return Halted, nil
	}
	return Running, fmt.Errorf("unknown application state %q", s)
}

// allowed reports whether from -> to is one of the three legal edges.
func allowed(from, to State) bool {
	switch {
	case from == Running && to == Halting:
		return true
	case from == Halting && to == Halted:
		return true
	case from == Halted && to == Running:
		return true
	}
	return false
}

// Subscriber observes state changes. It is called with the registry
// lock held and must not call back into the registry.
type Subscriber func(name string, from, to State)

// Registry owns every application runtime. All runtimes share one lock
// and condition variable so waiters can watch any application.
type Registry struct {
	mu   sync.Mutex
	cond *sync.Cond
	apps map[string]*Runtime
	subs []Subscriber
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{apps: make(map[string]*Runtime)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Register adds a new application in the Running state.
func (r *Registry) Register(name string) (*Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.apps[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	rt := &Runtime{name: name, reg: r, state: Running}
	r.apps[name] = rt
	for _, fn := range r.subs {
		fn(name, Running, Running)
	}
	return rt, nil
}

// Subscribe registers fn for every subsequent state change.
func (r *Registry) Subscribe(fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Names returns the registered application names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.apps))
	for name := range r.apps {
		out = append(out, name)
	}
	return out
}

// Runtime returns the named application.
func (r *Registry) Runtime(name string) (*Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(name)
}

func (r *Registry) lookupLocked(name string) (*Runtime, error) {
	rt, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, name)
	}
	return rt, nil
}

// ApplicationState returns the named application's state.
func (r *Registry) ApplicationState(name string) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, err := r.lookupLocked(name)
	if err != nil {
		return Running, err
	}
	return rt.state, nil
}

// SetApplicationState forces a transition. Only the three legal edges
// are accepted; setting the current state is a no-op.
func (r *Registry) SetApplicationState(name string, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, err := r.lookupLocked(name)
	if err != nil {
		return err
	}
	if rt.state == s {
		return nil
	}
	if !r.transitionLocked(rt, rt.state, s) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, name, rt.state, s)
	}
	return nil
}

// TryHaltApplication requests a halt. It returns false when the
// application is not Running, which means another party holds the halt.
func (r *Registry) TryHaltApplication(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, err := r.lookupLocked(name)
	if err != nil {
		return false
	}
	return r.transitionLocked(rt, Running, Halting)
}

// ResumeApplication moves a Halted application back to Running.
func (r *Registry) ResumeApplication(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, err := r.lookupLocked(name)
	if err != nil {
		return false
	}
	return r.transitionLocked(rt, Halted, Running)
}

// WaitForState blocks until the named application is in one of states
// or ctx is done. It returns the state that ended the wait.
func (r *Registry) WaitForState(ctx context.Context, name string, states ...State) (State, error) {
	stop := context.AfterFunc(ctx, r.broadcast)
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	rt, err := r.lookupLocked(name)
	if err != nil {
		return Running, err
	}
	for {
		for _, s := range states {
			if rt.state == s {
				return s, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return rt.state, err
		}
		r.cond.Wait()
	}
}

func (r *Registry) broadcast() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// transitionLocked applies from -> to when rt is currently in from.
func (r *Registry) transitionLocked(rt *Runtime, from, to State) bool {
	if rt.state != from || !allowed(from, to) {
		return false
	}
	rt.state = to
	for _, fn := range r.subs {
		fn(rt.name, from, to)
	}
	r.cond.Broadcast()
	return true
}
