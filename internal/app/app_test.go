package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const selectorApp = "SmartApSelection"

func newRegistry(t *testing.T) (*Registry, *Runtime) {
	t.Helper()
	reg := NewRegistry()
	rt, err := reg.Register(selectorApp)
	require.NoError(t, err)
	return reg, rt
}

func TestRegisterDuplicate(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Register(selectorApp)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestUnknownApplication(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.ApplicationState("nope")
	require.ErrorIs(t, err, ErrUnknownApplication)
	require.False(t, reg.TryHaltApplication("nope"))
	require.False(t, reg.ResumeApplication("nope"))
	require.ErrorIs(t, reg.SetApplicationState("nope", Halting), ErrUnknownApplication)
}

func TestCheckpointWhileRunningDoesNotBlock(t *testing.T) {
	_, rt := newRegistry(t)
	blocked, err := rt.Checkpoint(context.Background())
	require.NoError(t, err)
	require.False(t, blocked)
	require.Equal(t, Running, rt.State())
}

func TestHaltHandshake(t *testing.T) {
	reg, rt := newRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.True(t, reg.TryHaltApplication(selectorApp))
	require.False(t, reg.TryHaltApplication(selectorApp), "second halt must fail while halting")

	result := make(chan bool, 1)
	go func() {
		blocked, err := rt.Checkpoint(ctx)
		if err != nil {
			result <- false
			return
		}
		result <- blocked
	}()

	st, err := reg.WaitForState(ctx, selectorApp, Halted)
	require.NoError(t, err)
	require.Equal(t, Halted, st)

	select {
	case <-result:
		t.Fatalf("checkpoint returned while halted")
	case <-time.After(20 * time.Millisecond):
	}

	require.False(t, reg.TryHaltApplication(selectorApp))
	require.True(t, reg.ResumeApplication(selectorApp))

	select {
	case blocked := <-result:
		require.True(t, blocked)
	case <-ctx.Done():
		t.Fatalf("checkpoint did not return after resume")
	}
	require.Equal(t, Running, rt.State())
}

func TestCheckpointHonoursContext(t *testing.T) {
	reg, rt := newRegistry(t)
	require.True(t, rt.TryHalt())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rt.Checkpoint(ctx)
		errCh <- err
	}()

	_, err := reg.WaitForState(context.Background(), selectorApp, Halted)
	require.NoError(t, err)
	cancel()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatalf("checkpoint ignored cancellation")
	}
}

func TestWaitForStateHonoursContext(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := reg.WaitForState(ctx, selectorApp, Halted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Running, st)
}

func TestSetApplicationStateEdges(t *testing.T) {
	reg, _ := newRegistry(t)

	require.ErrorIs(t, reg.SetApplicationState(selectorApp, Halted), ErrInvalidTransition)
	require.NoError(t, reg.SetApplicationState(selectorApp, Running))
	require.NoError(t, reg.SetApplicationState(selectorApp, Halting))
	require.ErrorIs(t, reg.SetApplicationState(selectorApp, Running), ErrInvalidTransition)
	require.NoError(t, reg.SetApplicationState(selectorApp, Halted))
	require.ErrorIs(t, reg.SetApplicationState(selectorApp, Halting), ErrInvalidTransition)
	require.NoError(t, reg.SetApplicationState(selectorApp, Running))
}

func TestResumeOnlyFromHalted(t *testing.T) {
	reg, rt := newRegistry(t)
	require.False(t, rt.Resume())
	require.True(t, rt.TryHalt())
	require.False(t, reg.ResumeApplication(selectorApp), "resume from HALTING is not a legal edge")
}

func TestConcurrentTryHaltSingleWinner(t *testing.T) {
	reg, _ := newRegistry(t)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.TryHaltApplication(selectorApp) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestSubscribersSeeEveryTransition(t *testing.T) {
	reg := NewRegistry()
	type change struct{ from, to State }
	var seen []change
	reg.Subscribe(func(name string, from, to State) {
		seen = append(seen, change{from, to})
	})

	rt, err := reg.Register("watcher")
	require.NoError(t, err)
	require.True(t, rt.TryHalt())
	require.NoError(t, reg.SetApplicationState("watcher", Halted))
	require.True(t, rt.Resume())

	require.Equal(t, []change{
		{Running, Running},
		{Running, Halting},
		{Halting, Halted},
		{Halted, Running},
	}, seen)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "RUNNING", Running.String())
	require.Equal(t, "HALTING", Halting.String())
	require.Equal(t, "HALTED", Halted.String())
	require.Equal(t, "State(7)", State(7).String())
}

func TestParseState(t *testing.T) {
	for _, s := range []State{Running, Halting, Halted} {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	got, err := ParseState(" halted")
	require.NoError(t, err)
	require.Equal(t, Halted, got)

	_, err = ParseState("PAUSED")
	require.Error(t, err)
}

func TestIfRunningExcludesHalt(t *testing.T) {
	reg, rt := newRegistry(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	ran := make(chan bool, 1)
	go func() {
		ran <- rt.IfRunning(func() {
			close(entered)
			<-release
		})
	}()
	<-entered

	halted := make(chan bool, 1)
	go func() { halted <- reg.TryHaltApplication(selectorApp) }()
	select {
	case <-halted:
		t.Fatalf("halt granted while a guarded call was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.True(t, <-ran)
	require.True(t, <-halted)

	called := false
	require.False(t, rt.IfRunning(func() { called = true }))
	require.False(t, called)
}
