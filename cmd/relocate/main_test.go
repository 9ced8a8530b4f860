package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/lvapctl/core"
	"github.com/signalsfoundry/lvapctl/internal/mobility"
	"github.com/signalsfoundry/lvapctl/timectrl"
)

func TestParseMove(t *testing.T) {
	mv, err := parseMove("10.0.0.2=10,0:-20,0@6")
	require.NoError(t, err)
	require.Equal(t, move{Host: "10.0.0.2", From: core.Vec3{X: 10}, To: core.Vec3{X: -20}, Speed: 6}, mv)

	for _, raw := range []string{
		"=1,2:3,4@1",
		"ap=1,2:3,4",
		"ap=1,2@1",
		"ap=1:3,4@1",
		"ap=1,2:3,4@0",
		"ap=1,2:3,4@fast",
	} {
		_, err := parseMove(raw)
		require.Error(t, err, raw)
	}
}

func TestBuildEventProjectsBack(t *testing.T) {
	payload, err := buildPayload("", "41.178,-8.598,120", []move{
		{Host: "10.0.0.1", From: core.Vec3{X: -10}, To: core.Vec3{X: -30}, Speed: 2},
		{Host: "10.0.0.2", From: core.Vec3{X: 10, Y: 5}, To: core.Vec3{X: -20, Y: 5}, Speed: 6},
	})
	require.NoError(t, err)

	ev, err := mobility.ParseEvent(payload)
	require.NoError(t, err)
	motions, skipped := mobility.Project(context.Background(), nil, ev)
	require.Empty(t, skipped)
	require.Len(t, motions, 2)

	for _, m := range motions {
		require.InDelta(t, 0, m.Origin.Z, 1e-3)
		require.InDelta(t, 0, m.Velocity.Y, 1e-9)
	}
	for addr, m := range motions {
		if addr.String() == "10.0.0.2" {
			require.InDelta(t, 10, m.Origin.X, 1e-3)
			require.InDelta(t, 5, m.Origin.Y, 1e-3)
			require.InDelta(t, -20, m.Destination.X, 1e-3)
			require.InDelta(t, -6, m.Velocity.X, 1e-9)
			require.InDelta(t, 5, m.FlightTime(), 1e-3)
		}
	}
}

func TestBuildPayloadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte("{\n  \"ap1\": {\"velocity\": {\"x\": \"1.5\"}}\n}\n"), 0o644))
	payload, err := buildPayload(path, "", nil)
	require.NoError(t, err)
	require.Equal(t, `{"ap1":{"velocity":{"x":"1.5"}}}`, payload)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err = buildPayload(path, "", nil)
	require.ErrorIs(t, err, mobility.ErrNotJSON)

	_, err = buildPayload("", "41,-8,0", nil)
	require.Error(t, err)
}

type handlerFunc func(ctx context.Context, msg string, received time.Time) (mobility.Result, error)

func (f handlerFunc) HandleEvent(ctx context.Context, msg string, received time.Time) (mobility.Result, error) {
	return f(ctx, msg, received)
}

func TestSendWaitsForCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got := make(chan string, 2)
	l := mobility.NewListener(handlerFunc(func(_ context.Context, msg string, _ time.Time) (mobility.Result, error) {
		got <- msg
		if msg == "{}" {
			return mobility.Result{}, nil
		}
		return mobility.Result{}, mobility.ErrNotJSON
	}), timectrl.NewManualClock(at), time.Second, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx, ln) }()

	ack, done, err := send(ctx, ln.Addr().String(), "{}")
	require.NoError(t, err)
	require.True(t, ack.Equal(at))
	require.True(t, done)
	require.Equal(t, "{}", <-got)

	_, done, err = send(ctx, ln.Addr().String(), "[1")
	require.NoError(t, err)
	require.False(t, done)

	cancel()
	require.NoError(t, <-served)
}
