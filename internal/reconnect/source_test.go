package reconnect

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/canbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type edgeRecorder struct {
	mu    sync.Mutex
	edges []string
}

func (r *edgeRecorder) LinkUp()   { r.add("up") }
func (r *edgeRecorder) LinkDown() { r.add("down") }

func (r *edgeRecorder) add(edge string) {
	r.mu.Lock()
	r.edges = append(r.edges, edge)
	r.mu.Unlock()
}

func (r *edgeRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.edges...)
}

func TestInterfaceMonitorReportsEdgesOnly(t *testing.T) {
	script := []struct {
		flags net.Flags
		err   error
	}{
		{flags: net.FlagUp | net.FlagRunning},
		{flags: net.FlagUp | net.FlagRunning},
		{flags: net.FlagUp},
		{err: errors.New("no such network interface")},
		{flags: net.FlagUp | net.FlagRunning | net.FlagBroadcast},
	}
	var mu sync.Mutex
	step := 0

	mon := NewInterfaceMonitor("eth0", 5*time.Millisecond, testlog.Logger(t, "reconnect"))
	mon.flags = func(name string) (net.Flags, error) {
		assert.Equal(t, "eth0", name)
		mu.Lock()
		defer mu.Unlock()
		i := step
		if i >= len(script) {
			i = len(script) - 1
		}
		step++
		return script[i].flags, script[i].err
	}

	rec := &edgeRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Watch(ctx, rec) }()

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 3 }, waitFor, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"up", "down", "up"}, rec.snapshot())
}

func TestInterfaceMonitorInitialDownIsReported(t *testing.T) {
	mon := NewInterfaceMonitor("vcan9", time.Hour, testlog.Logger(t, "reconnect"))
	mon.flags = func(string) (net.Flags, error) { return 0, nil }

	rec := &edgeRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Watch(ctx, rec) }()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, waitFor, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"down"}, rec.snapshot())
}

func TestStaticUpDrivesLink(t *testing.T) {
	p := startPeer(t)
	link := runLink(t, testConfig(p.ln.Addr().String()), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StaticUp{}.Watch(ctx, link) }()

	waitState(t, link, StateConnected, waitFor)
	p.accept(t)
	cancel()
	require.NoError(t, <-done)
}
