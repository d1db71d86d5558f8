package network

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockPinger struct {
	err   error
	delay time.Duration
	calls int
}

func (m *mockPinger) Ping(ctx context.Context) error {
	m.calls++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func TestProbeMonitor_Reachable(t *testing.T) {
	p := &mockPinger{}
	m := NewProbeMonitor(p, time.Second, nil)

	if !m.IsOnline(context.Background()) {
		t.Error("expected online")
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1", p.calls)
	}
}

func TestProbeMonitor_PingError_NoRetry(t *testing.T) {
	p := &mockPinger{err: errors.New("connection refused")}
	m := NewProbeMonitor(p, time.Second, nil)

	if m.IsOnline(context.Background()) {
		t.Error("expected offline")
	}
	if p.calls != 1 {
		t.Errorf("calls = %d, want exactly one probe", p.calls)
	}
}

func TestProbeMonitor_Timeout(t *testing.T) {
	// Given a ping slower than the probe timeout
	p := &mockPinger{delay: time.Second}
	m := NewProbeMonitor(p, 20*time.Millisecond, nil)

	// When probing
	start := time.Now()
	online := m.IsOnline(context.Background())

	// Then the probe gives up quickly and reports offline
	if online {
		t.Error("expected offline")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("probe was not bounded by its timeout")
	}
}

func TestProbeMonitor_CancelledContext(t *testing.T) {
	p := &mockPinger{}
	m := NewProbeMonitor(p, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if m.IsOnline(ctx) {
		t.Error("expected offline for cancelled context")
	}
	if p.calls != 0 {
		t.Errorf("calls = %d, want 0", p.calls)
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(false)
	if s.IsOnline(context.Background()) {
		t.Error("expected offline")
	}
	s.Set(true)
	if !s.IsOnline(context.Background()) {
		t.Error("expected online after Set(true)")
	}
}
