// Package network reports whether the remote platform is reachable.
package network

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Monitor answers a point-in-time connectivity question. Implementations
// do not retry or cache.
type Monitor interface {
	IsOnline(ctx context.Context) bool
}

// Pinger is the single request a ProbeMonitor issues.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProbeMonitor considers the platform online when one bounded ping succeeds.
type ProbeMonitor struct {
	pinger  Pinger
	timeout time.Duration
	logger  *slog.Logger
}

// NewProbeMonitor creates a monitor that pings with the given timeout.
func NewProbeMonitor(p Pinger, timeout time.Duration, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeMonitor{
		pinger:  p,
		timeout: timeout,
		logger:  logger.With("component", "network"),
	}
}

// IsOnline pings the platform once.
func (m *ProbeMonitor) IsOnline(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := m.pinger.Ping(ctx); err != nil {
		m.logger.Debug("probe failed", "error", err)
		return false
	}
	return true
}

// Static is a monitor whose answer is set explicitly, used for forced
// offline mode and tests.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static monitor with the given initial state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// IsOnline returns the configured state.
func (s *Static) IsOnline(ctx context.Context) bool {
	return s.online.Load()
}

// Set changes the reported state.
func (s *Static) Set(online bool) {
	s.online.Store(online)
}
