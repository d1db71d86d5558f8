package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/fieldkit/internal/config"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) hasMessage(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if m, ok := e["msg"].(string); ok && m == msg {
			return true
		}
	}
	return false
}

func captureDefault(t *testing.T) *logCapture {
	t.Helper()
	capture := &logCapture{}
	old := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	t.Cleanup(func() { slog.SetDefault(old) })
	return capture
}

func TestStartWorker_LaunchesGoroutineAndTracksCompletion(t *testing.T) {
	capture := captureDefault(t)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	workerRan := atomic.Bool{}
	startWorker(ctx, &wg, "sync-drain", func(ctx context.Context) {
		workerRan.Store(true)
		<-ctx.Done()
	})

	time.Sleep(10 * time.Millisecond)
	if !workerRan.Load() {
		t.Error("worker function was not called")
	}

	cancel()
	wg.Wait()

	if !capture.hasMessage("worker started") {
		t.Error("expected 'worker started' log message")
	}
	if !capture.hasMessage("worker stopped") {
		t.Error("expected 'worker stopped' log message")
	}
}

func TestStartWorker_WaitGroupCoversCleanup(t *testing.T) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	completed := atomic.Bool{}
	startWorker(ctx, &wg, "backup", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		completed.Store(true)
	})

	cancel()
	wg.Wait()

	if !completed.Load() {
		t.Error("wg.Wait() returned before worker completed")
	}
}

func TestStartWorker_LogsWorkerName(t *testing.T) {
	capture := captureDefault(t)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	startWorker(ctx, &wg, "my-custom-worker", func(ctx context.Context) {
		<-ctx.Done()
	})
	cancel()
	wg.Wait()

	capture.mu.Lock()
	defer capture.mu.Unlock()
	for _, entry := range capture.entries {
		if w, ok := entry["worker"].(string); ok && w == "my-custom-worker" {
			return
		}
	}
	t.Error("expected log entry with worker='my-custom-worker' attribute")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer

	jl, _ := newLogger(config.LogConfig{Level: "info", Format: "json"}, &jsonBuf)
	jl.Info("sync completed", "component", "sync")
	tl, _ := newLogger(config.LogConfig{Level: "info", Format: "text"}, &textBuf)
	tl.Info("sync completed", "component", "sync")

	var entry map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &entry); err != nil {
		t.Fatalf("json output not parseable: %v (%q)", err, jsonBuf.String())
	}
	if entry["component"] != "sync" {
		t.Errorf("entry = %v", entry)
	}
	if !strings.Contains(textBuf.String(), "component=sync") {
		t.Errorf("text output = %q", textBuf.String())
	}
}

func TestNewLogger_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l, _ := newLogger(config.LogConfig{Level: "warn"}, &buf)

	l.Info("ignored")
	l.Warn("kept")

	if strings.Contains(buf.String(), "ignored") || !strings.Contains(buf.String(), "kept") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestNewLogger_WritesRotatingFile(t *testing.T) {
	// Given a log file in a fresh directory
	path := filepath.Join(t.TempDir(), "logs", "fieldkit.log")
	var stdout bytes.Buffer

	// When logging
	l, closer := newLogger(config.LogConfig{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1}, &stdout)
	l.Info("backup uploaded", "component", "worker")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Then the line lands in both sinks
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "backup uploaded") || !strings.Contains(stdout.String(), "backup uploaded") {
		t.Errorf("file = %q, stdout = %q", data, stdout.String())
	}
}
