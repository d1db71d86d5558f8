// Package sync uploads drafts to the remote platform: global and
// per-instance runs, deferred queueing while offline, throttling, progress
// reporting and cancellation.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hyperengineering/fieldkit/internal/network"
	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/store"
	"github.com/hyperengineering/fieldkit/internal/types"
)

var (
	// ErrNetworkUnavailable marks failures caused by lost connectivity; the
	// sync is queued for later.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrFieldRejected marks a field the server refused.
	ErrFieldRejected = errors.New("field rejected by server")

	// ErrShuttingDown is returned for sync requests after Shutdown.
	ErrShuttingDown = errors.New("sync manager shutting down")
)

// Status is the outcome of a sync request.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusDeferred   Status = "deferred"
	StatusInProgress Status = "in_progress"
	StatusThrottled  Status = "throttled"
)

// ScopeGlobal is the SyncRun scope of a global sync.
const ScopeGlobal = "global"

// Result summarizes one sync request.
type Result struct {
	RunID     string            `json:"run_id,omitempty"`
	Status    Status            `json:"status"`
	Instances int               `json:"instances"`
	Uploaded  int               `json:"uploaded"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Store is the local persistence the manager uses.
type Store interface {
	store.DraftStore
	store.CacheStore
	store.CompletionStore
	store.SyncLogStore
}

// Stager stages drafts with read-back verification.
type Stager interface {
	StageAll(ctx context.Context, drafts []types.Draft) ([]types.Draft, error)
}

// Config tunes the manager.
type Config struct {
	// MinInterval is the minimum spacing of unforced global syncs; 0 disables throttling.
	MinInterval time.Duration
	// Burst is the number of unforced syncs allowed back to back.
	Burst int
	// Concurrency bounds how many instances upload at once.
	Concurrency int
}

// Manager coordinates sync runs. At most one global run is in flight;
// work on a single instance is serialized across global and per-instance runs.
type Manager struct {
	store       Store
	client      remote.Client
	monitor     network.Monitor
	stager      Stager
	limiter     *rate.Limiter
	concurrency int
	locks       *keyedLocks
	now         func() time.Time
	logger      *slog.Logger

	// base is cancelled by Shutdown; every run stops with it.
	base       context.Context
	baseCancel context.CancelFunc
	runs       stdsync.WaitGroup

	mu          stdsync.Mutex
	closing     bool
	running     bool
	cancelled   bool
	cancel      context.CancelFunc
	progress    *types.SyncProgress
	subscribers map[chan *types.SyncProgress]struct{}
	lastErr     error
	syncing     map[types.InstanceKey]int
	failed      map[types.InstanceKey]bool
}

// NewManager creates a Manager.
func NewManager(s Store, client remote.Client, monitor network.Monitor, stager Stager, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	base, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		base:        base,
		baseCancel:  baseCancel,
		store:       s,
		client:      client,
		monitor:     monitor,
		stager:      stager,
		limiter:     rate.NewLimiter(limit, burst),
		concurrency: concurrency,
		locks:       newKeyedLocks(),
		now:         time.Now,
		logger:      logger.With("component", "sync"),
		subscribers: make(map[chan *types.SyncProgress]struct{}),
		syncing:     make(map[types.InstanceKey]int),
		failed:      make(map[types.InstanceKey]bool),
	}
}

// StartSync uploads the drafts of every instance. Offline requests are
// queued and deferred; a request while a global run is in flight returns
// StatusInProgress; unforced requests above the rate limit are throttled.
func (m *Manager) StartSync(ctx context.Context, force bool) (Result, error) {
	if !m.monitor.IsOnline(ctx) {
		if err := m.QueueForSync(ctx); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusDeferred}, nil
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return Result{}, ErrShuttingDown
	}
	if m.running {
		m.mu.Unlock()
		return Result{Status: StatusInProgress}, nil
	}
	if !force && !m.limiter.Allow() {
		m.mu.Unlock()
		return Result{Status: StatusThrottled}, nil
	}
	m.runs.Add(1)
	runCtx, cancel := context.WithCancel(ctx)
	stopOnShutdown := context.AfterFunc(m.base, cancel)
	runID := ulid.Make().String()
	m.running = true
	m.cancelled = false
	m.cancel = cancel
	m.mu.Unlock()
	inProgress.Set(1)

	defer func() {
		stopOnShutdown()
		cancel()
		defer m.runs.Done()
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		m.mu.Unlock()
		inProgress.Set(0)
		m.publish(nil)
	}()

	started := m.now()
	m.publish(&types.SyncProgress{RunID: runID, Phase: types.PhasePreparing})

	if err := m.store.ClearSyncQueued(ctx); err != nil {
		return Result{}, err
	}
	queued.Set(0)

	keys, err := m.pendingInstances(runCtx)
	if err != nil {
		return Result{}, err
	}

	m.logger.Info("sync started",
		"run_id", runID,
		"instances", len(keys),
		"forced", force,
	)

	res := Result{RunID: runID, Instances: len(keys), Errors: map[string]string{}}
	var (
		resMu     stdsync.Mutex
		errs      error
		processed int
	)
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(m.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			ir := m.syncInstance(gctx, key, runID, m.publish)

			resMu.Lock()
			defer resMu.Unlock()
			processed++
			res.Uploaded += ir.uploaded
			res.Failed += ir.failed
			if ir.err != nil {
				errs = multierr.Append(errs, ir.err)
				res.Errors[key.String()] = ir.err.Error()
			}
			m.publish(&types.SyncProgress{
				RunID:          runID,
				Phase:          types.PhaseCompletion,
				ItemsProcessed: processed,
				TotalItems:     len(keys),
				Message:        key.String(),
			})
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case runCtx.Err() != nil:
		res.Status = StatusCancelled
	case errs == nil:
		res.Status = StatusCompleted
	case res.Uploaded > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}

	if errors.Is(errs, ErrNetworkUnavailable) && ctx.Err() == nil {
		if err := m.QueueForSync(ctx); err != nil {
			m.logger.Error("failed to queue sync after network loss", "error", err)
		}
	}

	m.mu.Lock()
	if res.Status == StatusCompleted || res.Status == StatusCancelled {
		m.lastErr = nil
	} else {
		m.lastErr = errs
	}
	m.mu.Unlock()

	m.finish(ctx, ScopeGlobal, res, started)
	return res, nil
}

// StartSyncForInstance uploads the drafts of one instance. It runs even
// while a global sync is in flight, serialized on the instance.
func (m *Manager) StartSyncForInstance(ctx context.Context, key types.InstanceKey) (Result, error) {
	if !m.monitor.IsOnline(ctx) {
		if err := m.QueueForSync(ctx); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusDeferred}, nil
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return Result{}, ErrShuttingDown
	}
	m.runs.Add(1)
	m.mu.Unlock()
	defer m.runs.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnShutdown := context.AfterFunc(m.base, cancel)
	defer stopOnShutdown()

	runID := ulid.Make().String()
	started := m.now()
	ir := m.syncInstance(runCtx, key, runID, func(*types.SyncProgress) {})

	res := Result{RunID: runID, Instances: 1, Uploaded: ir.uploaded, Failed: ir.failed}
	switch {
	case runCtx.Err() != nil:
		res.Status = StatusCancelled
	case ir.err == nil:
		res.Status = StatusCompleted
	case ir.uploaded > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	if ir.err != nil {
		res.Errors = map[string]string{key.String(): ir.err.Error()}
		if errors.Is(ir.err, ErrNetworkUnavailable) && ctx.Err() == nil {
			if err := m.QueueForSync(ctx); err != nil {
				m.logger.Error("failed to queue sync after network loss", "error", err)
			}
		}
	}
	m.finish(ctx, key.String(), res, started)
	return res, nil
}

// pendingInstances returns instances with drafts or unsynced completions.
func (m *Manager) pendingInstances(ctx context.Context) ([]types.InstanceKey, error) {
	keys, err := m.store.ListInstancesWithDrafts(ctx)
	if err != nil {
		return nil, err
	}
	completions, err := m.store.ListPendingCompletions(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[types.InstanceKey]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, rec := range completions {
		if !seen[rec.Instance] {
			seen[rec.Instance] = true
			keys = append(keys, rec.Instance)
		}
	}
	return keys, nil
}

type instanceResult struct {
	uploaded int
	failed   int
	err      error
}

// syncInstance stages, uploads and confirms the drafts of one instance,
// refreshes its cache and mirrors a pending completion. Field errors are
// collected; only accepted drafts unchanged since the snapshot are deleted.
func (m *Manager) syncInstance(ctx context.Context, key types.InstanceKey, runID string, report func(*types.SyncProgress)) instanceResult {
	var res instanceResult
	if err := m.locks.lock(ctx, key); err != nil {
		res.err = err
		return res
	}
	defer m.locks.unlock(key)

	m.mu.Lock()
	m.syncing[key]++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.syncing[key]--; m.syncing[key] <= 0 {
			delete(m.syncing, key)
		}
		if res.err != nil && !errors.Is(res.err, context.Canceled) {
			m.failed[key] = true
		} else if res.err == nil {
			delete(m.failed, key)
		}
		m.mu.Unlock()
	}()

	logger := m.logger.With("run_id", runID, "instance", key.String())

	drafts, err := m.store.ListDraftsForInstance(ctx, key)
	if err != nil {
		res.err = err
		return res
	}

	var errs error
	if len(drafts) > 0 {
		report(&types.SyncProgress{RunID: runID, Phase: types.PhaseStaging, TotalItems: len(drafts), Message: key.String()})
		payload := m.withServerValues(ctx, key, drafts, logger)
		staged, stageErr := m.stager.StageAll(ctx, payload)
		if stageErr != nil {
			n := len(drafts) - len(staged)
			res.failed += n
			fieldsFailedTotal.WithLabelValues("staging").Add(float64(n))
			errs = multierr.Append(errs, stageErr)
		}

		if len(staged) > 0 {
			report(&types.SyncProgress{RunID: runID, Phase: types.PhaseUploading, TotalItems: len(staged), Message: key.String()})
			uploaded, failed, err := m.upload(ctx, key, staged, drafts)
			res.uploaded += uploaded
			res.failed += failed
			if err != nil {
				errs = multierr.Append(errs, err)
				if !errors.Is(err, ErrFieldRejected) {
					// the whole upload failed; the cache and completion stay as they are
					res.err = errs
					logger.Warn("upload failed", "error", err)
					return res
				}
			}
		}

		report(&types.SyncProgress{RunID: runID, Phase: types.PhaseRefreshing, Message: key.String()})
		m.refreshCache(ctx, key, logger)
	}

	if err := m.mirrorCompletion(ctx, key); err != nil {
		errs = multierr.Append(errs, err)
	}

	res.err = errs
	if errs != nil {
		logger.Warn("instance sync finished with errors",
			"uploaded", res.uploaded,
			"failed", res.failed,
			"error", errs,
		)
	} else {
		logger.Info("instance synced", "uploaded", res.uploaded)
	}
	return res
}

// withServerValues fills comment-only drafts with the current server value
// so the upload changes the comment and keeps the value. The server is
// asked first, the cache second; a field with neither stays comment-only.
func (m *Manager) withServerValues(ctx context.Context, key types.InstanceKey, drafts []types.Draft, logger *slog.Logger) []types.Draft {
	commentOnly := 0
	for _, d := range drafts {
		if d.Value == nil {
			commentOnly++
		}
	}
	if commentOnly == 0 {
		return drafts
	}

	server := make(map[types.FieldRef]*string)
	if values, err := m.client.FetchValues(ctx, key); err == nil {
		for _, v := range values {
			server[v.Key.Ref()] = v.Value
		}
	} else {
		logger.Warn("server values unavailable for comment-only drafts, using cache", "error", err)
		cached, cerr := m.store.GetCachedValues(ctx, key)
		if cerr != nil {
			logger.Warn("cache read failed", "error", cerr)
		}
		for ref, v := range cached {
			server[ref] = v.Value
		}
	}

	out := make([]types.Draft, len(drafts))
	for i, d := range drafts {
		if d.Value == nil {
			if v := server[d.Key.Ref()]; v != nil && *v != "" {
				d.Value = v
			}
		}
		out[i] = d
	}
	return out
}

// upload pushes staged drafts and deletes the accepted ones. originals are
// the drafts as read from the store; only those unchanged since are deleted.
func (m *Manager) upload(ctx context.Context, key types.InstanceKey, staged, originals []types.Draft) (uploaded, failed int, err error) {
	fields := make([]types.FieldKey, 0, len(staged))
	for _, d := range staged {
		fields = append(fields, d.Key)
	}

	report, err := m.client.Upload(ctx, key, fields)
	if err != nil {
		fieldsFailedTotal.WithLabelValues("upload").Add(float64(len(staged)))
		if errors.Is(err, remote.ErrUnavailable) {
			return 0, len(staged), fmt.Errorf("%w: upload %s: %w", ErrNetworkUnavailable, key, err)
		}
		return 0, len(staged), fmt.Errorf("upload %s: %w", key, err)
	}

	accepted := make(map[types.FieldKey]bool, len(report.Accepted))
	for _, f := range report.Accepted {
		accepted[f] = true
	}
	confirmed := make([]types.Draft, 0, len(report.Accepted))
	for _, d := range originals {
		if accepted[d.Key] {
			confirmed = append(confirmed, d)
		}
	}

	var errs error
	if len(confirmed) > 0 {
		if _, derr := m.store.DeleteUploadedDrafts(ctx, confirmed); derr != nil {
			errs = multierr.Append(errs, derr)
		}
	}
	for f, msg := range report.Rejected {
		errs = multierr.Append(errs, fmt.Errorf("%w: %s: %s", ErrFieldRejected, f, msg))
	}
	fieldsUploadedTotal.Add(float64(len(confirmed)))
	fieldsFailedTotal.WithLabelValues("rejected").Add(float64(len(report.Rejected)))
	return len(confirmed), len(report.Rejected), errs
}

// refreshCache replaces the cached server values. Failures are logged only.
func (m *Manager) refreshCache(ctx context.Context, key types.InstanceKey, logger *slog.Logger) {
	values, err := m.client.FetchValues(ctx, key)
	if err != nil {
		logger.Warn("cache refresh failed", "error", err)
		return
	}
	if err := m.store.ReplaceCachedValues(ctx, key, values); err != nil {
		logger.Warn("cache replace failed", "error", err)
	}
}

// mirrorCompletion pushes an unsynced completion record upstream.
func (m *Manager) mirrorCompletion(ctx context.Context, key types.InstanceKey) error {
	rec, err := m.store.GetCompletion(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Synced {
		return nil
	}
	if err := m.client.SetCompletion(ctx, key, rec.State); err != nil {
		if errors.Is(err, remote.ErrUnavailable) {
			return fmt.Errorf("%w: completion %s: %w", ErrNetworkUnavailable, key, err)
		}
		return fmt.Errorf("completion %s: %w", key, err)
	}
	return m.store.MarkCompletionSynced(ctx, key, rec.UpdatedAt)
}

// finish records the run and its metrics.
func (m *Manager) finish(ctx context.Context, scope string, res Result, started time.Time) {
	finished := m.now()
	metricScope := "instance"
	if scope == ScopeGlobal {
		metricScope = ScopeGlobal
	}
	runsTotal.WithLabelValues(metricScope, string(res.Status)).Inc()
	runDuration.WithLabelValues(metricScope).Observe(finished.Sub(started).Seconds())

	run := types.SyncRun{
		ID:         res.RunID,
		Scope:      scope,
		Status:     string(res.Status),
		StartedAt:  started.UnixMilli(),
		FinishedAt: finished.UnixMilli(),
		Uploaded:   res.Uploaded,
		Failed:     res.Failed,
	}
	if len(res.Errors) > 0 {
		run.Message = fmt.Sprintf("%d instance(s) with errors", len(res.Errors))
	}
	// the run is recorded even when the caller's context was cancelled
	if err := m.store.RecordSyncRun(context.WithoutCancel(ctx), run); err != nil {
		m.logger.Error("failed to record sync run", "run_id", res.RunID, "error", err)
	}

	m.logger.Info("sync finished",
		"run_id", res.RunID,
		"scope", scope,
		"status", res.Status,
		"uploaded", res.Uploaded,
		"failed", res.Failed,
		"duration_ms", finished.Sub(started).Milliseconds(),
	)
}

// QueueForSync persists a request to sync once connectivity returns.
// Repeated calls leave a single queued request.
func (m *Manager) QueueForSync(ctx context.Context) error {
	inserted, err := m.store.SetSyncQueued(ctx, m.now().UnixMilli())
	if err != nil {
		return err
	}
	queued.Set(1)
	if inserted {
		m.logger.Info("sync queued until online")
	}
	return nil
}

// Queued reports whether a deferred sync is waiting.
func (m *Manager) Queued(ctx context.Context) (bool, error) {
	return m.store.IsSyncQueued(ctx)
}

// Cancel stops the in-flight global sync. Drafts are left untouched and
// progress resets to nil.
func (m *Manager) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	if cancel != nil {
		m.cancelled = true
	}
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.logger.Info("sync cancelled")
	m.publish(nil)
}

// Shutdown refuses new runs, cancels the ones in flight and waits for them
// to return, or for ctx to end. Drafts of cancelled runs are kept.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("sync runs stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync runs: %w", ctx.Err())
	}
}

// Progress returns a snapshot of the global run, nil when idle.
func (m *Manager) Progress() *types.SyncProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress == nil {
		return nil
	}
	p := *m.progress
	return &p
}

// Subscribe streams progress updates; nil marks the return to idle. Slow
// subscribers miss intermediate updates. Call the returned func to stop.
func (m *Manager) Subscribe() (<-chan *types.SyncProgress, func()) {
	ch := make(chan *types.SyncProgress, 16)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	var once stdsync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(p *types.SyncProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// progress stays nil once cancelled or idle
	if p != nil && (!m.running || m.cancelled) {
		return
	}
	m.progress = p
	for ch := range m.subscribers {
		var msg *types.SyncProgress
		if p != nil {
			cp := *p
			msg = &cp
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

// LastError returns the error of the last failed global sync.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ClearErrorState forgets the last error and per-instance failures.
func (m *Manager) ClearErrorState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = nil
	m.failed = make(map[types.InstanceKey]bool)
}

// State derives the sync state of an instance.
func (m *Manager) State(ctx context.Context, key types.InstanceKey) types.SyncState {
	m.mu.Lock()
	syncing := m.syncing[key] > 0
	failed := m.failed[key]
	m.mu.Unlock()
	if syncing {
		return types.SyncStateSyncing
	}

	n, err := m.store.CountDraftsForInstance(ctx, key)
	if err != nil {
		m.logger.Warn("draft count failed", "instance", key.String(), "error", err)
		return types.SyncStatePending
	}
	switch {
	case n == 0:
		return types.SyncStateNoLocalChanges
	case failed:
		return types.SyncStateFailed
	default:
		return types.SyncStatePending
	}
}

// LastRun returns the most recently recorded sync run.
func (m *Manager) LastRun(ctx context.Context) (*types.SyncRun, error) {
	return m.store.LastSyncRun(ctx)
}
