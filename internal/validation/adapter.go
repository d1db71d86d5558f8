package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/types"
)

// ErrEvaluationTimeout is returned when the engine does not answer in time.
var ErrEvaluationTimeout = errors.New("rule evaluation timed out")

// engineIssueID is the rule id of the synthetic warning reported when the
// engine could not produce a result.
const engineIssueID = "validation-engine"

// FieldResolver supplies the resolved values of an instance.
type FieldResolver interface {
	Resolve(ctx context.Context, key types.InstanceKey) ([]types.ResolvedField, error)
}

// Stager stages values before evaluation.
type Stager interface {
	StageAll(ctx context.Context, drafts []types.Draft) ([]types.Draft, error)
}

// Evaluator runs the remote rule engine.
type Evaluator interface {
	Evaluate(ctx context.Context, key types.InstanceKey, opts remote.EvalOptions) (*remote.Evaluation, error)
}

// AdapterConfig bounds evaluation and caching.
type AdapterConfig struct {
	Timeout   time.Duration
	MaxDepth  int
	CacheSize int
	CacheTTL  time.Duration
}

// Adapter evaluates an instance's rules in isolation and maps the result to
// a ValidationSummary. Engine failures never escape as errors: they become
// a single warning that does not block completion.
type Adapter struct {
	resolver FieldResolver
	stager   Stager
	engine   Evaluator
	cache    *expirable.LRU[uint64, types.ValidationSummary]
	cfg      AdapterConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewAdapter creates an Adapter.
func NewAdapter(resolver FieldResolver, stager Stager, engine Evaluator, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 128
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		resolver: resolver,
		stager:   stager,
		engine:   engine,
		cache:    expirable.NewLRU[uint64, types.ValidationSummary](cfg.CacheSize, nil, cfg.CacheTTL),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With("component", "validation"),
	}
}

// Validate evaluates the rules of an instance against its resolved values.
// Results for unchanged values are served from cache.
func (a *Adapter) Validate(ctx context.Context, key types.InstanceKey) (types.ValidationSummary, error) {
	start := a.now()

	fields, err := a.resolver.Resolve(ctx, key)
	if err != nil {
		return types.ValidationSummary{}, err
	}

	hash := ContentHash(key, fields)
	if cached, ok := a.cache.Get(hash); ok {
		a.logger.Debug("validation cache hit", "instance", key.String())
		return cached, nil
	}

	// every field is staged, empty ones included, so nothing left over from
	// an earlier evaluation is seen by the engine
	drafts := make([]types.Draft, 0, len(fields))
	for _, f := range fields {
		drafts = append(drafts, types.Draft{Key: f.Key, Value: f.Value, Comment: f.Comment, LastModified: f.LastModified})
	}
	if _, err := a.stager.StageAll(ctx, drafts); err != nil {
		if ctx.Err() != nil {
			return types.ValidationSummary{}, ctx.Err()
		}
		a.logger.Warn("some values could not be staged for validation",
			"instance", key.String(),
			"error", err,
		)
	}

	eval, err := a.evaluate(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return types.ValidationSummary{}, ctx.Err()
		}
		a.logger.Warn("validation engine failed, reporting a warning",
			"instance", key.String(),
			"error", err,
		)
		summary := engineFailureSummary(err)
		summary.ExecutionTimeMs = a.now().Sub(start).Milliseconds()
		return summary, nil
	}

	summary := summarize(eval)
	summary.ExecutionTimeMs = a.now().Sub(start).Milliseconds()
	a.cache.Add(hash, summary)
	a.logger.Info("validation completed",
		"instance", key.String(),
		"rules", summary.TotalRulesChecked,
		"errors", summary.ErrorCount,
		"warnings", summary.WarningCount,
	)
	return summary, nil
}

type outcome struct {
	eval *remote.Evaluation
	err  error
}

// evaluate runs the engine on a goroutine wired to its own OS thread. The
// thread is never unlocked, so the runtime discards it once the goroutine
// exits. Panics are converted to ErrEngineFailure.
func (a *Adapter) evaluate(ctx context.Context, key types.InstanceKey) (*remote.Evaluation, error) {
	evalCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		runtime.LockOSThread()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", remote.ErrEngineFailure, r)}
			}
		}()
		eval, err := a.engine.Evaluate(evalCtx, key, remote.EvalOptions{MaxDepth: a.cfg.MaxDepth})
		if err == nil && eval == nil {
			err = fmt.Errorf("%w: empty result", remote.ErrEngineFailure)
		}
		done <- outcome{eval: eval, err: err}
	}()

	select {
	case o := <-done:
		return o.eval, o.err
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrEvaluationTimeout, a.cfg.Timeout)
	}
}

// Invalidate drops every cached summary.
func (a *Adapter) Invalidate() {
	a.cache.Purge()
}

func summarize(eval *remote.Evaluation) types.ValidationSummary {
	s := types.ValidationSummary{
		TotalRulesChecked: eval.RulesChecked,
		Issues:            make([]types.ValidationIssue, 0, len(eval.Violations)),
	}
	for _, v := range eval.Violations {
		severity := types.SeverityWarning
		if v.Importance == remote.ImportanceHigh {
			severity = types.SeverityError
			s.ErrorCount++
		} else {
			s.WarningCount++
		}
		s.Issues = append(s.Issues, types.ValidationIssue{
			RuleID:         v.RuleID,
			Description:    v.Description,
			Severity:       severity,
			AffectedFields: v.AffectedFields,
		})
	}
	s.PassedRules = eval.RulesChecked - len(eval.Violations)
	if s.PassedRules < 0 {
		s.PassedRules = 0
	}
	s.CanComplete = s.ErrorCount == 0
	return s
}

func engineFailureSummary(err error) types.ValidationSummary {
	desc := "Validation rules could not be evaluated"
	switch {
	case errors.Is(err, remote.ErrEvaluationDepth):
		desc += ": a rule is nested too deeply"
	case errors.Is(err, ErrEvaluationTimeout):
		desc += ": the engine timed out"
	}
	return types.ValidationSummary{
		WarningCount: 1,
		CanComplete:  true,
		Issues: []types.ValidationIssue{{
			RuleID:      engineIssueID,
			Description: desc,
			Severity:    types.SeverityWarning,
		}},
	}
}

// ContentHash fingerprints an instance and its resolved values, independent
// of field order.
func ContentHash(key types.InstanceKey, fields []types.ResolvedField) uint64 {
	sorted := make([]types.ResolvedField, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key.String() < sorted[j].Key.String()
	})

	h := xxhash.New()
	_, _ = h.WriteString(key.String())
	for _, f := range sorted {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(f.Key.String())
		if f.Value == nil {
			_, _ = h.WriteString("\x01")
			continue
		}
		_, _ = h.WriteString("\x02")
		_, _ = h.WriteString(*f.Value)
	}
	return h.Sum64()
}
