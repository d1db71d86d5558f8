// Package staging writes draft values into the remote client's staging
// area and verifies them by reading them back.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/types"
)

// DefaultRetryDelay is the pause before the single re-stage attempt.
const DefaultRetryDelay = 500 * time.Millisecond

// ErrStagingMismatch is returned when a staged value still reads back
// differently after the retry.
var ErrStagingMismatch = errors.New("staged value mismatch")

// Stager stages drafts with read-back verification.
type Stager struct {
	client remote.Client
	delay  time.Duration
	logger *slog.Logger
}

// New creates a Stager. A non-positive delay uses DefaultRetryDelay.
func New(client remote.Client, delay time.Duration, logger *slog.Logger) *Stager {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{
		client: client,
		delay:  delay,
		logger: logger.With("component", "staging"),
	}
}

// Stage writes d and reads it back. On a mismatch it waits the retry delay,
// re-stages and re-reads exactly once more.
func (s *Stager) Stage(ctx context.Context, d types.Draft) error {
	attempt := 0
	backoff := retry.WithMaxRetries(1, retry.NewConstant(s.delay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := s.client.StageValue(ctx, d.Key, d.Value, d.Comment); err != nil {
			return fmt.Errorf("stage %s: %w", d.Key, err)
		}
		got, ok, err := s.client.StagedValue(ctx, d.Key)
		if err != nil {
			return fmt.Errorf("read back %s: %w", d.Key, err)
		}
		if !ok || !types.EqualPtr(got, d.Value) {
			s.logger.Warn("staged value mismatch",
				"field", d.Key.String(),
				"attempt", attempt,
			)
			return retry.RetryableError(fmt.Errorf("%w: %s", ErrStagingMismatch, d.Key))
		}
		return nil
	})
	return err
}

// StageAll stages every draft and returns the ones that verified. Failures
// are collected per field and never stop the remaining drafts.
func (s *Stager) StageAll(ctx context.Context, drafts []types.Draft) ([]types.Draft, error) {
	staged := make([]types.Draft, 0, len(drafts))
	var errs error
	for _, d := range drafts {
		if ctx.Err() != nil {
			return staged, multierr.Append(errs, ctx.Err())
		}
		if err := s.Stage(ctx, d); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		staged = append(staged, d)
	}
	return staged, errs
}
