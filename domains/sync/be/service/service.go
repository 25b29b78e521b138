// Package service schedules and dispatches sync jobs: it turns due
// integrations into pending job rows and fans claimed jobs out to the
// per-vendor runners under a bounded worker pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	integrations "github.com/Mythidas/mspbyte-sync/domains/integrations/be/service"
	"github.com/Mythidas/mspbyte-sync/platform/go/persistence"
)

// Runner executes claimed jobs for one vendor source.
type Runner interface {
	Source() string
	Steps() []string
	Run(ctx context.Context, job persistence.JobRecord) error
}

// Jobs is the slice of the job queue the dispatcher needs.
type Jobs interface {
	Create(ctx context.Context, rec persistence.JobRecord) (persistence.JobRecord, error)
	Claim(ctx context.Context, opts persistence.ClaimOptions) ([]persistence.JobRecord, error)
	PendingExists(ctx context.Context, sourceID string, tenantID uuid.UUID) (bool, error)
}

// Integrations is the slice of the integration registry the dispatcher needs.
type Integrations interface {
	List(ctx context.Context) ([]integrations.Integration, error)
}

// Config tunes scheduling and dispatch.
type Config struct {
	// MaxConcurrent bounds parallel job execution in one Process call.
	MaxConcurrent int
	// MaxAttempts quarantines jobs at or past this retry count.
	MaxAttempts int
	// BackoffBase is the exponential backoff base between failed attempts.
	BackoffBase time.Duration
	// StaleAfter reclaims jobs whose prior claim never finished.
	StaleAfter time.Duration
	// ClaimLimit caps jobs claimed per Process call.
	ClaimLimit int
	// DefaultMaxEstDuration applies when a Process call names no budget.
	DefaultMaxEstDuration int
	// DefaultEstDuration is assigned to newly scheduled jobs, in seconds.
	DefaultEstDuration int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 20
	}
	if c.DefaultMaxEstDuration <= 0 {
		c.DefaultMaxEstDuration = 300
	}
	if c.DefaultEstDuration <= 0 {
		c.DefaultEstDuration = 60
	}
	return c
}

// Service wires the job queue, the integration registry and the runners.
type Service struct {
	jobs         Jobs
	integrations Integrations
	runners      map[string]Runner
	logger       *zap.Logger
	cfg          Config
	now          func() time.Time
}

// New constructs a Service. Each runner serves the source id it reports.
func New(jobs Jobs, integs Integrations, runners []Runner, logger *zap.Logger, cfg Config) *Service {
	if jobs == nil {
		panic("job queue is required")
	}
	if integs == nil {
		panic("integration registry is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	bySource := make(map[string]Runner, len(runners))
	for _, r := range runners {
		if _, dup := bySource[r.Source()]; dup {
			panic(fmt.Sprintf("duplicate runner for source %q", r.Source()))
		}
		bySource[r.Source()] = r
	}

	return &Service{
		jobs:         jobs,
		integrations: integs,
		runners:      bySource,
		logger:       logger,
		cfg:          cfg.withDefaults(),
		now:          time.Now,
	}
}

// Schedule enqueues one pending job for every integration that is due and has
// no pending job yet. Per-integration failures are logged and skipped so one
// bad row never blocks the rest of the cron pass.
func (s *Service) Schedule(ctx context.Context) (int, error) {
	integs, err := s.integrations.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list integrations: %w", err)
	}

	now := s.now().UTC()
	scheduled := 0
	for _, integ := range integs {
		logger := s.logger.With(
			zap.String("source_id", integ.SourceID),
			zap.String("tenant_id", integ.TenantID.String()),
		)

		runner, ok := s.runners[integ.SourceID]
		if !ok {
			logger.Warn("no runner registered for integration source")
			continue
		}
		if !integ.Due(now) {
			continue
		}

		exists, err := s.jobs.PendingExists(ctx, integ.SourceID, integ.TenantID)
		if err != nil {
			logger.Error("check pending jobs", zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		if _, err := s.jobs.Create(ctx, persistence.JobRecord{
			ID:          uuid.New(),
			SourceID:    integ.SourceID,
			TenantID:    integ.TenantID,
			Status:      persistence.JobPending,
			State:       initialState(runner.Steps()),
			EstDuration: s.cfg.DefaultEstDuration,
		}); err != nil {
			logger.Error("enqueue sync job", zap.Error(err))
			continue
		}

		logger.Info("sync job scheduled")
		scheduled++
	}
	return scheduled, nil
}

// initialState marks every chain step as not yet done.
func initialState(steps []string) map[string]*string {
	marker := "pending"
	state := make(map[string]*string, len(steps))
	for _, step := range steps {
		m := marker
		state[step] = &m
	}
	return state
}

// Process claims pending jobs within the duration budget and runs them on a
// bounded pool. A failed job is isolated: its runner persists the failure and
// the siblings keep going.
func (s *Service) Process(ctx context.Context, maxEstDuration int) (int, error) {
	if maxEstDuration <= 0 {
		maxEstDuration = s.cfg.DefaultMaxEstDuration
	}

	claimed, err := s.jobs.Claim(ctx, persistence.ClaimOptions{
		MaxEstDuration: maxEstDuration,
		Limit:          s.cfg.ClaimLimit,
		MaxAttempts:    s.cfg.MaxAttempts,
		BackoffBase:    s.cfg.BackoffBase,
		StaleAfter:     s.cfg.StaleAfter,
	})
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrent)

	for _, job := range claimed {
		job := job
		group.Go(func() error {
			logger := s.logger.With(
				zap.String("job_id", job.ID.String()),
				zap.String("source_id", job.SourceID),
				zap.String("tenant_id", job.TenantID.String()),
			)

			runner, ok := s.runners[job.SourceID]
			if !ok {
				// Claimed but unservable; the stale-claim window returns it to
				// the queue for a deploy that knows the source.
				logger.Error("no runner registered for claimed job")
				return nil
			}

			if err := runner.Run(groupCtx, job); err != nil {
				logger.Error("sync job dispatch failed", zap.Error(err))
			}
			return nil
		})
	}

	// Workers swallow their own errors, so Wait only observes ctx cancellation.
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return len(claimed), err
	}
	return len(claimed), nil
}
