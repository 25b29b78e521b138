// Package chain runs a named, ordered pipeline of sync steps against a shared
// run context, short-circuiting on the first failure and gating finalization
// on the job's remaining-work state map.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mythidas/mspbyte-sync/platform/go/metrics"
	"github.com/Mythidas/mspbyte-sync/platform/go/persistence"
)

// StepFunc executes one pipeline stage. prev carries the previous step's
// output; the run state is threaded explicitly rather than captured in
// closures, so a reader can see every mutation site.
type StepFunc func(ctx context.Context, run *Run, prev any) (any, error)

// FinalFunc runs after a job completes in full.
type FinalFunc func(ctx context.Context, run *Run) error

// JobSink persists terminal job fields.
type JobSink interface {
	Finish(ctx context.Context, rec persistence.JobRecord) error
}

// SyncMarker records a fully completed pass on the owning integration.
type SyncMarker interface {
	MarkSynced(ctx context.Context, sourceID string, tenantID uuid.UUID, at time.Time) error
}

// Run is the mutable per-job context shared by all steps of one chain
// execution. Each Run is owned by exactly one chain; nothing here is shared
// across jobs.
type Run struct {
	Job persistence.JobRecord
}

// SetState records a remaining-work marker for a step.
func (r *Run) SetState(step, marker string) {
	if r.Job.State == nil {
		r.Job.State = map[string]*string{}
	}
	r.Job.State[step] = &marker
}

// ClearState marks a step's work as done.
func (r *Run) ClearState(step string) {
	if r.Job.State == nil {
		r.Job.State = map[string]*string{}
	}
	r.Job.State[step] = nil
}

// stateCleared reports whether every state entry is nil, i.e. no work remains.
func (r *Run) stateCleared() bool {
	for _, marker := range r.Job.State {
		if marker != nil {
			return false
		}
	}
	return true
}

// Deps wires the chain to its collaborators.
type Deps struct {
	Jobs   JobSink
	Marker SyncMarker
	Logger *zap.Logger
	Now    func() time.Time // defaults to time.Now
}

type step struct {
	name string
	fn   StepFunc
}

// Chain is a fixed, ordered list of steps plus finalization hooks.
type Chain struct {
	name   string
	steps  []step
	finals []FinalFunc
	deps   Deps
}

// New constructs a chain. The name labels logs and step metrics.
func New(name string, deps Deps) *Chain {
	if deps.Jobs == nil {
		panic("job sink is required")
	}
	if deps.Logger == nil {
		panic("logger is required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Chain{name: name, deps: deps}
}

// Step appends a named step. Steps run strictly sequentially in registration
// order, so a failed job row points at exactly one step.
func (c *Chain) Step(name string, fn StepFunc) *Chain {
	c.steps = append(c.steps, step{name: name, fn: fn})
	return c
}

// Final registers a post-completion hook. Hooks run in registration order and
// only when the job completes with a fully cleared state map.
func (c *Chain) Final(fn FinalFunc) *Chain {
	c.finals = append(c.finals, fn)
	return c
}

// Run executes the chain. A failing step is persisted to the job row and
// handled here; only persistence failures escape to the caller.
func (c *Chain) Run(ctx context.Context, run *Run) (persistence.JobStatus, error) {
	logger := c.deps.Logger.With(
		zap.String("chain", c.name),
		zap.String("job_id", run.Job.ID.String()),
		zap.String("source_id", run.Job.SourceID),
	)

	started := c.deps.Now().UTC()
	run.Job.StartedAt = &started

	var prev any
	for _, s := range c.steps {
		stepStart := c.deps.Now()
		out, err := s.fn(ctx, run, prev)
		elapsed := c.deps.Now().Sub(stepStart)

		// Timing is observability only; it never alters control flow.
		logger.Info("sync step finished",
			zap.String("step", s.name),
			zap.Duration("duration", elapsed),
			zap.Bool("ok", err == nil),
		)
		metrics.ObserveStep(c.name, s.name, elapsed)

		if err != nil {
			return c.fail(ctx, run, logger, s.name, err)
		}
		prev = out
	}

	now := c.deps.Now().UTC()
	run.Job.LastAttemptAt = &now

	if run.stateCleared() {
		run.Job.Status = persistence.JobCompleted
		run.Job.CompletedAt = &now
		run.Job.Error = nil
	} else {
		// Remaining state means a later claim should pick up the rest.
		run.Job.Status = persistence.JobPending
	}

	if err := c.deps.Jobs.Finish(ctx, run.Job); err != nil {
		return run.Job.Status, fmt.Errorf("persist job %s: %w", run.Job.ID, err)
	}
	metrics.ObserveJob(run.Job.SourceID, string(run.Job.Status))

	if run.Job.Status != persistence.JobCompleted {
		return run.Job.Status, nil
	}

	if c.deps.Marker != nil {
		if err := c.deps.Marker.MarkSynced(ctx, run.Job.SourceID, run.Job.TenantID, now); err != nil {
			logger.Error("mark integration synced", zap.Error(err))
		}
	}
	for _, fn := range c.finals {
		if err := fn(ctx, run); err != nil {
			logger.Error("finalization hook failed", zap.Error(err))
		}
	}

	return persistence.JobCompleted, nil
}

func (c *Chain) fail(ctx context.Context, run *Run, logger *zap.Logger, stepName string, stepErr error) (persistence.JobStatus, error) {
	now := c.deps.Now().UTC()
	msg := fmt.Sprintf("%s: %s", stepName, stepErr.Error())

	run.Job.Status = persistence.JobFailed
	run.Job.Error = &msg
	run.Job.RetryCount++
	run.Job.LastAttemptAt = &now

	logger.Warn("sync step failed",
		zap.String("step", stepName),
		zap.Int("retry_count", run.Job.RetryCount),
		zap.Error(stepErr),
	)

	if err := c.deps.Jobs.Finish(ctx, run.Job); err != nil {
		return persistence.JobFailed, errors.Join(stepErr, fmt.Errorf("persist job %s: %w", run.Job.ID, err))
	}
	metrics.ObserveJob(run.Job.SourceID, string(persistence.JobFailed))
	return persistence.JobFailed, nil
}
