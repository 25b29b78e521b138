package msgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	integrations "github.com/Mythidas/mspbyte-sync/domains/integrations/be/service"
	"github.com/Mythidas/mspbyte-sync/domains/sync/be/chain"
	"github.com/Mythidas/mspbyte-sync/domains/sync/be/reconcile"
	"github.com/Mythidas/mspbyte-sync/platform/go/persistence"
)

// Steps of the Microsoft 365 chain, in execution order.
const (
	StepIdentities = "identities"
	StepLicenses   = "licenses"
	StepPolicies   = "policies"
	StepMetrics    = "metrics"

	mfaEnabledMetric = "mfa_enabled_users"
)

// Integrations is the slice of the integration registry this runner needs.
type Integrations interface {
	Get(ctx context.Context, sourceID string, tenantID uuid.UUID) (integrations.Integration, error)
	Credentials(integ integrations.Integration) (integrations.Config, error)
	SaveToken(ctx context.Context, sourceID string, tenantID uuid.UUID, token string, expiresAt time.Time) error
	MarkSynced(ctx context.Context, sourceID string, tenantID uuid.UUID, at time.Time) error
}

// MetricSink records rollup rows.
type MetricSink interface {
	InsertBatch(ctx context.Context, records []persistence.MetricRecord) error
}

// RunnerConfig tunes the runner.
type RunnerConfig struct {
	// TokenRefreshBuffer forces a token refresh when the cached token is
	// within this much of its expiry.
	TokenRefreshBuffer time.Duration
}

// Runner executes one Microsoft 365 sync job end to end.
type Runner struct {
	client       *Client
	integrations Integrations
	identities   reconcile.Store
	licenses     reconcile.Store
	policies     reconcile.Store
	metrics      MetricSink
	jobs         chain.JobSink
	logger       *zap.Logger
	cfg          RunnerConfig
}

// NewRunner constructs a Runner with required dependencies.
func NewRunner(client *Client, integs Integrations, identities, licenses, policies reconcile.Store, metrics MetricSink, jobs chain.JobSink, logger *zap.Logger, cfg RunnerConfig) *Runner {
	if client == nil || integs == nil || identities == nil || licenses == nil || policies == nil || metrics == nil || jobs == nil || logger == nil {
		panic("msgraph runner dependencies are required")
	}
	if cfg.TokenRefreshBuffer <= 0 {
		cfg.TokenRefreshBuffer = 5 * time.Minute
	}
	return &Runner{
		client:       client,
		integrations: integs,
		identities:   identities,
		licenses:     licenses,
		policies:     policies,
		metrics:      metrics,
		jobs:         jobs,
		logger:       logger,
		cfg:          cfg,
	}
}

// Source returns the vendor source id this runner serves.
func (r *Runner) Source() string { return SourceID }

// Steps returns the chain step names, used to seed new job state maps.
func (r *Runner) Steps() []string {
	return []string{StepIdentities, StepLicenses, StepPolicies, StepMetrics}
}

// Run executes the claimed job through the chain. Step failures are persisted
// to the job row; only persistence failures come back as errors.
func (r *Runner) Run(ctx context.Context, job persistence.JobRecord) error {
	c := chain.New(SourceID, chain.Deps{Jobs: r.jobs, Marker: r.integrations, Logger: r.logger}).
		Step(StepIdentities, r.syncIdentities).
		Step(StepLicenses, r.syncLicenses).
		Step(StepPolicies, r.syncPolicies).
		Step(StepMetrics, r.recordMetrics)

	_, err := c.Run(ctx, &chain.Run{Job: job})
	return err
}

// pass carries per-run context between steps.
type pass struct {
	syncID        uuid.UUID
	token         string
	azureTenantID string
}

func (r *Runner) syncIdentities(ctx context.Context, run *chain.Run, _ any) (any, error) {
	integ, err := r.integrations.Get(ctx, SourceID, run.Job.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load integration: %w", err)
	}
	cfg, err := r.integrations.Credentials(integ)
	if err != nil {
		return nil, err
	}

	token, err := r.token(ctx, integ, cfg)
	if err != nil {
		return nil, err
	}
	p := &pass{syncID: uuid.New(), token: token, azureTenantID: cfg.AzureTenantID}

	users, err := r.client.ListUsers(ctx, token)
	if err != nil {
		return nil, err
	}

	incoming := make([]persistence.MirrorRecord, 0, len(users))
	for _, u := range users {
		incoming = append(incoming, IdentityRecord(u, run.Job.TenantID, p.azureTenantID))
	}
	if _, err := reconcile.Sync(ctx, r.identities, r.scope(run), incoming, p.syncID, reconcile.DefaultOptions(), r.logger); err != nil {
		return nil, err
	}

	run.ClearState(StepIdentities)
	return p, nil
}

func (r *Runner) syncLicenses(ctx context.Context, run *chain.Run, prev any) (any, error) {
	p, ok := prev.(*pass)
	if !ok {
		return nil, fmt.Errorf("licenses step needs the identities step output")
	}

	skus, err := r.client.ListSubscribedSkus(ctx, p.token)
	if err != nil {
		return nil, err
	}

	incoming := make([]persistence.MirrorRecord, 0, len(skus))
	for _, s := range skus {
		incoming = append(incoming, LicenseRecord(s, run.Job.TenantID, p.azureTenantID))
	}
	if _, err := reconcile.Sync(ctx, r.licenses, r.scope(run), incoming, p.syncID, reconcile.DefaultOptions(), r.logger); err != nil {
		return nil, err
	}

	run.ClearState(StepLicenses)
	return p, nil
}

func (r *Runner) syncPolicies(ctx context.Context, run *chain.Run, prev any) (any, error) {
	p, ok := prev.(*pass)
	if !ok {
		return nil, fmt.Errorf("policies step needs the licenses step output")
	}

	policies, err := r.client.ListConditionalAccessPolicies(ctx, p.token)
	if err != nil {
		return nil, err
	}

	incoming := make([]persistence.MirrorRecord, 0, len(policies))
	for _, pol := range policies {
		incoming = append(incoming, PolicyRecord(pol, run.Job.TenantID, p.azureTenantID))
	}
	if _, err := reconcile.Sync(ctx, r.policies, r.scope(run), incoming, p.syncID, reconcile.DefaultOptions(), r.logger); err != nil {
		return nil, err
	}

	run.ClearState(StepPolicies)
	return p, nil
}

func (r *Runner) recordMetrics(ctx context.Context, run *chain.Run, prev any) (any, error) {
	p, ok := prev.(*pass)
	if !ok {
		return nil, fmt.Errorf("metrics step needs the policies step output")
	}

	details, err := r.client.ListUserRegistrationDetails(ctx, p.token)
	if err != nil {
		return nil, err
	}

	registered := 0
	for _, d := range details {
		if d.IsMfaRegistered {
			registered++
		}
	}

	azureTenant := p.azureTenantID
	rec := persistence.MetricRecord{
		SourceID:       SourceID,
		TenantID:       run.Job.TenantID,
		SourceTenantID: &azureTenant,
		DefinitionID:   mfaEnabledMetric,
		MetricCount:    registered,
		TotalCount:     len(details),
		SyncID:         p.syncID,
	}
	if err := r.metrics.InsertBatch(ctx, []persistence.MetricRecord{rec}); err != nil {
		return nil, fmt.Errorf("record metrics: %w", err)
	}

	run.ClearState(StepMetrics)
	return p, nil
}

func (r *Runner) scope(run *chain.Run) persistence.MirrorScope {
	return persistence.MirrorScope{SourceID: SourceID, TenantID: run.Job.TenantID}
}

// token returns the cached integration token, refreshing it when it is inside
// the configured expiry buffer. A failed cache write is logged and ignored;
// the fresh token still serves this run.
func (r *Runner) token(ctx context.Context, integ integrations.Integration, cfg integrations.Config) (string, error) {
	if integ.AccessToken != nil && integ.TokenExpiresAt != nil &&
		time.Until(*integ.TokenExpiresAt) > r.cfg.TokenRefreshBuffer {
		return *integ.AccessToken, nil
	}

	tok, err := r.client.FetchToken(ctx, cfg.AzureTenantID, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return "", err
	}
	if err := r.integrations.SaveToken(ctx, SourceID, integ.TenantID, tok.AccessToken, tok.ExpiresAt); err != nil {
		r.logger.Warn("cache graph token", zap.Error(err))
	}
	return tok.AccessToken, nil
}
