package sophos

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

// Steps of the Sophos chain, in execution order.
const (
	StepSites   = "sites"
	StepDevices = "devices"
	StepMetrics = "metrics"

	protectedDevicesMetric = "protected_devices"
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

// Runner executes one Sophos partner sync job end to end.
type Runner struct {
	client       *Client
	integrations Integrations
	sites        reconcile.Store
	devices      reconcile.Store
	metrics      MetricSink
	jobs         chain.JobSink
	logger       *zap.Logger
	cfg          RunnerConfig
}

// NewRunner constructs a Runner with required dependencies.
func NewRunner(client *Client, integs Integrations, sites, devices reconcile.Store, metrics MetricSink, jobs chain.JobSink, logger *zap.Logger, cfg RunnerConfig) *Runner {
	if client == nil || integs == nil || sites == nil || devices == nil || metrics == nil || jobs == nil || logger == nil {
		panic("sophos runner dependencies are required")
	}
	if cfg.TokenRefreshBuffer <= 0 {
		cfg.TokenRefreshBuffer = 5 * time.Minute
	}
	return &Runner{
		client:       client,
		integrations: integs,
		sites:        sites,
		devices:      devices,
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
	return []string{StepSites, StepDevices, StepMetrics}
}

// Run executes the claimed job through the chain. Step failures are persisted
// to the job row; only persistence failures come back as errors.
func (r *Runner) Run(ctx context.Context, job persistence.JobRecord) error {
	c := chain.New(SourceID, chain.Deps{Jobs: r.jobs, Marker: r.integrations, Logger: r.logger}).
		Step(StepSites, r.syncSites).
		Step(StepDevices, r.syncDevices).
		Step(StepMetrics, r.recordMetrics)

	_, err := c.Run(ctx, &chain.Run{Job: job})
	return err
}

// pass carries per-run context between steps.
type pass struct {
	syncID uuid.UUID
	token  string
	sites  []siteRef
}

// siteRef ties a stored site row back to its vendor tenant.
type siteRef struct {
	rowID          uuid.UUID
	sourceTenantID string
	name           string
	apiHost        string

	devicesTotal     int
	devicesProtected int
}

func (r *Runner) syncSites(ctx context.Context, run *chain.Run, _ any) (any, error) {
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

	tenants, err := r.client.ListTenants(ctx, token, cfg.PartnerID)
	if err != nil {
		return nil, err
	}

	incoming := make([]persistence.MirrorRecord, 0, len(tenants))
	fetched := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		incoming = append(incoming, SiteRecord(t, run.Job.TenantID))
		fetched[t.ID] = true
	}

	scope := persistence.MirrorScope{SourceID: SourceID, TenantID: run.Job.TenantID}

	// Site rows about to be deleted still own device rows; remember them so
	// their device scopes get emptied too.
	prior, err := r.sites.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list prior sites: %w", err)
	}
	var removedSites []uuid.UUID
	for _, rec := range prior {
		if !fetched[rec.ExternalID] {
			removedSites = append(removedSites, rec.ID)
		}
	}

	p := &pass{syncID: uuid.New(), token: token}
	if _, err := reconcile.Sync(ctx, r.sites, scope, incoming, p.syncID, reconcile.DefaultOptions(), r.logger); err != nil {
		return nil, err
	}

	for _, siteID := range removedSites {
		deviceScope := persistence.MirrorScope{
			SourceID: SourceID,
			TenantID: run.Job.TenantID,
			SiteID:   &siteID,
		}
		if _, err := reconcile.Sync(ctx, r.devices, deviceScope, nil, p.syncID, reconcile.DefaultOptions(), r.logger); err != nil {
			return nil, err
		}
	}

	// Device rows hang off the stored site ids, so re-read the reconciled rows
	// to resolve vendor tenant -> site row.
	stored, err := r.sites.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("resolve site rows: %w", err)
	}
	rowByExternal := make(map[string]uuid.UUID, len(stored))
	for _, rec := range stored {
		rowByExternal[rec.ExternalID] = rec.ID
	}

	for _, t := range tenants {
		rowID, ok := rowByExternal[t.ID]
		if !ok {
			// Upsert was best-effort and skipped this row; devices for it wait
			// for the next pass.
			continue
		}
		apiHost := t.APIHost
		if apiHost == "" {
			apiHost = cfg.APIHost
		}
		p.sites = append(p.sites, siteRef{
			rowID:          rowID,
			sourceTenantID: t.ID,
			name:           t.Name,
			apiHost:        apiHost,
		})
	}

	run.ClearState(StepSites)
	return p, nil
}

func (r *Runner) syncDevices(ctx context.Context, run *chain.Run, prev any) (any, error) {
	p, ok := prev.(*pass)
	if !ok {
		return nil, fmt.Errorf("devices step needs the sites step output")
	}

	for i := range p.sites {
		site := &p.sites[i]
		endpoints, err := r.client.ListEndpoints(ctx, p.token, site.apiHost, site.sourceTenantID)
		if err != nil {
			return nil, fmt.Errorf("endpoints for %s: %w", site.sourceTenantID, err)
		}

		incoming := make([]persistence.MirrorRecord, 0, len(endpoints))
		for _, e := range endpoints {
			incoming = append(incoming, DeviceRecord(e, run.Job.TenantID, site.rowID, site.sourceTenantID))
			site.devicesTotal++
			if e.Protected() {
				site.devicesProtected++
			}
		}

		scope := persistence.MirrorScope{
			SourceID: SourceID,
			TenantID: run.Job.TenantID,
			SiteID:   &site.rowID,
		}
		if _, err := reconcile.Sync(ctx, r.devices, scope, incoming, p.syncID, reconcile.DefaultOptions(), r.logger); err != nil {
			return nil, err
		}
	}

	run.ClearState(StepDevices)
	return p, nil
}

func (r *Runner) recordMetrics(ctx context.Context, run *chain.Run, prev any) (any, error) {
	p, ok := prev.(*pass)
	if !ok {
		return nil, fmt.Errorf("metrics step needs the devices step output")
	}

	records := make([]persistence.MetricRecord, 0, len(p.sites))
	for _, site := range p.sites {
		sourceTenant := site.sourceTenantID
		siteID := site.rowID
		records = append(records, persistence.MetricRecord{
			SourceID:       SourceID,
			TenantID:       run.Job.TenantID,
			SiteID:         &siteID,
			SourceTenantID: &sourceTenant,
			DefinitionID:   protectedDevicesMetric,
			MetricCount:    site.devicesProtected,
			TotalCount:     site.devicesTotal,
			SyncID:         p.syncID,
		})
	}

	if err := r.metrics.InsertBatch(ctx, records); err != nil {
		return nil, fmt.Errorf("record metrics: %w", err)
	}

	run.ClearState(StepMetrics)
	return p, nil
}

// token returns the cached integration token, refreshing it when it is inside
// the configured expiry buffer. A failed cache write is logged and ignored;
// the fresh token still serves this run.
func (r *Runner) token(ctx context.Context, integ integrations.Integration, cfg integrations.Config) (string, error) {
	if integ.AccessToken != nil && integ.TokenExpiresAt != nil &&
		time.Until(*integ.TokenExpiresAt) > r.cfg.TokenRefreshBuffer {
		return *integ.AccessToken, nil
	}

	tok, err := r.client.FetchToken(ctx, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return "", err
	}
	if err := r.integrations.SaveToken(ctx, SourceID, integ.TenantID, tok.AccessToken, tok.ExpiresAt); err != nil {
		r.logger.Warn("cache sophos token", zap.Error(err))
	}
	return tok.AccessToken, nil
}
