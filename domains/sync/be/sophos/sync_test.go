package sophos

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	integrations "github.com/Mythidas/mspbyte-sync/domains/integrations/be/service"
	"github.com/Mythidas/mspbyte-sync/platform/go/persistence"
)

type fakeIntegrations struct {
	integ integrations.Integration
	cfg   integrations.Config

	savedToken  string
	markedAt    *time.Time
	tokenSaves  int
	markedCalls int
}

func (f *fakeIntegrations) Get(_ context.Context, _ string, _ uuid.UUID) (integrations.Integration, error) {
	return f.integ, nil
}

func (f *fakeIntegrations) Credentials(_ integrations.Integration) (integrations.Config, error) {
	return f.cfg, nil
}

func (f *fakeIntegrations) SaveToken(_ context.Context, _ string, _ uuid.UUID, token string, _ time.Time) error {
	f.savedToken = token
	f.tokenSaves++
	return nil
}

func (f *fakeIntegrations) MarkSynced(_ context.Context, _ string, _ uuid.UUID, at time.Time) error {
	f.markedAt = &at
	f.markedCalls++
	return nil
}

type memStore struct {
	table string
	rows  map[uuid.UUID]persistence.MirrorRecord
}

func newMemStore(table string) *memStore {
	return &memStore{table: table, rows: make(map[uuid.UUID]persistence.MirrorRecord)}
}

func (s *memStore) Table() string { return s.table }

func (s *memStore) ListByScope(_ context.Context, scope persistence.MirrorScope) ([]persistence.MirrorRecord, error) {
	var out []persistence.MirrorRecord
	for _, rec := range s.rows {
		if rec.SourceID != scope.SourceID || rec.TenantID != scope.TenantID {
			continue
		}
		if (rec.SiteID == nil) != (scope.SiteID == nil) {
			continue
		}
		if rec.SiteID != nil && *rec.SiteID != *scope.SiteID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) UpsertBatch(_ context.Context, records []persistence.MirrorRecord) error {
	for _, rec := range records {
		s.rows[rec.ID] = rec
	}
	return nil
}

func (s *memStore) DeleteByIDs(_ context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		delete(s.rows, id)
	}
	return nil
}

type fakeMetrics struct {
	records []persistence.MetricRecord
}

func (f *fakeMetrics) InsertBatch(_ context.Context, records []persistence.MetricRecord) error {
	f.records = append(f.records, records...)
	return nil
}

type fakeJobs struct {
	finished []persistence.JobRecord
}

func (f *fakeJobs) Finish(_ context.Context, rec persistence.JobRecord) error {
	f.finished = append(f.finished, rec)
	return nil
}

func vendorServer(t *testing.T, tokenHits *int) *httptest.Server {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost:
			*tokenHits++
			fmt.Fprint(w, `{"access_token":"tok-fresh","expires_in":3600}`)
		case strings.HasPrefix(r.URL.Path, "/partner/v1/tenants"):
			fmt.Fprintf(w, `{"items":[
                {"id":"t-1","name":"Acme","apiHost":%q},
                {"id":"t-2","name":"Globex","apiHost":%q}
            ],"pages":{"current":1,"total":1}}`, srv.URL, srv.URL)
		case strings.HasPrefix(r.URL.Path, "/endpoint/v1/endpoints"):
			switch r.Header.Get("X-Tenant-ID") {
			case "t-1":
				fmt.Fprint(w, `{"items":[
                    {"id":"e-1","hostname":"laptop-01","health":{"overall":"good"}},
                    {"id":"e-2","hostname":"srv-02","health":{"overall":"bad"}}
                ],"pages":{"current":1,"total":1}}`)
			default:
				fmt.Fprint(w, `{"items":[
                    {"id":"e-3","hostname":"laptop-03","health":{"overall":"suspicious"}}
                ],"pages":{"current":1,"total":1}}`)
			}
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL)
		}
	}))
	return srv
}

func pendingState(steps ...string) map[string]*string {
	marker := "pending"
	state := make(map[string]*string, len(steps))
	for _, s := range steps {
		state[s] = &marker
	}
	return state
}

func TestRunnerFullPass(t *testing.T) {
	var tokenHits int
	srv := vendorServer(t, &tokenHits)
	defer srv.Close()

	integs := &fakeIntegrations{
		integ: integrations.Integration{SourceID: SourceID, TenantID: uuid.New()},
		cfg:   integrations.Config{ClientID: "id-1", ClientSecret: "secret-1", PartnerID: "partner-1"},
	}
	sites := newMemStore(persistence.SitesTable)
	devices := newMemStore(persistence.DevicesTable)
	metrics := &fakeMetrics{}
	jobs := &fakeJobs{}

	runner := NewRunner(
		NewClient(WithBaseURLs(srv.URL, srv.URL)),
		integs, sites, devices, metrics, jobs,
		zap.NewNop(), RunnerConfig{},
	)

	job := persistence.JobRecord{
		ID:       uuid.New(),
		SourceID: SourceID,
		TenantID: integs.integ.TenantID,
		Status:   persistence.JobPending,
		State:    pendingState(runner.Steps()...),
	}

	require.NoError(t, runner.Run(context.Background(), job))

	require.Len(t, jobs.finished, 1)
	require.Equal(t, persistence.JobCompleted, jobs.finished[0].Status)
	require.Nil(t, jobs.finished[0].Error)
	require.Equal(t, 1, integs.markedCalls)

	require.Len(t, sites.rows, 2)
	require.Len(t, devices.rows, 3)

	require.Len(t, metrics.records, 2)
	byTenant := map[string]persistence.MetricRecord{}
	for _, rec := range metrics.records {
		require.Equal(t, protectedDevicesMetric, rec.DefinitionID)
		byTenant[*rec.SourceTenantID] = rec
	}
	require.Equal(t, 1, byTenant["t-1"].MetricCount)
	require.Equal(t, 2, byTenant["t-1"].TotalCount)
	require.Equal(t, 1, byTenant["t-2"].MetricCount)
	require.Equal(t, 1, byTenant["t-2"].TotalCount)

	// Fresh token was fetched once and cached.
	require.Equal(t, 1, tokenHits)
	require.Equal(t, "tok-fresh", integs.savedToken)
}

func TestRunnerRemovesDevicesOfVanishedSites(t *testing.T) {
	var tokenHits int
	srv := vendorServer(t, &tokenHits)
	defer srv.Close()

	tenantID := uuid.New()
	integs := &fakeIntegrations{
		integ: integrations.Integration{SourceID: SourceID, TenantID: tenantID},
		cfg:   integrations.Config{ClientID: "id-1", ClientSecret: "secret-1", PartnerID: "partner-1"},
	}

	// A site from an earlier pass that the vendor no longer reports, with a
	// device row still scoped under it.
	goneSiteID := uuid.New()
	goneTenant := "t-gone"
	sites := newMemStore(persistence.SitesTable)
	sites.rows[goneSiteID] = persistence.MirrorRecord{
		ID:             goneSiteID,
		TenantID:       tenantID,
		SourceID:       SourceID,
		SourceTenantID: &goneTenant,
		ExternalID:     goneTenant,
		DisplayName:    "Initech",
	}
	devices := newMemStore(persistence.DevicesTable)
	orphanID := uuid.New()
	devices.rows[orphanID] = persistence.MirrorRecord{
		ID:             orphanID,
		TenantID:       tenantID,
		SiteID:         &goneSiteID,
		SourceID:       SourceID,
		SourceTenantID: &goneTenant,
		ExternalID:     "e-orphan",
		DisplayName:    "old-laptop",
	}

	jobs := &fakeJobs{}
	runner := NewRunner(
		NewClient(WithBaseURLs(srv.URL, srv.URL)),
		integs, sites, devices, &fakeMetrics{}, jobs,
		zap.NewNop(), RunnerConfig{},
	)

	job := persistence.JobRecord{
		ID:       uuid.New(),
		SourceID: SourceID,
		TenantID: tenantID,
		State:    pendingState(runner.Steps()...),
	}

	require.NoError(t, runner.Run(context.Background(), job))
	require.Equal(t, persistence.JobCompleted, jobs.finished[0].Status)

	require.Len(t, sites.rows, 2, "vanished site row deleted")
	require.NotContains(t, sites.rows, goneSiteID)
	require.NotContains(t, devices.rows, orphanID, "devices of a vanished site go with it")
	require.Len(t, devices.rows, 3)
}

func TestRunnerUsesCachedTokenInsideExpiry(t *testing.T) {
	var tokenHits int
	srv := vendorServer(t, &tokenHits)
	defer srv.Close()

	cached := "tok-cached"
	expires := time.Now().Add(2 * time.Hour)
	integs := &fakeIntegrations{
		integ: integrations.Integration{
			SourceID:       SourceID,
			TenantID:       uuid.New(),
			AccessToken:    &cached,
			TokenExpiresAt: &expires,
		},
		cfg: integrations.Config{ClientID: "id-1", ClientSecret: "secret-1", PartnerID: "partner-1"},
	}
	jobs := &fakeJobs{}

	runner := NewRunner(
		NewClient(WithBaseURLs(srv.URL, srv.URL)),
		integs, newMemStore(persistence.SitesTable), newMemStore(persistence.DevicesTable),
		&fakeMetrics{}, jobs, zap.NewNop(), RunnerConfig{},
	)

	job := persistence.JobRecord{
		ID:       uuid.New(),
		SourceID: SourceID,
		TenantID: integs.integ.TenantID,
		State:    pendingState(runner.Steps()...),
	}

	require.NoError(t, runner.Run(context.Background(), job))
	require.Equal(t, 0, tokenHits)
	require.Equal(t, 0, integs.tokenSaves)
}

func TestRunnerRefreshesTokenNearExpiry(t *testing.T) {
	var tokenHits int
	srv := vendorServer(t, &tokenHits)
	defer srv.Close()

	cached := "tok-stale"
	expires := time.Now().Add(time.Minute)
	integs := &fakeIntegrations{
		integ: integrations.Integration{
			SourceID:       SourceID,
			TenantID:       uuid.New(),
			AccessToken:    &cached,
			TokenExpiresAt: &expires,
		},
		cfg: integrations.Config{ClientID: "id-1", ClientSecret: "secret-1", PartnerID: "partner-1"},
	}

	runner := NewRunner(
		NewClient(WithBaseURLs(srv.URL, srv.URL)),
		integs, newMemStore(persistence.SitesTable), newMemStore(persistence.DevicesTable),
		&fakeMetrics{}, &fakeJobs{}, zap.NewNop(),
		RunnerConfig{TokenRefreshBuffer: 5 * time.Minute},
	)

	job := persistence.JobRecord{
		ID:       uuid.New(),
		SourceID: SourceID,
		TenantID: integs.integ.TenantID,
		State:    pendingState(runner.Steps()...),
	}

	require.NoError(t, runner.Run(context.Background(), job))
	require.Equal(t, 1, tokenHits)
	require.Equal(t, "tok-fresh", integs.savedToken)
}

func TestRunnerVendorFailureMarksJobFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			fmt.Fprint(w, `{"access_token":"tok-fresh","expires_in":3600}`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	integs := &fakeIntegrations{
		integ: integrations.Integration{SourceID: SourceID, TenantID: uuid.New()},
		cfg:   integrations.Config{ClientID: "id-1", ClientSecret: "secret-1", PartnerID: "partner-1"},
	}
	jobs := &fakeJobs{}

	runner := NewRunner(
		NewClient(WithBaseURLs(srv.URL, srv.URL)),
		integs, newMemStore(persistence.SitesTable), newMemStore(persistence.DevicesTable),
		&fakeMetrics{}, jobs, zap.NewNop(), RunnerConfig{},
	)

	job := persistence.JobRecord{
		ID:       uuid.New(),
		SourceID: SourceID,
		TenantID: integs.integ.TenantID,
		State:    pendingState(runner.Steps()...),
	}

	require.NoError(t, runner.Run(context.Background(), job), "step failures are handled, not returned")
	require.Len(t, jobs.finished, 1)
	require.Equal(t, persistence.JobFailed, jobs.finished[0].Status)
	require.Equal(t, 1, jobs.finished[0].RetryCount)
	require.NotNil(t, jobs.finished[0].Error)
	require.Contains(t, *jobs.finished[0].Error, StepSites)
	require.Equal(t, 0, integs.markedCalls)
}
