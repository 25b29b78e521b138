package msgraph

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
	return nil
}

func (f *fakeIntegrations) MarkSynced(_ context.Context, _ string, _ uuid.UUID, _ time.Time) error {
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
		if rec.SourceID == scope.SourceID && rec.TenantID == scope.TenantID {
			out = append(out, rec)
		}
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

func graphServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost:
			fmt.Fprint(w, `{"access_token":"tok-graph","expires_in":3600}`)
		case strings.HasPrefix(r.URL.Path, "/users"):
			fmt.Fprint(w, `{"value":[
                {"id":"u-1","displayName":"Ada","userPrincipalName":"ada@acme.com","accountEnabled":true},
                {"id":"u-2","displayName":"Grace","userPrincipalName":"grace@acme.com","accountEnabled":true}
            ]}`)
		case strings.HasPrefix(r.URL.Path, "/subscribedSkus"):
			fmt.Fprint(w, `{"value":[
                {"id":"sku-row-1","skuId":"sku-1","skuPartNumber":"O365_BUSINESS","consumedUnits":40,"prepaidUnits":{"enabled":50}}
            ]}`)
		case strings.HasPrefix(r.URL.Path, "/identity/conditionalAccess/policies"):
			fmt.Fprint(w, `{"value":[
                {"id":"cap-1","displayName":"Require MFA","state":"enabled"}
            ]}`)
		case strings.HasPrefix(r.URL.Path, "/reports/authenticationMethods/userRegistrationDetails"):
			fmt.Fprint(w, `{"value":[
                {"id":"u-1","userPrincipalName":"ada@acme.com","isMfaRegistered":true},
                {"id":"u-2","userPrincipalName":"grace@acme.com","isMfaRegistered":false}
            ]}`)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL)
		}
	}))
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
	srv := graphServer(t)
	defer srv.Close()

	integs := &fakeIntegrations{
		integ: integrations.Integration{SourceID: SourceID, TenantID: uuid.New()},
		cfg: integrations.Config{
			ClientID:      "id-1",
			ClientSecret:  "secret-1",
			AzureTenantID: "azure-tenant-1",
		},
	}
	identities := newMemStore(persistence.IdentitiesTable)
	licenses := newMemStore(persistence.LicensesTable)
	policies := newMemStore(persistence.PoliciesTable)
	metrics := &fakeMetrics{}
	jobs := &fakeJobs{}

	runner := NewRunner(
		NewClient(WithBaseURLs(srv.URL, srv.URL)),
		integs, identities, licenses, policies, metrics, jobs,
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
	require.Equal(t, 1, integs.markedCalls)
	require.Equal(t, "tok-graph", integs.savedToken)

	require.Len(t, identities.rows, 2)
	require.Len(t, licenses.rows, 1)
	require.Len(t, policies.rows, 1)

	require.Len(t, metrics.records, 1)
	rec := metrics.records[0]
	require.Equal(t, mfaEnabledMetric, rec.DefinitionID)
	require.Equal(t, 1, rec.MetricCount)
	require.Equal(t, 2, rec.TotalCount)
	require.Equal(t, "azure-tenant-1", *rec.SourceTenantID)

	// Every table was stamped with the same sync id.
	for _, row := range identities.rows {
		require.Equal(t, rec.SyncID, row.SyncID)
	}
	for _, row := range licenses.rows {
		require.Equal(t, rec.SyncID, row.SyncID)
	}
}

func TestRunnerMidChainFailureLeavesRemainingState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost:
			fmt.Fprint(w, `{"access_token":"tok-graph","expires_in":3600}`)
		case strings.HasPrefix(r.URL.Path, "/users"):
			fmt.Fprint(w, `{"value":[{"id":"u-1","displayName":"Ada","userPrincipalName":"ada@acme.com"}]}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	integs := &fakeIntegrations{
		integ: integrations.Integration{SourceID: SourceID, TenantID: uuid.New()},
		cfg:   integrations.Config{ClientID: "id-1", ClientSecret: "secret-1", AzureTenantID: "azure-tenant-1"},
	}
	jobs := &fakeJobs{}

	runner := NewRunner(
		NewClient(WithBaseURLs(srv.URL, srv.URL)),
		integs, newMemStore(persistence.IdentitiesTable), newMemStore(persistence.LicensesTable),
		newMemStore(persistence.PoliciesTable), &fakeMetrics{}, jobs,
		zap.NewNop(), RunnerConfig{},
	)

	job := persistence.JobRecord{
		ID:       uuid.New(),
		SourceID: SourceID,
		TenantID: integs.integ.TenantID,
		State:    pendingState(runner.Steps()...),
	}

	require.NoError(t, runner.Run(context.Background(), job))
	require.Len(t, jobs.finished, 1)

	final := jobs.finished[0]
	require.Equal(t, persistence.JobFailed, final.Status)
	require.Contains(t, *final.Error, StepLicenses)
	require.Nil(t, final.State[StepIdentities], "finished step state is cleared")
	require.NotNil(t, final.State[StepLicenses], "failed step keeps its marker")
	require.Equal(t, 0, integs.markedCalls)
}
