package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Mythidas/mspbyte-sync/domains/integrations/be/service"
	"github.com/Mythidas/mspbyte-sync/platform/go/persistence"
)

// PostgresRepository implements the integrations repository using the shared persistence layer.
type PostgresRepository struct {
	store *persistence.IntegrationStore
}

// NewPostgresRepository constructs a repository backed by IntegrationStore.
func NewPostgresRepository(store *persistence.IntegrationStore) *PostgresRepository {
	if store == nil {
		panic("integration store is required")
	}
	return &PostgresRepository{store: store}
}

func (r *PostgresRepository) List(ctx context.Context) ([]service.Integration, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	integrations := make([]service.Integration, 0, len(records))
	for _, rec := range records {
		integrations = append(integrations, toServiceIntegration(rec))
	}
	return integrations, nil
}

func (r *PostgresRepository) Get(ctx context.Context, sourceID string, tenantID uuid.UUID) (service.Integration, error) {
	rec, err := r.store.Get(ctx, sourceID, tenantID)
	if err != nil {
		return service.Integration{}, mapNotFound(err)
	}
	return toServiceIntegration(rec), nil
}

func (r *PostgresRepository) SaveToken(ctx context.Context, sourceID string, tenantID uuid.UUID, token string, expiresAt time.Time) error {
	return mapNotFound(r.store.SaveToken(ctx, sourceID, tenantID, token, expiresAt))
}

func (r *PostgresRepository) MarkSynced(ctx context.Context, sourceID string, tenantID uuid.UUID, at time.Time) error {
	return mapNotFound(r.store.MarkSynced(ctx, sourceID, tenantID, at))
}

func toServiceIntegration(rec persistence.IntegrationRecord) service.Integration {
	interval := service.Interval(rec.SyncInterval)
	if interval != service.IntervalHourly {
		interval = service.IntervalDaily
	}
	return service.Integration{
		SourceID:        rec.SourceID,
		TenantID:        rec.TenantID,
		ConfigEncrypted: rec.ConfigEncrypted,
		AccessToken:     rec.AccessToken,
		TokenExpiresAt:  rec.TokenExpiresAt,
		LastSyncAt:      rec.LastSyncAt,
		Interval:        interval,
		Timezone:        rec.Timezone,
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrNotFound
	}
	return err
}

// Ensure interface compliance.
var _ service.Repository = (*PostgresRepository)(nil)
