package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IntegrationsTable holds each tenant's configured vendor connections.
const IntegrationsTable = "integrations"

// IntegrationRecord represents a tenant's connection to a vendor source.
// Config stays encrypted at rest; the cached access token is mutated by sync
// flows between full config updates.
type IntegrationRecord struct {
	SourceID        string
	TenantID        uuid.UUID
	ConfigEncrypted string
	AccessToken     *string
	TokenExpiresAt  *time.Time
	LastSyncAt      *time.Time
	SyncInterval    string // "hourly" or "daily"
	Timezone        string // IANA name used for daily due checks
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IntegrationStore provides access to the integrations table.
type IntegrationStore struct {
	pool *pgxpool.Pool
}

// NewIntegrationStore creates a store; assumes migrations already created the table.
func NewIntegrationStore(pool *pgxpool.Pool) (*IntegrationStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &IntegrationStore{pool: pool}, nil
}

const integrationColumns = `source_id, tenant_id, config_encrypted, access_token,
        token_expires_at, last_sync_at, sync_interval, timezone, created_at, updated_at`

// Upsert inserts or replaces an integration's configuration.
func (s *IntegrationStore) Upsert(ctx context.Context, rec IntegrationRecord) (IntegrationRecord, error) {
	if rec.SourceID == "" || rec.TenantID == uuid.Nil {
		return IntegrationRecord{}, errors.New("source id and tenant id are required")
	}
	if rec.SyncInterval == "" {
		rec.SyncInterval = "daily"
	}
	if rec.Timezone == "" {
		rec.Timezone = "UTC"
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (source_id, tenant_id, config_encrypted, access_token,
            token_expires_at, last_sync_at, sync_interval, timezone, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
        ON CONFLICT (source_id, tenant_id) DO UPDATE SET
            config_encrypted = EXCLUDED.config_encrypted,
            sync_interval = EXCLUDED.sync_interval,
            timezone = EXCLUDED.timezone,
            updated_at = now()
        RETURNING %s
    `, IntegrationsTable, integrationColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.SourceID, rec.TenantID, rec.ConfigEncrypted, rec.AccessToken,
		rec.TokenExpiresAt, rec.LastSyncAt, rec.SyncInterval, rec.Timezone,
	)
	return scanIntegrationRecord(row)
}

// Get fetches one integration by its composite key.
func (s *IntegrationStore) Get(ctx context.Context, sourceID string, tenantID uuid.UUID) (IntegrationRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE source_id = $1 AND tenant_id = $2",
		integrationColumns, IntegrationsTable)
	return scanIntegrationRecord(s.pool.QueryRow(ctx, query, sourceID, tenantID))
}

// List returns every configured integration, oldest sync first so starved
// tenants are scheduled before recently synced ones.
func (s *IntegrationStore) List(ctx context.Context) ([]IntegrationRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        ORDER BY last_sync_at ASC NULLS FIRST, source_id, tenant_id`,
		integrationColumns, IntegrationsTable)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []IntegrationRecord
	for rows.Next() {
		rec, err := scanIntegrationRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveToken caches a refreshed vendor token and its expiry on the integration row.
func (s *IntegrationStore) SaveToken(ctx context.Context, sourceID string, tenantID uuid.UUID, token string, expiresAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET access_token = $3, token_expires_at = $4, updated_at = now()
        WHERE source_id = $1 AND tenant_id = $2`, IntegrationsTable)

	tag, err := s.pool.Exec(ctx, query, sourceID, tenantID, token, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSynced records a fully completed sync pass.
func (s *IntegrationStore) MarkSynced(ctx context.Context, sourceID string, tenantID uuid.UUID, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET last_sync_at = $3, updated_at = now()
        WHERE source_id = $1 AND tenant_id = $2`, IntegrationsTable)

	tag, err := s.pool.Exec(ctx, query, sourceID, tenantID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIntegrationRecord(row pgx.Row) (IntegrationRecord, error) {
	var rec IntegrationRecord
	err := row.Scan(&rec.SourceID, &rec.TenantID, &rec.ConfigEncrypted, &rec.AccessToken,
		&rec.TokenExpiresAt, &rec.LastSyncAt, &rec.SyncInterval, &rec.Timezone,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IntegrationRecord{}, ErrNotFound
		}
		return IntegrationRecord{}, err
	}
	return rec, nil
}
