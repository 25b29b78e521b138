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

// Mirror tables all share one row shape; one store type serves them all.
const (
	SitesTable      = "source_sites"
	DevicesTable    = "source_devices"
	IdentitiesTable = "source_identities"
	PoliciesTable   = "source_policies"
	LicensesTable   = "source_licenses"
)

var mirrorTables = map[string]bool{
	SitesTable:      true,
	DevicesTable:    true,
	IdentitiesTable: true,
	PoliciesTable:   true,
	LicensesTable:   true,
}

// MirrorRecord is a tenant/site-scoped row mirroring one vendor resource.
// ExternalID is the reconciliation key, unique within (source_id, site_id).
type MirrorRecord struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	SiteID         *uuid.UUID
	SourceID       string
	SourceTenantID *string
	ExternalID     string
	DisplayName    string
	Metadata       []byte // raw vendor payload
	SyncID         uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MirrorScope selects the slice of a mirror table one sync pass owns.
type MirrorScope struct {
	SourceID string
	TenantID uuid.UUID
	SiteID   *uuid.UUID
}

// MirrorStore provides access to one mirror table.
type MirrorStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewMirrorStore creates a store bound to one of the known mirror tables.
func NewMirrorStore(pool *pgxpool.Pool, table string) (*MirrorStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if !mirrorTables[table] {
		return nil, fmt.Errorf("unknown mirror table %q", table)
	}
	return &MirrorStore{pool: pool, table: table}, nil
}

// Table returns the bound table name.
func (s *MirrorStore) Table() string {
	return s.table
}

const mirrorColumns = `id, tenant_id, site_id, source_id, source_tenant_id, external_id,
        display_name, metadata, sync_id, created_at, updated_at`

// ListByScope returns every stored row for the given (source, tenant, site) scope.
func (s *MirrorStore) ListByScope(ctx context.Context, scope MirrorScope) ([]MirrorRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
        WHERE source_id = $1 AND tenant_id = $2 AND site_id IS NOT DISTINCT FROM $3
        ORDER BY external_id`, mirrorColumns, s.table)

	rows, err := s.pool.Query(ctx, query, scope.SourceID, scope.TenantID, scope.SiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MirrorRecord
	for rows.Next() {
		rec, err := scanMirrorRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertBatch writes inserts and updates in one batched round trip. Conflicts
// on (source_id, site_id, external_id) update in place, preserving the
// internal id of the existing row.
func (s *MirrorStore) UpsertBatch(ctx context.Context, records []MirrorRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (id, tenant_id, site_id, source_id, source_tenant_id, external_id,
            display_name, metadata, sync_id, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        ON CONFLICT (source_id, site_id, external_id) DO UPDATE SET
            source_tenant_id = EXCLUDED.source_tenant_id,
            display_name = EXCLUDED.display_name,
            metadata = EXCLUDED.metadata,
            sync_id = EXCLUDED.sync_id,
            updated_at = EXCLUDED.updated_at
    `, s.table)

	batch := &pgx.Batch{}
	for _, rec := range records {
		metadata := rec.Metadata
		if len(metadata) == 0 {
			metadata = []byte("{}")
		}
		batch.Queue(query,
			rec.ID, rec.TenantID, rec.SiteID, rec.SourceID, rec.SourceTenantID, rec.ExternalID,
			rec.DisplayName, metadata, rec.SyncID, rec.CreatedAt, rec.UpdatedAt,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert %s: %w", s.table, err)
		}
	}
	return nil
}

// DeleteByIDs removes rows no longer present in the latest vendor fetch.
func (s *MirrorStore) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", s.table)
	_, err := s.pool.Exec(ctx, query, ids)
	return err
}

func scanMirrorRecord(row pgx.Row) (MirrorRecord, error) {
	var rec MirrorRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.SiteID, &rec.SourceID, &rec.SourceTenantID,
		&rec.ExternalID, &rec.DisplayName, &rec.Metadata, &rec.SyncID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MirrorRecord{}, ErrNotFound
		}
		return MirrorRecord{}, err
	}
	return rec, nil
}
