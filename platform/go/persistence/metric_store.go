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

// MetricsTable accumulates point-in-time rollups for trend computation.
const MetricsTable = "source_metrics"

// MetricRecord is one rollup measurement. Rows are insert-only; history feeds
// the dashboard's trend charts.
type MetricRecord struct {
	ID             uuid.UUID
	SourceID       string
	TenantID       uuid.UUID
	SiteID         *uuid.UUID
	SourceTenantID *string
	DefinitionID   string
	MetricCount    int
	TotalCount     int
	SyncID         uuid.UUID
	CreatedAt      time.Time
}

// MetricStore provides access to the metrics table.
type MetricStore struct {
	pool *pgxpool.Pool
}

// NewMetricStore creates a store; assumes migrations already created the table.
func NewMetricStore(pool *pgxpool.Pool) (*MetricStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &MetricStore{pool: pool}, nil
}

// InsertBatch appends fresh rollup rows for the current sync pass.
func (s *MetricStore) InsertBatch(ctx context.Context, records []MetricRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (id, source_id, tenant_id, site_id, source_tenant_id,
            definition_id, metric_count, total_count, sync_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
    `, MetricsTable)

	batch := &pgx.Batch{}
	for _, rec := range records {
		id := rec.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(query,
			id, rec.SourceID, rec.TenantID, rec.SiteID, rec.SourceTenantID,
			rec.DefinitionID, rec.MetricCount, rec.TotalCount, rec.SyncID,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert metrics: %w", err)
		}
	}
	return nil
}
