package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncJobsTable is the durable job queue read by dashboards for sync health.
const SyncJobsTable = "sync_jobs"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// JobStatus enumerates durable sync job states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobRecord represents one scheduled synchronization attempt. Rows are never
// deleted; they form the audit trail dashboards read.
type JobRecord struct {
	ID             uuid.UUID
	SourceID       string
	TenantID       uuid.UUID
	SiteID         *uuid.UUID
	SourceTenantID *string
	Status         JobStatus
	// State maps step name to a remaining-work marker; a nil value means the
	// step finished. The job completes only once every value is nil.
	State         map[string]*string
	Error         *string
	RetryCount    int
	EstDuration   int // seconds
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastAttemptAt *time.Time
	CreatedAt     time.Time
}

// ClaimOptions parameterizes the atomic claim query.
type ClaimOptions struct {
	MaxEstDuration int           // seconds; jobs estimated above this are left for a bigger budget
	Limit          int           // max jobs claimed in one pass
	MaxAttempts    int           // jobs at or past this retry count are quarantined
	BackoffBase    time.Duration // exponential backoff base between attempts
	StaleAfter     time.Duration // reclaim jobs whose prior claim never finished
}

// JobStore provides access to the sync job queue.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a store; assumes migrations already created the table.
func NewJobStore(pool *pgxpool.Pool) (*JobStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

const jobColumns = `id, source_id, tenant_id, site_id, source_tenant_id, status, state,
        error, retry_count, est_duration, started_at, completed_at, last_attempt_at, created_at`

// Create inserts a new pending job.
func (s *JobStore) Create(ctx context.Context, rec JobRecord) (JobRecord, error) {
	if rec.ID == uuid.Nil {
		return JobRecord{}, errors.New("job id is required")
	}
	if rec.Status == "" {
		rec.Status = JobPending
	}
	state, err := marshalState(rec.State)
	if err != nil {
		return JobRecord{}, err
	}

	query := fmt.Sprintf(`
        INSERT INTO %s (
            id, source_id, tenant_id, site_id, source_tenant_id, status, state,
            error, retry_count, est_duration, started_at, completed_at, last_attempt_at, created_at
        ) VALUES (
            $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now()
        )
        RETURNING %s
    `, SyncJobsTable, jobColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.ID, rec.SourceID, rec.TenantID, rec.SiteID, rec.SourceTenantID, rec.Status, state,
		rec.Error, rec.RetryCount, rec.EstDuration, rec.StartedAt, rec.CompletedAt, rec.LastAttemptAt,
	)
	return scanJobRecord(row)
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (JobRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", jobColumns, SyncJobsTable)
	return scanJobRecord(s.pool.QueryRow(ctx, query, id))
}

// Claim atomically marks up to opts.Limit runnable jobs as started and returns
// them. Failed jobs stay retryable until the attempt ceiling; backoff grows
// exponentially with the retry count. SKIP LOCKED keeps concurrent claimers
// from double-processing.
func (s *JobStore) Claim(ctx context.Context, opts ClaimOptions) ([]JobRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}

	query := fmt.Sprintf(`
        UPDATE %s SET started_at = now()
        WHERE id IN (
            SELECT id FROM %s
            WHERE status IN ('pending', 'failed')
              AND retry_count < $1
              AND est_duration <= $2
              AND (started_at IS NULL OR started_at < now() - make_interval(secs => $3))
              AND (last_attempt_at IS NULL
                   OR last_attempt_at < now() - make_interval(secs => $4 * power(2, least(retry_count, 8))))
            ORDER BY created_at
            LIMIT $5
            FOR UPDATE SKIP LOCKED
        )
        RETURNING %s
    `, SyncJobsTable, SyncJobsTable, jobColumns)

	rows, err := s.pool.Query(ctx, query,
		opts.MaxAttempts, opts.MaxEstDuration,
		opts.StaleAfter.Seconds(), opts.BackoffBase.Seconds(), opts.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		rec, err := scanJobRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Finish persists the terminal fields of a job after a chain run: status,
// state map, error, retry count and timestamps. Jobs going back to pending or
// failed release their claim (started_at cleared) so the next attempt waits on
// the backoff gate alone, not the stale-claim window.
func (s *JobStore) Finish(ctx context.Context, rec JobRecord) error {
	state, err := marshalState(rec.State)
	if err != nil {
		return err
	}

	startedAt := rec.StartedAt
	if rec.Status != JobCompleted {
		startedAt = nil
	}

	query := fmt.Sprintf(`
        UPDATE %s SET status = $2, state = $3, error = $4, retry_count = $5,
            started_at = $6, completed_at = $7, last_attempt_at = $8
        WHERE id = $1
    `, SyncJobsTable)

	tag, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Status, state, rec.Error, rec.RetryCount, startedAt, rec.CompletedAt, rec.LastAttemptAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingExists reports whether the integration already has an unstarted or
// retryable job queued, so the scheduler does not stack duplicates.
func (s *JobStore) PendingExists(ctx context.Context, sourceID string, tenantID uuid.UUID) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (
        SELECT 1 FROM %s WHERE source_id = $1 AND tenant_id = $2 AND status = 'pending'
    )`, SyncJobsTable)

	var exists bool
	if err := s.pool.QueryRow(ctx, query, sourceID, tenantID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func marshalState(state map[string]*string) ([]byte, error) {
	if state == nil {
		state = map[string]*string{}
	}
	out, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal job state: %w", err)
	}
	return out, nil
}

func scanJobRecord(row pgx.Row) (JobRecord, error) {
	var rec JobRecord
	var state []byte
	err := row.Scan(&rec.ID, &rec.SourceID, &rec.TenantID, &rec.SiteID, &rec.SourceTenantID,
		&rec.Status, &state, &rec.Error, &rec.RetryCount, &rec.EstDuration,
		&rec.StartedAt, &rec.CompletedAt, &rec.LastAttemptAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JobRecord{}, ErrNotFound
		}
		return JobRecord{}, err
	}
	if err := json.Unmarshal(state, &rec.State); err != nil {
		return JobRecord{}, fmt.Errorf("unmarshal job state: %w", err)
	}
	return rec, nil
}
